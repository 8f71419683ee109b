// Package app wires config, logging, the Redis client, the queue engine and
// the optional history store for the binaries under cmd/.
package app

import (
	"context"
	"database/sql"
	"fmt"

	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/jobq/internal/config"
	"github.com/SirClappington/jobq/internal/logging"
	"github.com/SirClappington/jobq/internal/queue"
	"github.com/SirClappington/jobq/internal/storage"
)

const historyBuffer = 4096

type App struct {
	Config  config.Config
	Logger  *zap.Logger
	Redis   *r.Client
	Queue   *queue.RedisQ
	History *storage.HistoryStore // nil unless POSTGRES_DSN is set

	db *sql.DB
}

// Load reads the environment and builds an App for service.
func Load(ctx context.Context, service string) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.AppEnv, service)
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg, logger)
}

func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger}

	a.Redis = r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})

	opts := []queue.Option{
		queue.WithNamespace(cfg.QueueNamespace),
		queue.WithLogger(logger),
		queue.WithLeaseDuration(cfg.LeaseDuration),
		queue.WithSucceededRetention(cfg.SucceededRetention),
		queue.WithDefaultMaxAttempts(cfg.DefaultMaxAttempts),
		queue.WithBackoff(cfg.Backoff()),
	}
	if cfg.PostgresDSN != "" {
		db, err := storage.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			_ = a.Redis.Close()
			return nil, err
		}
		if err := storage.Migrate(db, cfg.MigrationsDir); err != nil {
			_ = db.Close()
			_ = a.Redis.Close()
			return nil, err
		}
		a.db = db
		a.History = storage.NewHistoryStore(db, historyBuffer, logger)
		opts = append(opts, queue.WithObserver(a.History))
	}
	a.Queue = queue.New(a.Redis, opts...)

	if err := a.Queue.Ping(ctx); err != nil {
		// Not fatal: every operation reports the outage on its own.
		logger.Warn("redis not reachable at startup", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}
	logger.Info("app ready",
		zap.String("redis", cfg.RedisAddr),
		zap.String("namespace", cfg.QueueNamespace),
		zap.Bool("history", a.History != nil),
	)
	return a, nil
}

// Run runs every loop, plus the history writer when configured, until ctx
// is done or one of them fails.
func (a *App) Run(ctx context.Context, loops ...func(context.Context) error) error {
	g, ctx := errgroup.WithContext(ctx)
	if a.History != nil {
		g.Go(func() error { return a.History.Run(ctx) })
	}
	for _, loop := range loops {
		g.Go(func() error { return loop(ctx) })
	}
	return g.Wait()
}

// Close flushes history written by loops that outlived Run, such as a
// worker pool finishing its last jobs, then releases the stores.
func (a *App) Close() error {
	if a.History != nil {
		a.History.Flush()
	}
	var firstErr error
	if err := a.Redis.Close(); err != nil {
		firstErr = fmt.Errorf("app: close redis: %w", err)
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("app: close postgres: %w", err)
		}
	}
	_ = a.Logger.Sync()
	return firstErr
}
