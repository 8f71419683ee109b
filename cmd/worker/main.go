package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/SirClappington/jobq/internal/app"
	"github.com/SirClappington/jobq/internal/tasks"
	"github.com/SirClappington/jobq/internal/worker"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Load(ctx, "worker")
	if err != nil {
		log.Printf("startup: %v", err)
		return 1
	}
	defer a.Close()

	cfg := a.Config
	reg := worker.NewRegistry()
	tasks.Register(reg, a.Logger)

	opts := []worker.Option{
		worker.WithConcurrency(cfg.WorkerConcurrency),
		worker.WithPollBackoff(cfg.PollMin, cfg.PollMax),
		worker.WithHeartbeat(cfg.HeartbeatInterval()),
	}
	if cfg.WorkerID != "" {
		opts = append(opts, worker.WithWorkerID(cfg.WorkerID))
	}
	pool := worker.NewPool(a.Queue, reg, a.Logger, opts...)

	work := func(ctx context.Context) error {
		if err := pool.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := pool.Stop(sctx); err != nil {
			a.Logger.Warn("worker shutdown incomplete", zap.Error(err))
		}
		return nil
	}

	if err := a.Run(ctx, work); err != nil {
		a.Logger.Error("worker stopped", zap.Error(err))
		return 1
	}
	return 0
}
