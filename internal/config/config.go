package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/SirClappington/jobq/internal/backoff"
)

// Config is shared by all three binaries; each reads the fields it needs.
type Config struct {
	AppEnv  string `env:"APP_ENV" envDefault:"dev"`
	APIAddr string `env:"API_ADDR" envDefault:":8080"`

	RedisAddr      string `env:"REDIS_ADDR,notEmpty" envDefault:"localhost:6379"`
	RedisPassword  string `env:"REDIS_PASSWORD"`
	RedisDB        int    `env:"REDIS_DB" envDefault:"0"`
	QueueNamespace string `env:"QUEUE_NAMESPACE,notEmpty" envDefault:"jobq"`

	// Optional transition history. Empty disables it.
	PostgresDSN   string `env:"POSTGRES_DSN"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"migrations"`

	LeaseDuration      time.Duration `env:"LEASE_DURATION" envDefault:"30s"`
	SucceededRetention time.Duration `env:"SUCCEEDED_RETENTION" envDefault:"24h"`
	DefaultMaxAttempts int           `env:"DEFAULT_MAX_ATTEMPTS" envDefault:"4"`
	BackoffBase        time.Duration `env:"BACKOFF_BASE" envDefault:"1s"`
	BackoffMax         time.Duration `env:"BACKOFF_MAX" envDefault:"10m"`
	BackoffJitter      string        `env:"BACKOFF_JITTER" envDefault:"none"`

	PromoteInterval time.Duration `env:"PROMOTE_INTERVAL" envDefault:"500ms"`
	PromoteBatch    int           `env:"PROMOTE_BATCH" envDefault:"200"`
	ReapInterval    time.Duration `env:"REAP_INTERVAL" envDefault:"1s"`
	ReapBatch       int           `env:"REAP_BATCH" envDefault:"200"`

	WorkerConcurrency int           `env:"WORKER_CONCURRENCY" envDefault:"4"`
	WorkerID          string        `env:"WORKER_ID"`
	PollMin           time.Duration `env:"POLL_MIN" envDefault:"500ms"`
	PollMax           time.Duration `env:"POLL_MAX" envDefault:"2s"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// Load reads the process environment.
func Load() (Config, error) {
	return parse(env.Options{})
}

// LoadFrom reads environ instead of the process environment.
func LoadFrom(environ map[string]string) (Config, error) {
	return parse(env.Options{Environment: environ})
}

func parse(opts env.Options) (Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

var ErrInvalid = errors.New("invalid config")

func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	check(c.PromoteInterval >= 50*time.Millisecond && c.PromoteInterval <= 5*time.Second,
		"PROMOTE_INTERVAL must be within 50ms..5s, got %s", c.PromoteInterval)
	check(c.PromoteBatch > 0, "PROMOTE_BATCH must be > 0")
	check(c.ReapInterval > 0, "REAP_INTERVAL must be > 0")
	check(c.ReapBatch > 0, "REAP_BATCH must be > 0")
	check(c.LeaseDuration > 0, "LEASE_DURATION must be > 0")
	check(c.SucceededRetention >= 0, "SUCCEEDED_RETENTION must be >= 0")
	check(c.DefaultMaxAttempts >= 1, "DEFAULT_MAX_ATTEMPTS must be >= 1")
	check(c.BackoffBase > 0, "BACKOFF_BASE must be > 0")
	check(c.BackoffMax >= c.BackoffBase, "BACKOFF_MAX must be >= BACKOFF_BASE")
	check(c.WorkerConcurrency >= 1, "WORKER_CONCURRENCY must be >= 1")
	check(c.PollMin > 0 && c.PollMax >= c.PollMin, "POLL_MIN must be > 0 and <= POLL_MAX")
	check(c.ShutdownTimeout > 0, "SHUTDOWN_TIMEOUT must be > 0")
	if _, err := backoff.ParseJitter(c.BackoffJitter); err != nil {
		errs = append(errs, fmt.Errorf("BACKOFF_JITTER: %w", err))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// Backoff builds the retry strategy the config describes.
func (c Config) Backoff() backoff.Strategy {
	j, _ := backoff.ParseJitter(c.BackoffJitter) //nolint:errcheck // checked by Validate
	return backoff.NewExponential(c.BackoffBase, c.BackoffMax, j)
}

// HeartbeatInterval is how often workers extend a running job's lease.
func (c Config) HeartbeatInterval() time.Duration { return c.LeaseDuration / 3 }
