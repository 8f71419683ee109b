// Package scheduler runs the two periodic loops that keep jobs moving
// without a worker's help: promotion of due scheduled jobs and reclamation
// of expired leases. Any number of scheduler processes may run at once;
// each step they take is one atomic store operation.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/jobq/internal/clock"
)

// DueSource moves due jobs from the scheduled set to the ready lists.
type DueSource interface {
	Promote(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// LeaseSource fails every claim whose lease expired at or before now.
type LeaseSource interface {
	ReapExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

type Promoter struct {
	src      DueSource
	interval time.Duration
	batch    int
	clock    clock.Clock
	logger   *zap.Logger
}

func NewPromoter(src DueSource, interval time.Duration, batch int, c clock.Clock, logger *zap.Logger) *Promoter {
	return &Promoter{src: src, interval: interval, batch: batch, clock: c, logger: logger.Named("promoter")}
}

// Run ticks until ctx is done. Store errors are logged and retried on the
// next tick.
func (p *Promoter) Run(ctx context.Context) error {
	p.logger.Info("promoter started", zap.Duration("interval", p.interval), zap.Int("batch", p.batch))
	return every(ctx, p.interval, func() {
		if n, err := p.Tick(ctx); err != nil {
			p.logger.Error("promote failed", zap.Error(err))
		} else if n > 0 {
			p.logger.Debug("promoted", zap.Int("count", n))
		}
	})
}

// Tick promotes due jobs, one batch at a time, until a batch comes back
// short. It returns how many jobs were moved.
func (p *Promoter) Tick(ctx context.Context) (int, error) {
	total := 0
	for ctx.Err() == nil {
		moved, err := p.src.Promote(ctx, p.clock.Now(), p.batch)
		total += len(moved)
		if err != nil {
			return total, err
		}
		if len(moved) < p.batch {
			break
		}
	}
	return total, nil
}

type Reaper struct {
	src      LeaseSource
	interval time.Duration
	batch    int
	clock    clock.Clock
	logger   *zap.Logger
}

func NewReaper(src LeaseSource, interval time.Duration, batch int, c clock.Clock, logger *zap.Logger) *Reaper {
	return &Reaper{src: src, interval: interval, batch: batch, clock: c, logger: logger.Named("reaper")}
}

func (r *Reaper) Run(ctx context.Context) error {
	r.logger.Info("reaper started", zap.Duration("interval", r.interval), zap.Int("batch", r.batch))
	return every(ctx, r.interval, func() {
		if n, err := r.Tick(ctx); err != nil {
			r.logger.Error("reap failed", zap.Error(err))
		} else if n > 0 {
			r.logger.Info("reclaimed expired leases", zap.Int("count", n))
		}
	})
}

// Tick reclaims expired leases until a pass reclaims fewer than a batch.
func (r *Reaper) Tick(ctx context.Context) (int, error) {
	total := 0
	for ctx.Err() == nil {
		n, err := r.src.ReapExpired(ctx, r.clock.Now(), r.batch)
		total += n
		if err != nil {
			return total, err
		}
		if n < r.batch {
			break
		}
	}
	return total, nil
}

func every(ctx context.Context, d time.Duration, fn func()) error {
	tick := time.NewTicker(d)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			fn()
		}
	}
}
