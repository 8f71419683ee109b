// Package worker claims jobs from the queue and runs them through
// registered handlers. A Pool runs a fixed number of slots; each slot is an
// independent claim, run, ack-or-nack loop that holds at most one lease.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SirClappington/jobq/internal/domain"
)

// Queue is the part of the queue engine a worker uses.
type Queue interface {
	Claim(ctx context.Context, owner string) (*domain.Job, error)
	Ack(ctx context.Context, id, owner string, result json.RawMessage) error
	Nack(ctx context.Context, id, owner string, cause error) error
	Extend(ctx context.Context, id, owner string) (time.Time, error)
}

const (
	pollStep      = 50 * time.Millisecond
	reportTimeout = 5 * time.Second
)

type Pool struct {
	q        Queue
	registry *Registry
	logger   *zap.Logger
	workerID string

	concurrency int
	pollMin     time.Duration
	pollMax     time.Duration
	heartbeat   time.Duration

	stopCh     chan struct{}
	jobCtx     context.Context
	cancelJobs context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
}

type Option func(*Pool)

func WithConcurrency(n int) Option { return func(p *Pool) { p.concurrency = n } }

// WithWorkerID sets the process identity used to build lease owners. The
// default is a random UUID.
func WithWorkerID(id string) Option { return func(p *Pool) { p.workerID = id } }

// WithPollBackoff sets the idle poll delay. It starts at lo and grows by
// 50ms per consecutive empty claim, up to hi.
func WithPollBackoff(lo, hi time.Duration) Option {
	return func(p *Pool) { p.pollMin, p.pollMax = lo, hi }
}

// WithHeartbeat sets how often a running job's lease is extended. Zero
// disables heartbeats.
func WithHeartbeat(d time.Duration) Option { return func(p *Pool) { p.heartbeat = d } }

func NewPool(q Queue, registry *Registry, logger *zap.Logger, opts ...Option) *Pool {
	p := &Pool{
		q:           q,
		registry:    registry,
		logger:      logger,
		workerID:    uuid.NewString(),
		concurrency: 4,
		pollMin:     500 * time.Millisecond,
		pollMax:     2 * time.Second,
		heartbeat:   10 * time.Second,
	}
	for _, o := range opts {
		o(p)
	}
	p.logger = p.logger.Named("worker").With(zap.String("worker_id", p.workerID))
	return p
}

// Start launches the slots and returns immediately. Starting a running pool
// is a no-op.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.jobCtx, p.cancelJobs = context.WithCancel(context.Background())

	p.logger.Info("worker pool starting",
		zap.Int("concurrency", p.concurrency),
		zap.Strings("types", p.registry.Types()),
	)
	for i := range p.concurrency {
		p.wg.Add(1)
		go p.slot(p.workerID + "/" + strconv.Itoa(i))
	}
	return nil
}

// Stop stops claiming and waits for running handlers to finish. When ctx
// ends first the handlers' contexts are cancelled and Stop waits for them
// to report.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping")
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling running jobs")
		err = ctx.Err()
		p.cancelJobs()
		<-done
	}
	p.cancelJobs()
	return err
}

func (p *Pool) slot(owner string) {
	defer p.wg.Done()

	idle := 0
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		j, err := p.q.Claim(p.jobCtx, owner)
		switch {
		case errors.Is(err, domain.ErrEmpty):
			p.sleep(p.idleDelay(idle))
			idle++
			continue
		case err != nil:
			p.logger.Error("claim failed", zap.String("owner", owner), zap.Error(err))
			p.sleep(p.pollMax)
			continue
		}
		idle = 0
		p.process(owner, j)
	}
}

// idleDelay is the wait after n consecutive empty claims.
func (p *Pool) idleDelay(n int) time.Duration {
	d := p.pollMin + time.Duration(n)*pollStep
	if d > p.pollMax {
		return p.pollMax
	}
	return d
}

func (p *Pool) sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-p.stopCh:
	}
}

func (p *Pool) process(owner string, j *domain.Job) {
	log := p.logger.With(
		zap.String("job_id", j.ID),
		zap.String("type", j.Type),
		zap.String("owner", owner),
		zap.Int("attempt", j.Attempts+1),
	)

	ctx, cancel := context.WithCancel(p.jobCtx)
	defer cancel()
	stopBeat := p.startHeartbeat(ctx, cancel, j.ID, owner, log)

	start := time.Now()
	result, err := p.run(ctx, j)
	stopBeat()

	rctx, rcancel := context.WithTimeout(context.Background(), reportTimeout)
	defer rcancel()

	if err == nil {
		log.Debug("job succeeded", zap.Duration("took", time.Since(start)))
		p.report(log, "ack", p.q.Ack(rctx, j.ID, owner, result))
		return
	}
	herr := &domain.HandlerError{JobID: j.ID, Type: j.Type, Err: err}
	log.Info("job failed", zap.Duration("took", time.Since(start)), zap.Error(herr))
	p.report(log, "nack", p.q.Nack(rctx, j.ID, owner, herr))
}

func (p *Pool) run(ctx context.Context, j *domain.Job) (result json.RawMessage, err error) {
	h, ok := p.registry.Lookup(j.Type)
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownType, j.Type)
	}
	defer func() {
		if rec := recover(); rec != nil {
			result, err = nil, fmt.Errorf("panic: %v", rec)
		}
	}()
	result, err = h(ctx, j.Payload)
	if err == nil && len(result) > 0 && !json.Valid(result) {
		return nil, errors.New("handler returned invalid json result")
	}
	return result, err
}

func (p *Pool) report(log *zap.Logger, op string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrLeaseLost):
		log.Warn("lease lost before "+op+", result dropped", zap.Error(err))
	case errors.Is(err, domain.ErrNotFound):
		log.Warn("job vanished before "+op)
	default:
		log.Error(op+" failed", zap.Error(err))
	}
}

// startHeartbeat extends the lease every heartbeat interval until the
// returned func is called. Losing the lease cancels the handler's context.
func (p *Pool) startHeartbeat(ctx context.Context, cancel context.CancelFunc, id, owner string, log *zap.Logger) func() {
	if p.heartbeat <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		tick := time.NewTicker(p.heartbeat)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-tick.C:
				_, err := p.q.Extend(ctx, id, owner)
				switch {
				case err == nil:
				case errors.Is(err, domain.ErrLeaseLost), errors.Is(err, domain.ErrNotFound):
					log.Warn("lease lost while running, cancelling handler", zap.Error(err))
					cancel()
					return
				default:
					log.Warn("lease extend failed", zap.Error(err))
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}
