// Package queue is the queue engine: the job record store, the per-priority
// ready lists, the scheduled set, the claim/lease protocol, the retry engine,
// the dead-letter set and the metrics aggregator. All state lives in Redis;
// a RedisQ value holds nothing that other processes need to see.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SirClappington/jobq/internal/backoff"
	"github.com/SirClappington/jobq/internal/clock"
	"github.com/SirClappington/jobq/internal/domain"
)

// Observer receives every committed transition. It runs on the caller's
// goroutine after the store has applied the change and must not block.
type Observer interface {
	Observe(ctx context.Context, ev domain.Event)
}

type ObserverFunc func(ctx context.Context, ev domain.Event)

func (f ObserverFunc) Observe(ctx context.Context, ev domain.Event) { f(ctx, ev) }

type RedisQ struct {
	rdb    r.Cmdable
	keys   keys
	clock  clock.Clock
	logger *zap.Logger

	leaseDuration      time.Duration
	succeededRetention time.Duration
	defaultMaxAttempts int
	backoff            backoff.Strategy
	observers          []Observer
}

type Option func(*RedisQ)

// WithNamespace isolates one deployment's keys from others sharing the store.
func WithNamespace(ns string) Option { return func(q *RedisQ) { q.keys = newKeys(ns) } }

func WithClock(c clock.Clock) Option { return func(q *RedisQ) { q.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(q *RedisQ) { q.logger = l } }

// WithLeaseDuration sets how long a claim stays exclusive. It must exceed the
// expected handler runtime unless the worker extends its leases.
func WithLeaseDuration(d time.Duration) Option { return func(q *RedisQ) { q.leaseDuration = d } }

// WithSucceededRetention sets how long succeeded records stay readable for
// status queries before Redis expires them. Zero keeps them forever.
func WithSucceededRetention(d time.Duration) Option {
	return func(q *RedisQ) { q.succeededRetention = d }
}

func WithDefaultMaxAttempts(n int) Option { return func(q *RedisQ) { q.defaultMaxAttempts = n } }

func WithBackoff(s backoff.Strategy) Option { return func(q *RedisQ) { q.backoff = s } }

func WithObserver(o Observer) Option {
	return func(q *RedisQ) { q.observers = append(q.observers, o) }
}

func New(rdb r.Cmdable, opts ...Option) *RedisQ {
	q := &RedisQ{
		rdb:                rdb,
		keys:               newKeys("jobq"),
		clock:              clock.RealClock{},
		logger:             zap.NewNop(),
		leaseDuration:      30 * time.Second,
		succeededRetention: 24 * time.Hour,
		defaultMaxAttempts: 4,
		backoff:            backoff.NewExponential(time.Second, 10*time.Minute, backoff.NoJitter),
	}
	for _, o := range opts {
		o(q)
	}
	q.logger = q.logger.Named("queue")
	return q
}

// Ping reports whether the store is reachable.
func (q *RedisQ) Ping(ctx context.Context) error {
	if err := q.rdb.Ping(ctx).Err(); err != nil {
		return storeErr("ping", err)
	}
	return nil
}

// Enqueue creates a job and places it in its ready list, or in the scheduled
// set when a delay is requested. Record and placement are written by one
// script so a crash never leaves a record without a home.
func (q *RedisQ) Enqueue(ctx context.Context, req domain.EnqueueRequest) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	prio, _ := domain.ParsePriority(string(req.Priority)) //nolint:errcheck // validated above
	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = q.defaultMaxAttempts
	}

	uid, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("queue: generate id: %w", err)
	}
	now := q.clock.Now()
	j := &domain.Job{
		ID:          uid.String(),
		Type:        req.Type,
		Payload:     req.Payload,
		Priority:    prio,
		State:       domain.Queued,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := q.Create(ctx, j, req.Delay); err != nil {
		return "", err
	}
	return j.ID, nil
}

// Create persists j. With delay > 0 the job starts in scheduled with
// not_before = now + delay, otherwise in queued.
func (q *RedisQ) Create(ctx context.Context, j *domain.Job, delay time.Duration) error {
	mode, target, score := "ready", q.keys.ready(j.Priority), "0"
	if delay > 0 {
		nb := j.CreatedAt.Add(delay)
		j.State = domain.Scheduled
		j.NotBefore = &nb
		mode, target, score = "scheduled", q.keys.scheduled(), ms(nb)
	}

	args := append([]interface{}{mode, j.ID, score, string(j.Priority)}, jobFields(j)...)
	created, err := enqueueScript.Run(ctx, q.rdb,
		[]string{q.keys.job(j.ID), target, q.keys.counters()}, args...).Int()
	if err != nil {
		return storeErr("enqueue", err)
	}
	if created == 0 {
		return fmt.Errorf("queue: job %s already exists", j.ID)
	}

	q.logger.Debug("job enqueued",
		zap.String("job_id", j.ID),
		zap.String("type", j.Type),
		zap.String("priority", string(j.Priority)),
		zap.String("state", string(j.State)),
	)
	q.emit(ctx, j, "", j.State, "")
	return nil
}

// Get returns the canonical record for id.
func (q *RedisQ) Get(ctx context.Context, id string) (*domain.Job, error) {
	vals, err := q.rdb.HGetAll(ctx, q.keys.job(id)).Result()
	if err != nil {
		return nil, storeErr("get", err)
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("queue: get %s: %w", id, domain.ErrNotFound)
	}
	return mapToJob(vals), nil
}

func (q *RedisQ) Status(ctx context.Context, id string) (domain.Status, error) {
	j, err := q.Get(ctx, id)
	if err != nil {
		return domain.Status{}, err
	}
	return j.Status(), nil
}

// UpdateState applies one legal edge of the state machine, moving the id
// between structures in the same atomic step. Asking for the state the job
// is already in is a no-op. Claims go through Claim, which picks the job.
func (q *RedisQ) UpdateState(ctx context.Context, id string, tr domain.Transition, owner string) error {
	if !domain.CanTransition(tr.From, tr.To) {
		return fmt.Errorf("queue: %s -> %s: %w", tr.From, tr.To, domain.ErrInvalidTransition)
	}

	var err error
	switch tr.To {
	case domain.Queued:
		err = q.promoteOne(ctx, id, tr.From)
	case domain.Succeeded:
		err = q.Ack(ctx, id, owner, nil)
	case domain.RetryWait, domain.Dead:
		j, gerr := q.Get(ctx, id)
		if gerr != nil {
			return gerr
		}
		if j.State == tr.To {
			return nil
		}
		if j.State.Terminal() {
			return fmt.Errorf("queue: %s is %s: %w", id, j.State, domain.ErrInvalidTransition)
		}
		err = q.failJob(ctx, j, owner, errors.New(tr.Cause), time.Time{}, tr.To)
	default:
		return fmt.Errorf("queue: %s -> %s is only reachable through Claim: %w",
			tr.From, tr.To, domain.ErrInvalidTransition)
	}
	if errors.Is(err, domain.ErrLeaseLost) {
		return fmt.Errorf("%w: %w", domain.ErrInvalidTransition, err)
	}
	return err
}

func (q *RedisQ) promoteOne(ctx context.Context, id string, from domain.State) error {
	now := q.clock.Now()
	res, err := promoteOneScript.Run(ctx, q.rdb,
		[]string{q.keys.job(id), q.keys.scheduled()},
		id, q.keys.prefix, ms(now), string(from)).Result()
	if err != nil {
		return storeErr("promote", err)
	}
	code, rest, err := reply(res)
	if err != nil {
		return err
	}
	switch code {
	case codeNotFound:
		return fmt.Errorf("queue: promote %s: %w", id, domain.ErrNotFound)
	case codeConflict:
		return fmt.Errorf("queue: promote %s in state %s: %w", id, replyString(rest, 0), domain.ErrInvalidTransition)
	case codeApplied:
		q.emitID(ctx, id, from, domain.Queued, "")
	}
	return nil
}

func (q *RedisQ) emit(ctx context.Context, j *domain.Job, from, to domain.State, cause string) {
	if len(q.observers) == 0 {
		return
	}
	ev := domain.Event{
		JobID:    j.ID,
		Type:     j.Type,
		Priority: j.Priority,
		From:     from,
		To:       to,
		Attempt:  j.Attempts,
		Error:    cause,
		At:       q.clock.Now(),
	}
	for _, o := range q.observers {
		o.Observe(ctx, ev)
	}
}

// emitID is emit for paths that only know the id.
func (q *RedisQ) emitID(ctx context.Context, id string, from, to domain.State, cause string) {
	if len(q.observers) == 0 {
		return
	}
	j, err := q.Get(ctx, id)
	if err != nil {
		j = &domain.Job{ID: id}
	}
	q.emit(ctx, j, from, to, cause)
}

func storeErr(op string, err error) error {
	return fmt.Errorf("queue: %s: %w: %w", op, domain.ErrStoreUnavailable, err)
}
