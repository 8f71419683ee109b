package worker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/SirClappington/jobq/internal/backoff"
	"github.com/SirClappington/jobq/internal/domain"
	"github.com/SirClappington/jobq/internal/queue"
)

func newTestQueue(t *testing.T, opts ...queue.Option) *queue.RedisQ {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	base := []queue.Option{
		queue.WithLeaseDuration(5 * time.Second),
		queue.WithBackoff(backoff.NewConstant(time.Hour)),
	}
	return queue.New(rdb, append(base, opts...)...)
}

func startPool(t *testing.T, q Queue, reg *Registry, opts ...Option) *Pool {
	t.Helper()
	base := []Option{
		WithConcurrency(2),
		WithPollBackoff(5*time.Millisecond, 20*time.Millisecond),
		WithWorkerID("test"),
	}
	p := NewPool(q, reg, zap.NewNop(), append(base, opts...)...)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = p.Stop(ctx)
	})
	return p
}

func waitState(t *testing.T, q *queue.RedisQ, id string, want domain.State) domain.Status {
	t.Helper()
	var st domain.Status
	require.Eventually(t, func() bool {
		var err error
		st, err = q.Status(context.Background(), id)
		return err == nil && st.State == want
	}, 3*time.Second, 5*time.Millisecond, "job %s never reached %s (last %s)", id, want, st.State)
	return st
}

func TestPool_StartStopIdempotent(t *testing.T) {
	p := NewPool(newTestQueue(t), NewRegistry(), zap.NewNop(), WithConcurrency(2))
	ctx := context.Background()

	require.NoError(t, p.Start(ctx))
	require.NoError(t, p.Start(ctx))

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(stopCtx))
	require.NoError(t, p.Stop(stopCtx))
}

func TestPool_RunsHandlerAndAcks(t *testing.T) {
	q := newTestQueue(t)
	reg := NewRegistry()

	got := make(chan string, 1)
	reg.Register("greet", func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
		var p struct{ Name string }
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, err
		}
		got <- p.Name
		return json.RawMessage(`{"greeted":"` + p.Name + `"}`), nil
	})

	id, err := q.Enqueue(context.Background(), domain.EnqueueRequest{
		Type: "greet", Payload: json.RawMessage(`{"Name":"Alice"}`),
	})
	require.NoError(t, err)
	startPool(t, q, reg)

	select {
	case name := <-got:
		assert.Equal(t, "Alice", name)
	case <-time.After(3 * time.Second):
		t.Fatal("handler never ran")
	}
	st := waitState(t, q, id, domain.Succeeded)
	assert.Equal(t, 0, st.Attempts)
	assert.JSONEq(t, `{"greeted":"Alice"}`, string(st.Result))
}

func TestPool_InvalidResultCountsAsFailure(t *testing.T) {
	q := newTestQueue(t)
	reg := NewRegistry()
	reg.Register("sloppy", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`not json`), nil
	})

	id, err := q.Enqueue(context.Background(), domain.EnqueueRequest{Type: "sloppy", MaxAttempts: 1})
	require.NoError(t, err)
	startPool(t, q, reg)

	st := waitState(t, q, id, domain.Dead)
	require.NotNil(t, st.LastError)
	assert.Equal(t, "sloppy: handler returned invalid json result", *st.LastError)
	assert.Nil(t, st.Result)
}

func TestPool_HandlerErrorIsRetried(t *testing.T) {
	q := newTestQueue(t)
	reg := NewRegistry()
	reg.Register("flaky", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("upstream 502")
	})

	id, err := q.Enqueue(context.Background(), domain.EnqueueRequest{Type: "flaky", MaxAttempts: 3})
	require.NoError(t, err)
	startPool(t, q, reg)

	st := waitState(t, q, id, domain.RetryWait)
	assert.Equal(t, 1, st.Attempts)
	require.NotNil(t, st.LastError)
	assert.Equal(t, "flaky: upstream 502", *st.LastError)
}

func TestPool_UnknownTypeFailsThroughRetryPath(t *testing.T) {
	q := newTestQueue(t)
	id, err := q.Enqueue(context.Background(), domain.EnqueueRequest{Type: "mystery", MaxAttempts: 1})
	require.NoError(t, err)
	startPool(t, q, NewRegistry())

	st := waitState(t, q, id, domain.Dead)
	require.NotNil(t, st.LastError)
	assert.Contains(t, *st.LastError, ErrUnknownType.Error())
	assert.Contains(t, *st.LastError, `"mystery"`)
}

func TestPool_PanicCountsAsFailure(t *testing.T) {
	q := newTestQueue(t)
	reg := NewRegistry()
	reg.Register("bad", func(context.Context, json.RawMessage) (json.RawMessage, error) { panic("nil map") })

	id, err := q.Enqueue(context.Background(), domain.EnqueueRequest{Type: "bad", MaxAttempts: 1})
	require.NoError(t, err)
	startPool(t, q, reg)

	st := waitState(t, q, id, domain.Dead)
	require.NotNil(t, st.LastError)
	assert.Equal(t, "bad: panic: nil map", *st.LastError)
}

func TestPool_ConcurrencyIsBounded(t *testing.T) {
	q := newTestQueue(t)
	reg := NewRegistry()

	var running, peak atomic.Int32
	reg.Register("work", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return nil, nil
	})

	ids := make([]string, 0, 12)
	for range 12 {
		id, err := q.Enqueue(context.Background(), domain.EnqueueRequest{Type: "work"})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	startPool(t, q, reg, WithConcurrency(3))

	for _, id := range ids {
		waitState(t, q, id, domain.Succeeded)
	}
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Greater(t, peak.Load(), int32(1))
}

func TestPool_HeartbeatKeepsLongJobLeased(t *testing.T) {
	q := newTestQueue(t, queue.WithLeaseDuration(200*time.Millisecond))
	reg := NewRegistry()
	reg.Register("long", func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		select {
		case <-time.After(600 * time.Millisecond):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	id, err := q.Enqueue(context.Background(), domain.EnqueueRequest{Type: "long"})
	require.NoError(t, err)
	startPool(t, q, reg, WithHeartbeat(50*time.Millisecond))

	// Run a reaper alongside; it must never find the lease expired.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var reaped atomic.Int32
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			n, _ := q.ReapExpired(ctx, time.Now(), 10)
			reaped.Add(int32(n))
			time.Sleep(10 * time.Millisecond)
		}
	}()

	st := waitState(t, q, id, domain.Succeeded)
	cancel()
	wg.Wait()
	assert.Zero(t, reaped.Load())
	assert.Equal(t, 0, st.Attempts)
}

func TestPool_StopTimeoutCancelsHandlers(t *testing.T) {
	q := newTestQueue(t)
	reg := NewRegistry()
	started := make(chan struct{})
	reg.Register("stuck", func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	id, err := q.Enqueue(context.Background(), domain.EnqueueRequest{Type: "stuck"})
	require.NoError(t, err)

	p := NewPool(q, reg, zap.NewNop(), WithConcurrency(1), WithPollBackoff(5*time.Millisecond, 10*time.Millisecond))
	require.NoError(t, p.Start(context.Background()))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Stop(ctx), context.DeadlineExceeded)

	st, err := q.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.RetryWait, st.State)
	require.NotNil(t, st.LastError)
	assert.True(t, strings.HasSuffix(*st.LastError, context.Canceled.Error()))
}

// lostQueue rejects every report, as if a reaper had reclaimed the job.
type lostQueue struct {
	*queue.RedisQ
	acks atomic.Int32
}

func (l *lostQueue) Ack(context.Context, string, string, json.RawMessage) error {
	l.acks.Add(1)
	return domain.ErrLeaseLost
}

func TestPool_LeaseLostResultIsDropped(t *testing.T) {
	q := &lostQueue{RedisQ: newTestQueue(t)}
	reg := NewRegistry()
	reg.Register("ok", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"done":true}`), nil
	})

	id, err := q.Enqueue(context.Background(), domain.EnqueueRequest{Type: "ok"})
	require.NoError(t, err)
	startPool(t, q, reg)

	require.Eventually(t, func() bool { return q.acks.Load() == 1 }, 3*time.Second, 5*time.Millisecond)
	st, err := q.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.Claimed, st.State)
}

func TestPool_IdleDelayGrowsToMax(t *testing.T) {
	p := NewPool(nil, NewRegistry(), zap.NewNop(), WithPollBackoff(500*time.Millisecond, 2*time.Second))

	tests := []struct {
		idle int
		want time.Duration
	}{
		{0, 500 * time.Millisecond},
		{1, 550 * time.Millisecond},
		{10, time.Second},
		{30, 2 * time.Second},
		{1000, 2 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.idleDelay(tt.idle), "idle=%d", tt.idle)
	}
}
