package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/jobq/internal/domain"
)

// Nack reports a failed attempt. With attempts left the job waits in
// retry_wait for base * 2^(attempts-1) (capped, optionally jittered);
// otherwise it moves to the dead-letter set.
func (q *RedisQ) Nack(ctx context.Context, id, owner string, cause error) error {
	j, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	return q.failJob(ctx, j, owner, cause, time.Time{}, "")
}

// failJob decides between retry and dead letter and applies the decision
// with a compare-and-swap on (state, owner, attempts). A non-zero cutoff
// additionally requires the lease to have expired by then; a non-empty
// force overrides the decision.
func (q *RedisQ) failJob(ctx context.Context, j *domain.Job, owner string, cause error, cutoff time.Time, force domain.State) error {
	if j.State != domain.Claimed {
		return fmt.Errorf("queue: fail %s in state %s: %w", j.ID, j.State, domain.ErrLeaseLost)
	}

	now := q.clock.Now()
	next := j.Attempts + 1
	target := force
	if target == "" {
		target = domain.Dead
		if next < j.MaxAttempts {
			target = domain.RetryWait
		}
	}

	notBefore := ""
	var delay time.Duration
	if target == domain.RetryWait {
		delay = q.backoff.Delay(next)
		notBefore = ms(now.Add(delay))
	}
	cutoffArg := ""
	if !cutoff.IsZero() {
		cutoffArg = ms(cutoff)
	}
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}

	res, err := failScript.Run(ctx, q.rdb,
		[]string{
			q.keys.job(j.ID), q.keys.leases(), q.keys.lease(j.ID),
			q.keys.scheduled(), q.keys.deadletter(), q.keys.counters(),
		},
		j.ID, owner, strconv.Itoa(j.Attempts), strconv.Itoa(next), ms(now),
		string(target), notBefore, msg, cutoffArg).Result()
	if err != nil {
		return storeErr("fail", err)
	}
	code, rest, err := reply(res)
	if err != nil {
		return err
	}
	switch code {
	case codeNotFound:
		return fmt.Errorf("queue: fail %s: %w", j.ID, domain.ErrNotFound)
	case codeConflict:
		return fmt.Errorf("queue: fail %s in state %s: %w", j.ID, replyString(rest, 0), domain.ErrLeaseLost)
	}

	j.Attempts = next
	if target == domain.Dead {
		if created, ok := parseMS(replyString(rest, 0)); ok {
			q.observeLatency(ctx, j.Priority, now.Sub(created))
		}
		q.logger.Warn("job moved to dead letter",
			zap.String("job_id", j.ID),
			zap.String("type", j.Type),
			zap.Int("attempts", next),
			zap.String("error", msg),
		)
	} else {
		q.logger.Info("job scheduled for retry",
			zap.String("job_id", j.ID),
			zap.Int("attempts", next),
			zap.Duration("delay", delay),
			zap.String("error", msg),
		)
	}
	q.emit(ctx, j, domain.Claimed, target, msg)
	return nil
}
