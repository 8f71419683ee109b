package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SirClappington/jobq/internal/domain"
)

// Claim pops the next ready job, high tier first, and leases it to owner for
// the lease duration. Pop and lease are one script; no other claimer can see
// the id in between. Returns domain.ErrEmpty when nothing is ready.
func (q *RedisQ) Claim(ctx context.Context, owner string) (*domain.Job, error) {
	now := q.clock.Now()
	expiry := now.Add(q.leaseDuration)
	keys := append(q.keys.readyAll(), q.keys.leases())

	res, err := claimScript.Run(ctx, q.rdb, keys,
		q.keys.prefix, owner, ms(now),
		strconv.FormatInt(q.leaseDuration.Milliseconds(), 10), ms(expiry)).Result()
	if errors.Is(err, r.Nil) {
		return nil, domain.ErrEmpty
	}
	if err != nil {
		return nil, storeErr("claim", err)
	}

	j := mapToJob(pairsToMap(res))
	q.emit(ctx, j, domain.Queued, domain.Claimed, "")
	return j, nil
}

// Ack marks a claimed job succeeded, stores result (may be nil) and releases
// its lease. Acking a job that already succeeded is a no-op and keeps the
// first result. A caller whose lease was reclaimed gets domain.ErrLeaseLost
// and its result is discarded.
func (q *RedisQ) Ack(ctx context.Context, id, owner string, result json.RawMessage) error {
	if len(result) > 0 && !json.Valid(result) {
		return fmt.Errorf("queue: ack %s: %w: result is not valid json", id, domain.ErrInvalidRequest)
	}
	now := q.clock.Now()
	res, err := ackScript.Run(ctx, q.rdb,
		[]string{q.keys.job(id), q.keys.leases(), q.keys.lease(id), q.keys.counters()},
		id, owner, ms(now), strconv.FormatInt(q.succeededRetention.Milliseconds(), 10), string(result)).Result()
	if err != nil {
		return storeErr("ack", err)
	}
	code, rest, err := reply(res)
	if err != nil {
		return err
	}

	switch code {
	case codeNotFound:
		return fmt.Errorf("queue: ack %s: %w", id, domain.ErrNotFound)
	case codeNoop:
		return nil
	case codeConflict:
		return fmt.Errorf("queue: ack %s in state %s: %w", id, replyString(rest, 0), domain.ErrLeaseLost)
	}

	if created, ok := parseMS(replyString(rest, 0)); ok {
		q.observeLatency(ctx, domain.Priority(replyString(rest, 1)), now.Sub(created))
	}
	q.emitID(ctx, id, domain.Claimed, domain.Succeeded, "")
	return nil
}

// Extend pushes the lease of a job still held by owner one lease duration
// past now.
func (q *RedisQ) Extend(ctx context.Context, id, owner string) (time.Time, error) {
	expiry := q.clock.Now().Add(q.leaseDuration)
	res, err := extendScript.Run(ctx, q.rdb,
		[]string{q.keys.job(id), q.keys.leases(), q.keys.lease(id)},
		id, owner, ms(expiry), strconv.FormatInt(q.leaseDuration.Milliseconds(), 10)).Result()
	if err != nil {
		return time.Time{}, storeErr("extend", err)
	}
	code, rest, err := reply(res)
	if err != nil {
		return time.Time{}, err
	}
	switch code {
	case codeNotFound:
		return time.Time{}, fmt.Errorf("queue: extend %s: %w", id, domain.ErrNotFound)
	case codeConflict:
		return time.Time{}, fmt.Errorf("queue: extend %s in state %s: %w", id, replyString(rest, 0), domain.ErrLeaseLost)
	}
	return expiry, nil
}

// ReapExpired treats every lease that expired at or before now as a failed
// attempt with domain.ErrLeaseExpired as the cause. The failure script
// re-checks the expiry, so a lease extended after the scan is left alone.
// Returns how many jobs were reclaimed.
func (q *RedisQ) ReapExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	ids, err := q.rdb.ZRangeByScore(ctx, q.keys.leases(), &r.ZRangeBy{
		Min: "-inf", Max: ms(now), Offset: 0, Count: int64(limit),
	}).Result()
	if err != nil {
		return 0, storeErr("reap scan", err)
	}

	reaped := 0
	for _, id := range ids {
		j, err := q.Get(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			// A missing record can never be claimed again, so dropping
			// its lease entry cannot race with a new claim.
			if err := q.rdb.ZRem(ctx, q.keys.leases(), id).Err(); err != nil {
				q.logger.Warn("orphaned lease cleanup failed", zap.String("job_id", id), zap.Error(err))
			}
			continue
		}
		if err != nil {
			return reaped, err
		}
		if j.State != domain.Claimed || j.LeaseOwner == nil {
			continue
		}

		err = q.failJob(ctx, j, *j.LeaseOwner, domain.ErrLeaseExpired, now, "")
		switch {
		case err == nil:
			reaped++
			q.logger.Warn("lease expired, job reclaimed",
				zap.String("job_id", id),
				zap.String("owner", *j.LeaseOwner),
				zap.Int("attempts", j.Attempts+1),
			)
		case errors.Is(err, domain.ErrLeaseLost), errors.Is(err, domain.ErrNotFound):
			// Acked, nacked or extended since the scan.
		default:
			return reaped, err
		}
	}
	return reaped, nil
}
