package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SirClappington/jobq/internal/domain"
)

// ListDeadLetter returns dead jobs, most recent first. The set holds only
// ids; the failure context is read from each job record.
func (q *RedisQ) ListDeadLetter(ctx context.Context, limit, offset int) ([]domain.DeadLetterEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	zs, err := q.rdb.ZRevRangeWithScores(ctx, q.keys.deadletter(), int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, storeErr("list dead letter", err)
	}
	if len(zs) == 0 {
		return []domain.DeadLetterEntry{}, nil
	}

	pipe := q.rdb.Pipeline()
	cmds := make([]*r.MapStringStringCmd, len(zs))
	for i, z := range zs {
		cmds[i] = pipe.HGetAll(ctx, q.keys.job(z.Member.(string)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, storeErr("list dead letter", err)
	}

	out := make([]domain.DeadLetterEntry, 0, len(zs))
	for i, z := range zs {
		vals := cmds[i].Val()
		if len(vals) == 0 {
			continue
		}
		j := mapToJob(vals)
		out = append(out, domain.DeadLetterEntry{
			JobID:       j.ID,
			Type:        j.Type,
			Priority:    j.Priority,
			Payload:     j.Payload,
			Attempts:    j.Attempts,
			MaxAttempts: j.MaxAttempts,
			LastError:   optString(j.LastError),
			CreatedAt:   j.CreatedAt,
			DeadAt:      time.UnixMilli(int64(z.Score)).UTC(),
		})
	}
	return out, nil
}

// PurgeDeadLetter removes a dead job and its record for good.
func (q *RedisQ) PurgeDeadLetter(ctx context.Context, id string) error {
	n, err := purgeScript.Run(ctx, q.rdb, []string{q.keys.deadletter(), q.keys.job(id)}, id).Int()
	if err != nil {
		return storeErr("purge dead letter", err)
	}
	if n == 0 {
		return fmt.Errorf("queue: purge %s: %w", id, domain.ErrNotFound)
	}
	q.logger.Info("dead letter purged", zap.String("job_id", id))
	return nil
}

// RequeueDeadLetter is the explicit way back out of the dead-letter set. It
// creates a fresh job with the same type, payload, priority and attempt
// budget, and removes the dead one in the same step. Nothing requeues dead
// jobs automatically.
func (q *RedisQ) RequeueDeadLetter(ctx context.Context, id string) (string, error) {
	uid, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("queue: generate id: %w", err)
	}
	newID := uid.String()
	now := q.clock.Now()

	n, err := requeueScript.Run(ctx, q.rdb,
		[]string{q.keys.deadletter(), q.keys.job(id), q.keys.job(newID), q.keys.counters()},
		id, newID, ms(now), q.keys.prefix).Int()
	if err != nil {
		return "", storeErr("requeue dead letter", err)
	}
	if n == 0 {
		return "", fmt.Errorf("queue: requeue %s: %w", id, domain.ErrNotFound)
	}

	q.logger.Info("dead letter requeued", zap.String("job_id", id), zap.String("new_job_id", newID))
	q.emitID(ctx, newID, "", domain.Queued, "")
	return newID, nil
}

func (q *RedisQ) DeadLetterCount(ctx context.Context) (int64, error) {
	n, err := q.rdb.ZCard(ctx, q.keys.deadletter()).Result()
	if err != nil {
		return 0, storeErr("dead letter count", err)
	}
	return n, nil
}
