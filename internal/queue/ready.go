package queue

import (
	"context"
	"errors"

	r "github.com/redis/go-redis/v9"

	"github.com/SirClappington/jobq/internal/domain"
)

// EnqueueReady appends id to the tail of its tier. It touches only the list;
// callers that also change the record use Create or Promote instead.
func (q *RedisQ) EnqueueReady(ctx context.Context, p domain.Priority, id string) error {
	if err := q.rdb.RPush(ctx, q.keys.ready(p), id).Err(); err != nil {
		return storeErr("enqueue ready", err)
	}
	return nil
}

// DequeueReady removes and returns the head of the highest non-empty tier.
// Tiers are strict: low only drains while high and default are empty, with
// no aging of waiting jobs. Workers use Claim, which adds the lease in the
// same step.
func (q *RedisQ) DequeueReady(ctx context.Context) (string, error) {
	id, err := dequeueScript.Run(ctx, q.rdb, q.keys.readyAll()).Text()
	if errors.Is(err, r.Nil) {
		return "", domain.ErrEmpty
	}
	if err != nil {
		return "", storeErr("dequeue ready", err)
	}
	return id, nil
}

// ReadyDepth returns the length of one tier.
func (q *RedisQ) ReadyDepth(ctx context.Context, p domain.Priority) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.keys.ready(p)).Result()
	if err != nil {
		return 0, storeErr("ready depth", err)
	}
	return n, nil
}
