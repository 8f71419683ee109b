package queue

import (
	"context"
	"strconv"
	"time"

	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SirClappington/jobq/internal/domain"
)

// Schedule inserts id into the scheduled set with the given resumption time.
func (q *RedisQ) Schedule(ctx context.Context, id string, notBefore time.Time) error {
	err := q.rdb.ZAdd(ctx, q.keys.scheduled(), r.Z{Score: float64(notBefore.UnixMilli()), Member: id}).Err()
	if err != nil {
		return storeErr("schedule", err)
	}
	return nil
}

// PopDue removes and returns, ascending by not_before, up to limit ids whose
// not_before <= now. Removal and read are one script, so two callers never
// get the same id.
func (q *RedisQ) PopDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	ids, err := popDueScript.Run(ctx, q.rdb, []string{q.keys.scheduled()},
		ms(now), strconv.Itoa(limit)).StringSlice()
	if err != nil {
		return nil, storeErr("pop due", err)
	}
	return ids, nil
}

// Promote moves up to limit due jobs from the scheduled set to the tail of
// their ready list and marks them queued. It returns the moved ids.
func (q *RedisQ) Promote(ctx context.Context, now time.Time, limit int) ([]string, error) {
	res, err := promoteScript.Run(ctx, q.rdb, []string{q.keys.scheduled()},
		q.keys.prefix, ms(now), strconv.Itoa(limit)).StringSlice()
	if err != nil {
		return nil, storeErr("promote", err)
	}

	ids := make([]string, 0, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		ids = append(ids, res[i])
		q.emitID(ctx, res[i], domain.State(res[i+1]), domain.Queued, "")
	}
	if len(ids) > 0 {
		q.logger.Debug("promoted due jobs", zap.Int("count", len(ids)))
	}
	return ids, nil
}

func (q *RedisQ) ScheduledCount(ctx context.Context) (int64, error) {
	n, err := q.rdb.ZCard(ctx, q.keys.scheduled()).Result()
	if err != nil {
		return 0, storeErr("scheduled count", err)
	}
	return n, nil
}
