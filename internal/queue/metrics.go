package queue

import (
	"context"
	"strconv"
	"strings"
	"time"

	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SirClappington/jobq/internal/domain"
)

// Counter fields are "<event>:<priority>", bumped inside the transition
// scripts. Latency fields are "<priority>|le=<bound>", "<priority>|sum" and
// "<priority>|count"; buckets are stored per bound and summed on read.

const infBound = "+Inf"

func boundLabel(b float64) string { return strconv.FormatFloat(b, 'g', -1, 64) }

// observeLatency records enqueue-to-terminal time. It runs after the
// transition script, so a crash in between loses one sample, never a job.
func (q *RedisQ) observeLatency(ctx context.Context, p domain.Priority, d time.Duration) {
	secs := d.Seconds()
	if secs < 0 {
		secs = 0
	}
	bucket := infBound
	for _, b := range domain.LatencyBuckets {
		if secs <= b {
			bucket = boundLabel(b)
			break
		}
	}

	key := q.keys.latency()
	pipe := q.rdb.Pipeline()
	pipe.HIncrBy(ctx, key, string(p)+"|le="+bucket, 1)
	pipe.HIncrByFloat(ctx, key, string(p)+"|sum", secs)
	pipe.HIncrBy(ctx, key, string(p)+"|count", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Warn("latency observation dropped", zap.Error(err))
	}
}

// Snapshot derives gauges and counters from the store. It only reads.
func (q *RedisQ) Snapshot(ctx context.Context) (domain.MetricsSnapshot, error) {
	pipe := q.rdb.Pipeline()
	depths := make(map[domain.Priority]*r.IntCmd, len(domain.Priorities))
	for _, p := range domain.Priorities {
		depths[p] = pipe.LLen(ctx, q.keys.ready(p))
	}
	scheduled := pipe.ZCard(ctx, q.keys.scheduled())
	claimed := pipe.ZCard(ctx, q.keys.leases())
	dead := pipe.ZCard(ctx, q.keys.deadletter())
	counters := pipe.HGetAll(ctx, q.keys.counters())
	latency := pipe.HGetAll(ctx, q.keys.latency())
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.MetricsSnapshot{}, storeErr("snapshot", err)
	}

	snap := domain.MetricsSnapshot{
		ReadyDepth: make(map[domain.Priority]int64, len(domain.Priorities)),
		Scheduled:  scheduled.Val(),
		Claimed:    claimed.Val(),
		DeadLetter: dead.Val(),
		Counters:   make(map[domain.Priority]domain.Counters, len(domain.Priorities)),
		Latency:    make(map[domain.Priority]domain.Histogram, len(domain.Priorities)),
	}
	for _, p := range domain.Priorities {
		snap.ReadyDepth[p] = depths[p].Val()
		snap.Counters[p] = parseCounters(counters.Val(), p)
		snap.Latency[p] = parseHistogram(latency.Val(), p)
	}
	return snap, nil
}

func parseCounters(m map[string]string, p domain.Priority) domain.Counters {
	get := func(event string) int64 {
		n, _ := strconv.ParseInt(m[event+":"+string(p)], 10, 64) //nolint:errcheck // missing field reads as zero
		return n
	}
	return domain.Counters{
		Enqueued:  get("enqueued"),
		Succeeded: get("succeeded"),
		Failed:    get("failed"),
		Retried:   get("retried"),
		Dead:      get("dead"),
	}
}

func parseHistogram(m map[string]string, p domain.Priority) domain.Histogram {
	prefix := string(p) + "|"
	raw := make(map[string]int64)
	h := domain.Histogram{Buckets: make(map[string]int64, len(domain.LatencyBuckets)+1)}
	for k, v := range m {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		field := strings.TrimPrefix(k, prefix)
		switch {
		case field == "sum":
			h.Sum, _ = strconv.ParseFloat(v, 64) //nolint:errcheck // written by HINCRBYFLOAT
		case field == "count":
			h.Count, _ = strconv.ParseInt(v, 10, 64) //nolint:errcheck // written by HINCRBY
		case strings.HasPrefix(field, "le="):
			raw[strings.TrimPrefix(field, "le=")], _ = strconv.ParseInt(v, 10, 64) //nolint:errcheck // written by HINCRBY
		}
	}

	var cum int64
	for _, b := range domain.LatencyBuckets {
		label := boundLabel(b)
		cum += raw[label]
		h.Buckets[label] = cum
	}
	h.Buckets[infBound] = cum + raw[infBound]
	return h
}
