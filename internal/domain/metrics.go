package domain

// LatencyBuckets are the upper bounds, in seconds, of the enqueue-to-terminal
// latency histogram.
var LatencyBuckets = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120}

type Counters struct {
	Enqueued  int64 `json:"enqueued"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Retried   int64 `json:"retried"`
	Dead      int64 `json:"dead"`
}

// Histogram holds cumulative bucket counts keyed by the bound as printed
// with strconv.FormatFloat(b, 'g', -1, 64), plus "+Inf".
type Histogram struct {
	Buckets map[string]int64 `json:"buckets"`
	Sum     float64          `json:"sum"`
	Count   int64            `json:"count"`
}

type MetricsSnapshot struct {
	ReadyDepth map[Priority]int64     `json:"ready_depth_by_priority"`
	Scheduled  int64                  `json:"scheduled_count"`
	Claimed    int64                  `json:"claimed_count"`
	DeadLetter int64                  `json:"dead_letter_count"`
	Counters   map[Priority]Counters  `json:"counters_by_priority"`
	Latency    map[Priority]Histogram `json:"latency_histogram"`
}
