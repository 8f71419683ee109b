package queue

import "github.com/SirClappington/jobq/internal/domain"

// keys builds the Redis key layout for one deployment. The namespace sits in
// a hash tag so every key of a deployment lands in one cluster slot, which
// the Lua scripts rely on when they derive job keys from ids.
type keys struct {
	prefix string
}

func newKeys(namespace string) keys {
	return keys{prefix: "{" + namespace + "}:"}
}

func (k keys) job(id string) string { return k.prefix + "job:" + id }
func (k keys) ready(p domain.Priority) string { return k.prefix + "queue:" + string(p) }
func (k keys) lease(id string) string { return k.prefix + "lease:" + id }
func (k keys) scheduled() string { return k.prefix + "scheduled" }
func (k keys) leases() string { return k.prefix + "leases" }
func (k keys) deadletter() string { return k.prefix + "deadletter" }
func (k keys) counters() string { return k.prefix + "metrics:counters" }
func (k keys) latency() string { return k.prefix + "metrics:latency" }

func (k keys) readyAll() []string {
	out := make([]string, 0, len(domain.Priorities))
	for _, p := range domain.Priorities {
		out = append(out, k.ready(p))
	}
	return out
}
