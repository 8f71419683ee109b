package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownType is the failure recorded for a job whose type has no
// registered handler. It takes the normal retry path.
var ErrUnknownType = errors.New("unknown job type")

// Handler runs one attempt of a job. Handlers must be idempotent: delivery
// is at-least-once and a reclaimed job runs again from the start. A non-nil
// result must be valid JSON; it is stored on the job when the attempt
// succeeds.
type Handler func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Registry maps job types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register installs h for typ. It panics on an empty type, a nil handler or
// a type registered twice.
func (r *Registry) Register(typ string, h Handler) {
	if typ == "" {
		panic("worker: empty job type")
	}
	if h == nil {
		panic("worker: nil handler for " + typ)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[typ]; dup {
		panic(fmt.Sprintf("worker: handler for %q registered twice", typ))
	}
	r.handlers[typ] = h
}

func (r *Registry) Lookup(typ string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[typ]
	return h, ok
}

// Types returns the registered job types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
