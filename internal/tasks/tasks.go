// Package tasks holds the built-in job handlers.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/jobq/internal/worker"
)

const (
	Echo  = "echo"
	Sleep = "sleep"
)

const maxSleep = 24 * time.Hour

var echoDelay = 100 * time.Millisecond

// Register installs every built-in handler.
func Register(reg *worker.Registry, logger *zap.Logger) {
	logger = logger.Named("tasks")
	reg.Register(Echo, echo(logger))
	reg.Register(Sleep, sleep)
}

// echo logs its payload after a short pause and hands it back as
// {"echo": payload}.
func echo(logger *zap.Logger) worker.Handler {
	return func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		if err := wait(ctx, echoDelay); err != nil {
			return nil, err
		}
		logger.Info("echo", zap.ByteString("payload", payload))
		return json.Marshal(map[string]json.RawMessage{"echo": payload})
	}
}

type sleepPayload struct {
	Seconds *float64 `json:"seconds"`
}

// sleep waits payload.seconds (default 1) or until ctx is done, and
// reports {"slept": seconds}.
func sleep(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var p sleepPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("sleep: decode payload: %w", err)
		}
	}
	secs := 1.0
	if p.Seconds != nil {
		secs = *p.Seconds
	}
	if secs < 0 {
		return nil, fmt.Errorf("sleep: seconds must be >= 0, got %v", secs)
	}
	if secs > maxSleep.Seconds() {
		return nil, fmt.Errorf("sleep: seconds must be <= %v, got %v", maxSleep.Seconds(), secs)
	}
	if err := wait(ctx, time.Duration(secs*float64(time.Second))); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]float64{"slept": secs})
}

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
