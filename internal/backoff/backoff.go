// Package backoff computes retry delays. Strategies are stateless and safe
// for concurrent use.
package backoff

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Strategy returns the delay before retry attempt n. Attempt 1 is the first
// retry after the first failure.
type Strategy interface {
	Delay(attempt int) time.Duration
}

type Jitter string

const (
	// NoJitter returns the exact exponential delay.
	NoJitter Jitter = "none"
	// FullJitter picks uniformly in [0, d].
	FullJitter Jitter = "full"
	// EqualJitter picks uniformly in [d/2, d].
	EqualJitter Jitter = "equal"
)

func ParseJitter(s string) (Jitter, error) {
	switch Jitter(s) {
	case NoJitter, FullJitter, EqualJitter:
		return Jitter(s), nil
	case "":
		return NoJitter, nil
	}
	return "", fmt.Errorf("backoff: unknown jitter mode %q", s)
}

type Constant struct {
	Interval time.Duration
}

func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

func (c *Constant) Delay(_ int) time.Duration { return c.Interval }

// Exponential yields Base * 2^(attempt-1), capped at Max when Max > 0,
// then jittered.
type Exponential struct {
	Base   time.Duration
	Max    time.Duration
	Jitter Jitter

	// rand returns a float in [0, 1). Nil means math/rand/v2.
	rand func() float64
}

func NewExponential(base, maxDelay time.Duration, jitter Jitter) *Exponential {
	return &Exponential{Base: base, Max: maxDelay, Jitter: jitter}
}

func (e *Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(e.Base) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && d > float64(e.Max) {
		d = float64(e.Max)
	}
	// Keep the float inside the int64 range before converting.
	if d > 1<<62 {
		d = 1 << 62
	}

	r := rand.Float64 //nolint:gosec // jitter does not need crypto randomness
	if e.rand != nil {
		r = e.rand
	}
	switch e.Jitter {
	case FullJitter:
		d = r() * d
	case EqualJitter:
		d = d/2 + r()*d/2
	}
	return time.Duration(d)
}
