package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type State string

const (
	Queued    State = "queued"
	Scheduled State = "scheduled"
	Claimed   State = "claimed"
	RetryWait State = "retry_wait"
	Succeeded State = "succeeded"
	Dead      State = "dead"
)

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool { return s == Succeeded || s == Dead }

type Priority string

const (
	High    Priority = "high"
	Default Priority = "default"
	Low     Priority = "low"
)

// Priorities is the fixed dequeue order. Every claim walks it front to back.
var Priorities = []Priority{High, Default, Low}

func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case High, Default, Low:
		return Priority(s), nil
	case "":
		return Default, nil
	}
	return "", fmt.Errorf("unknown priority %q", s)
}

type Job struct {
	ID          string
	Type        string
	Payload     json.RawMessage
	Priority    Priority
	State       State
	Attempts    int
	MaxAttempts int
	CreatedAt   time.Time
	UpdatedAt   time.Time
	NotBefore   *time.Time
	FinishedAt  *time.Time
	LastError   *string
	Result      json.RawMessage
	LeaseOwner  *string
	LeaseExpiry *time.Time
}

// EnqueueRequest is what a producer hands to the queue. Zero MaxAttempts
// means the queue default.
type EnqueueRequest struct {
	Type        string
	Payload     json.RawMessage
	Priority    Priority
	Delay       time.Duration
	MaxAttempts int
}

func (r EnqueueRequest) Validate() error {
	if r.Type == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidRequest)
	}
	if _, err := ParsePriority(string(r.Priority)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if r.Delay < 0 {
		return fmt.Errorf("%w: delay must be >= 0", ErrInvalidRequest)
	}
	if r.MaxAttempts < 0 {
		return fmt.Errorf("%w: max_attempts must be >= 1", ErrInvalidRequest)
	}
	if len(r.Payload) > 0 && !json.Valid(r.Payload) {
		return fmt.Errorf("%w: payload is not valid json", ErrInvalidRequest)
	}
	return nil
}

// Status is the view returned to status pollers.
type Status struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	State     State           `json:"state"`
	Priority  Priority        `json:"priority"`
	Attempts  int             `json:"attempts"`
	LastError *string         `json:"last_error"`
	Result    json.RawMessage `json:"result,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	NotBefore *time.Time      `json:"not_before,omitempty"`
}

func (j *Job) Status() Status {
	return Status{
		ID:        j.ID,
		Type:      j.Type,
		State:     j.State,
		Priority:  j.Priority,
		Attempts:  j.Attempts,
		LastError: j.LastError,
		Result:    j.Result,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
		NotBefore: j.NotBefore,
	}
}

type DeadLetterEntry struct {
	JobID       string          `json:"job_id"`
	Type        string          `json:"type"`
	Priority    Priority        `json:"priority"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	LastError   string          `json:"last_error"`
	CreatedAt   time.Time       `json:"created_at"`
	DeadAt      time.Time       `json:"dead_at"`
}
