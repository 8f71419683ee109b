package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrEmpty             = errors.New("no job ready")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrLeaseLost         = errors.New("lease not held by caller")
	ErrLeaseExpired      = errors.New("lease expired")
	ErrStoreUnavailable  = errors.New("store unavailable")
	ErrInvalidRequest    = errors.New("invalid request")
)

// HandlerError is a failure reported by a job handler. Its message becomes
// the job's last_error and it drives the retry path; producers only see it
// via status.
type HandlerError struct {
	JobID string
	Type  string
	Err   error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s: %v", e.Type, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }
