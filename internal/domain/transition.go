package domain

import "time"

// transitions lists every legal edge of the job state machine.
var transitions = map[State][]State{
	Queued:    {Claimed},
	Scheduled: {Queued},
	RetryWait: {Queued},
	Claimed:   {Succeeded, RetryWait, Dead},
}

func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition is one requested edge. Cause is recorded as last_error when set.
type Transition struct {
	From  State
	To    State
	Cause string
}

// Event is emitted after a transition has been committed to the store.
type Event struct {
	JobID    string    `json:"job_id"`
	Type     string    `json:"type"`
	Priority Priority  `json:"priority"`
	From     State     `json:"from"`
	To       State     `json:"to"`
	Attempt  int       `json:"attempt"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}
