// Package model defines the domain types shared by the invoker, retry
// scheduler, concurrency pool, and reporter: work items, attempts, terminal
// outcomes, and the run summary.
package model

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Item status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusRetrying  = "retrying"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// Failure reason constants, recorded on failed outcomes so operators can
// distinguish "gave up after N tries" from "failed once, deemed unretryable".
const (
	ReasonUnretryable = "unretryable"
	ReasonExhausted   = "retries_exhausted"
	ReasonLaunch      = "launch_error"
	ReasonCanceled    = "canceled"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning: true,
		StatusSkipped: true,
		StatusFailed:  true,
	},
	StatusRunning: {
		StatusRetrying:  true,
		StatusSucceeded: true,
		StatusFailed:    true,
	},
	StatusRetrying: {
		StatusRunning: true,
		StatusFailed:  true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether a status is terminal.
func Terminal(status string) bool {
	switch status {
	case StatusSucceeded, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// NewID generates a new ULID string for use as an entity identifier.
func NewID() string {
	return ulid.Make().String()
}

// WorkItem is one unit of work: a script invocation with fixed arguments.
// Items are immutable once enqueued.
type WorkItem struct {
	ID     string   `json:"id"`
	Script string   `json:"script"`
	Args   []string `json:"args"`

	// Payload, when non-empty, is written to the child's standard input.
	Payload []byte `json:"payload,omitempty"`
}

// Attempt is one concrete execution of a WorkItem's script.
type Attempt struct {
	ItemID    string        `json:"item_id"`
	Number    int           `json:"number"`
	Stdout    []byte        `json:"stdout,omitempty"`
	Stderr    []byte        `json:"stderr,omitempty"`
	ExitCode  int           `json:"exit_code"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Outcome is the terminal result of a WorkItem. Exactly one Outcome is
// produced per enqueued item. Final is nil for skipped items and for items
// that never launched.
type Outcome struct {
	Item     WorkItem `json:"item"`
	Status   string   `json:"status"`
	Reason   string   `json:"reason,omitempty"`
	Attempts int      `json:"attempts"`
	Final    *Attempt `json:"final,omitempty"`
	Err      string   `json:"error,omitempty"`
}

// Succeeded reports whether the outcome is a success.
func (o *Outcome) Succeeded() bool {
	return o.Status == StatusSucceeded
}

// Summary holds running counts over terminal outcomes. The reporter is the
// sole writer; workers never mutate it.
type Summary struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`

	// Retried counts items that needed more than one attempt, regardless of
	// their final status. Attempts is the total across all items.
	Retried  int `json:"retried"`
	Attempts int `json:"attempts"`
}

// Total returns the number of terminal outcomes recorded.
func (s *Summary) Total() int {
	return s.Succeeded + s.Failed + s.Skipped
}
