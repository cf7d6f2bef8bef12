// Package store persists run history: one row per run and one row per
// terminal outcome, so completed fan-outs can be inspected after the fact.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/seantiz/parrun/internal/model"
)

// ErrNotFound is returned when a run is not found.
var ErrNotFound = errors.New("run not found")

// Run is one invocation of the tool: a script fanned out over a set of items.
type Run struct {
	ID             string     `json:"id"`
	Name           string     `json:"name,omitempty"`
	Script         string     `json:"script"`
	MaxConcurrency int        `json:"max_concurrency"`
	Succeeded      int        `json:"succeeded"`
	Failed         int        `json:"failed"`
	Skipped        int        `json:"skipped"`
	Retried        int        `json:"retried"`
	Attempts       int        `json:"attempts"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// OutcomeRecord is the persisted form of one terminal outcome.
type OutcomeRecord struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	ItemID     string    `json:"item_id"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	Attempts   int       `json:"attempts"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	DurationMS *int64    `json:"duration_ms,omitempty"`
	Stderr     string    `json:"stderr,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store defines the persistence operations for run history.
type Store interface {
	CreateRun(ctx context.Context, r *Run) error
	FinishRun(ctx context.Context, id string, summary model.Summary, finishedAt time.Time) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, int, error)
	RecordOutcome(ctx context.Context, runID string, o *model.Outcome) error
	ListOutcomes(ctx context.Context, runID string) ([]OutcomeRecord, error)
	Close() error
}
