// Package report aggregates terminal outcomes into the run summary, streams
// one NDJSON record per outcome to the configured sink, and computes the
// process exit code. The reporter is the sole writer of the summary; workers
// hand outcomes over through the pool's channel and never touch shared
// counters.
package report

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/parrun/internal/model"
	"github.com/seantiz/parrun/internal/store"
)

// Process exit codes.
const (
	ExitOK              = 0 // every item succeeded
	ExitFailedRetried   = 1 // some item failed after retries were attempted
	ExitFailedUnretried = 2 // some item failed with zero retries attempted
	ExitCanceled        = 3 // run canceled with items never started, no failures
)

// Record is the NDJSON line emitted for each terminal outcome.
type Record struct {
	ItemID     string `json:"item_id"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
	Attempts   int    `json:"attempts"`
	ExitCode   *int   `json:"exit_code,omitempty"`
	DurationMS *int64 `json:"duration_ms,omitempty"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Reporter consumes the outcome stream. History and RunID, when set before
// Consume, persist each outcome and the final tally to the run-history store.
type Reporter struct {
	enc    *json.Encoder
	logger *slog.Logger

	History store.Store
	RunID   string

	mu               sync.RWMutex
	summary          model.Summary
	failedUnretried  int
	failedRetried    int
	launchFailures   int
	nonLaunchStarted int
}

// New creates a reporter writing NDJSON records to sink.
func New(sink io.Writer, logger *slog.Logger) *Reporter {
	return &Reporter{
		enc:    json.NewEncoder(sink),
		logger: logger,
	}
}

// Consume drains the outcome channel until it closes and returns the final
// summary. It must be called once; the channel closing is the signal that
// every enqueued item is accounted for.
func (r *Reporter) Consume(ctx context.Context, outcomes <-chan model.Outcome) model.Summary {
	for o := range outcomes {
		r.record(ctx, o)
	}

	summary := r.Summary()
	r.mu.RLock()
	launchOnly := r.launchFailures > 0 && r.nonLaunchStarted == 0
	r.mu.RUnlock()
	if launchOnly {
		// Every started item failed to launch: the script path itself is
		// bad, so say it once instead of leaving operators to read N
		// identical records.
		r.logger.Error("script could not be started for any item; check the script path and permissions")
	}

	if r.History != nil {
		if err := r.History.FinishRun(ctx, r.RunID, summary, time.Now().UTC()); err != nil {
			r.logger.Error("finish run history", "run_id", r.RunID, "error", err)
		}
	}

	return summary
}

// Summary returns a snapshot of the running counters. Safe for concurrent
// use; the status server polls this while Consume is still draining.
func (r *Reporter) Summary() model.Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.summary
}

// ExitCode maps the consumed outcomes to the process exit status. Unretried
// failures outrank retried ones so a bad configuration is not masked by a
// flaky-but-classified failure elsewhere in the batch.
func (r *Reporter) ExitCode() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch {
	case r.failedUnretried > 0:
		return ExitFailedUnretried
	case r.failedRetried > 0:
		return ExitFailedRetried
	case r.summary.Skipped > 0:
		return ExitCanceled
	default:
		return ExitOK
	}
}

func (r *Reporter) record(ctx context.Context, o model.Outcome) {
	r.mu.Lock()
	switch o.Status {
	case model.StatusSucceeded:
		r.summary.Succeeded++
	case model.StatusFailed:
		r.summary.Failed++
		if o.Attempts > 1 {
			r.failedRetried++
		} else {
			r.failedUnretried++
		}
	case model.StatusSkipped:
		r.summary.Skipped++
	}
	if o.Attempts > 1 {
		r.summary.Retried++
	}
	r.summary.Attempts += o.Attempts

	if o.Reason == model.ReasonLaunch {
		r.launchFailures++
	} else if o.Status != model.StatusSkipped {
		r.nonLaunchStarted++
	}
	r.mu.Unlock()

	if err := r.enc.Encode(makeRecord(o)); err != nil {
		r.logger.Error("write outcome record", "item_id", o.Item.ID, "error", err)
	}

	if r.History != nil {
		if err := r.History.RecordOutcome(ctx, r.RunID, &o); err != nil {
			r.logger.Error("persist outcome", "item_id", o.Item.ID, "error", err)
		}
	}
}

func makeRecord(o model.Outcome) Record {
	rec := Record{
		ItemID:   o.Item.ID,
		Status:   o.Status,
		Reason:   o.Reason,
		Attempts: o.Attempts,
		Error:    o.Err,
	}
	if o.Final != nil {
		code := o.Final.ExitCode
		rec.ExitCode = &code
		ms := o.Final.Duration.Milliseconds()
		rec.DurationMS = &ms
		if o.Status == model.StatusSucceeded {
			rec.Stdout = string(o.Final.Stdout)
		} else {
			rec.Stderr = string(o.Final.Stderr)
		}
	}
	return rec
}
