package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/seantiz/parrun/internal/invoker"
	"github.com/seantiz/parrun/internal/model"
)

// TransitionFunc is an optional hook invoked on every item state change.
// The pool uses it to drive metrics; it must be safe for concurrent use.
type TransitionFunc func(itemID, from, to string)

// Scheduler drives one work item through its retry lifecycle:
// pending → running → (retrying → running)* → succeeded | failed.
type Scheduler struct {
	invoker invoker.Invoker
	policy  Policy
	logger  *slog.Logger

	// OnTransition, when set, observes every state change.
	OnTransition TransitionFunc

	// sleep is injectable so tests can run without real backoff delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewScheduler creates a scheduler over the given invoker and policy.
func NewScheduler(inv invoker.Invoker, policy Policy, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		invoker: inv,
		policy:  policy,
		logger:  logger,
		sleep:   sleepWithContext,
	}
}

// Run executes the item until it reaches a terminal outcome. Context
// cancellation stops new attempts from launching and aborts backoff waits,
// but never kills an attempt already in flight: the running child is allowed
// to finish and its result is still classified.
func (s *Scheduler) Run(ctx context.Context, item model.WorkItem) model.Outcome {
	status := model.StatusPending

	if ctx.Err() != nil {
		s.transition(item.ID, &status, model.StatusSkipped)
		return model.Outcome{
			Item:   item,
			Status: model.StatusSkipped,
			Reason: model.ReasonCanceled,
		}
	}

	// The in-flight attempt must survive pool cancellation; only the
	// scheduler's own loop observes ctx.
	attemptCtx := context.WithoutCancel(ctx)

	backoff := s.policy.Backoff.Initial
	s.transition(item.ID, &status, model.StatusRunning)

	for attempt := 1; ; attempt++ {
		a, err := s.invoker.Invoke(attemptCtx, item, attempt)
		if err != nil {
			var le *invoker.LaunchError
			if !errors.As(err, &le) {
				// Invokers only fail with launch errors; anything else is
				// reported the same way rather than dropped.
				s.logger.Error("invoker failed", "item_id", item.ID, "attempt", attempt, "error", err)
			}
			s.transition(item.ID, &status, model.StatusFailed)
			return model.Outcome{
				Item:     item,
				Status:   model.StatusFailed,
				Reason:   model.ReasonLaunch,
				Attempts: attempt - 1,
				Err:      err.Error(),
			}
		}

		if a.ExitCode == 0 {
			s.transition(item.ID, &status, model.StatusSucceeded)
			return model.Outcome{
				Item:     item,
				Status:   model.StatusSucceeded,
				Attempts: attempt,
				Final:    &a,
			}
		}

		if !s.policy.ShouldRetry(a) {
			s.transition(item.ID, &status, model.StatusFailed)
			return model.Outcome{
				Item:     item,
				Status:   model.StatusFailed,
				Reason:   model.ReasonUnretryable,
				Attempts: attempt,
				Final:    &a,
			}
		}

		if attempt >= s.policy.MaxAttempts() {
			s.transition(item.ID, &status, model.StatusFailed)
			return model.Outcome{
				Item:     item,
				Status:   model.StatusFailed,
				Reason:   model.ReasonExhausted,
				Attempts: attempt,
				Final:    &a,
			}
		}

		s.transition(item.ID, &status, model.StatusRetrying)
		delay := s.policy.Backoff.Delay(backoff)
		s.logger.Info("retrying item",
			"item_id", item.ID,
			"attempt", attempt,
			"exit_code", a.ExitCode,
			"backoff", delay.String(),
		)

		if err := s.sleep(ctx, delay); err != nil {
			// Canceled during backoff: no further attempts are launched and
			// the item terminates on its last completed attempt.
			s.transition(item.ID, &status, model.StatusFailed)
			return model.Outcome{
				Item:     item,
				Status:   model.StatusFailed,
				Reason:   model.ReasonCanceled,
				Attempts: attempt,
				Final:    &a,
			}
		}
		backoff = s.policy.Backoff.Next(backoff)

		s.transition(item.ID, &status, model.StatusRunning)
	}
}

// transition advances the item FSM, logging any transition the model does
// not allow. Bugs here would break attempt accounting, so they are loud.
func (s *Scheduler) transition(itemID string, status *string, to string) {
	if !model.ValidTransition(*status, to) {
		s.logger.Error("invalid item transition", "item_id", itemID, "from", *status, "to", to)
	}
	if s.OnTransition != nil {
		s.OnTransition(itemID, *status, to)
	}
	*status = to
}

// sleepWithContext waits for d or until ctx is done, whichever comes first.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		// Still observe cancellation between back-to-back attempts.
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
