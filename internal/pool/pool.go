// Package pool owns the fixed-size set of concurrently executing work items.
// It dispatches items FIFO as slots free up, lets each worker drive one
// item's full retry lifecycle, and streams terminal outcomes in completion
// order. Cancellation stops dispatch; in-flight attempts finish and items
// never started are reported as skipped.
package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/seantiz/parrun/internal/model"
	"github.com/seantiz/parrun/internal/retry"
)

// ErrBadSize is returned when the pool is created with fewer than one slot.
var ErrBadSize = errors.New("pool size must be at least 1")

// Pool runs work items through a retry scheduler over a bounded slot count.
type Pool struct {
	size      int
	scheduler *retry.Scheduler
	logger    *slog.Logger
}

// New creates a pool with the given slot count. The scheduler's transition
// hook is claimed for metrics.
func New(size int, sched *retry.Scheduler, logger *slog.Logger) (*Pool, error) {
	if size < 1 {
		return nil, ErrBadSize
	}
	sched.OnTransition = observeTransition
	return &Pool{
		size:      size,
		scheduler: sched,
		logger:    logger,
	}, nil
}

// ExecuteAll dispatches every item and returns a channel of terminal
// outcomes. Items start in input order; outcomes arrive in completion order.
// The channel carries exactly one outcome per item — skipped outcomes stand
// in for items never dispatched after cancellation — and closes once all
// items are accounted for.
func (p *Pool) ExecuteAll(ctx context.Context, items []model.WorkItem) <-chan model.Outcome {
	out := make(chan model.Outcome)

	go func() {
		defer close(out)

		sem := make(chan struct{}, p.size)
		var wg sync.WaitGroup

		dispatched := 0
	dispatch:
		for _, item := range items {
			if ctx.Err() != nil {
				break
			}
			select {
			case <-ctx.Done():
				break dispatch
			case sem <- struct{}{}:
			}

			dispatched++
			itemsInFlight.Inc()
			wg.Add(1)
			go func(item model.WorkItem) {
				defer wg.Done()
				defer func() {
					<-sem
					itemsInFlight.Dec()
				}()
				o := p.scheduler.Run(ctx, item)
				observeOutcome(&o)
				out <- o
			}(item)
		}

		wg.Wait()

		skipped := len(items) - dispatched
		if skipped > 0 {
			p.logger.Warn("canceled before all items started",
				"dispatched", dispatched,
				"skipped", skipped,
			)
		}
		for _, item := range items[dispatched:] {
			o := model.Outcome{
				Item:   item,
				Status: model.StatusSkipped,
				Reason: model.ReasonCanceled,
			}
			observeOutcome(&o)
			out <- o
		}
	}()

	return out
}
