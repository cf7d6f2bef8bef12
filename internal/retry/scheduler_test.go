package retry_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/parrun/internal/invoker"
	"github.com/seantiz/parrun/internal/model"
	"github.com/seantiz/parrun/internal/retry"
)

// scriptedInvoker returns a canned exit code per attempt number. Attempts
// beyond the script reuse the last entry.
type scriptedInvoker struct {
	mu        sync.Mutex
	exitCodes []int
	stderr    string
	launchErr error
	calls     []int
}

func (f *scriptedInvoker) Invoke(_ context.Context, item model.WorkItem, attempt int) (model.Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, attempt)

	if f.launchErr != nil {
		return model.Attempt{}, f.launchErr
	}

	idx := attempt - 1
	if idx >= len(f.exitCodes) {
		idx = len(f.exitCodes) - 1
	}
	return model.Attempt{
		ItemID:   item.ID,
		Number:   attempt,
		ExitCode: f.exitCodes[idx],
		Stderr:   []byte(f.stderr),
		Duration: time.Millisecond,
	}, nil
}

func (f *scriptedInvoker) attempts() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.calls...)
}

func retryOnExit1(maxRetries int) retry.Policy {
	rule, _ := retry.ParseRule("retry:exit=1")
	return retry.Policy{
		Rules:      []retry.Rule{rule},
		MaxRetries: maxRetries,
		Backoff:    retry.Backoff{Initial: time.Millisecond, Multiplier: 2},
	}
}

func newTestScheduler(t *testing.T, inv invoker.Invoker, p retry.Policy) *retry.Scheduler {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return retry.NewScheduler(inv, p, logger)
}

func assertGapless(t *testing.T, attempts []int) {
	t.Helper()
	for i, n := range attempts {
		if n != i+1 {
			t.Fatalf("attempt numbers = %v, want gapless 1..%d", attempts, len(attempts))
		}
	}
}

func TestRunSucceedsFirstAttempt(t *testing.T) {
	inv := &scriptedInvoker{exitCodes: []int{0}}
	s := newTestScheduler(t, inv, retryOnExit1(3))

	out := s.Run(context.Background(), model.WorkItem{ID: "i1", Script: "s"})

	if out.Status != model.StatusSucceeded {
		t.Errorf("status = %q, want succeeded", out.Status)
	}
	if out.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", out.Attempts)
	}
	if out.Final == nil || out.Final.Number != 1 {
		t.Errorf("final attempt = %+v, want number 1", out.Final)
	}
}

func TestRunRetriesUntilSuccess(t *testing.T) {
	inv := &scriptedInvoker{exitCodes: []int{1, 0}}
	s := newTestScheduler(t, inv, retryOnExit1(3))

	out := s.Run(context.Background(), model.WorkItem{ID: "i1", Script: "s"})

	if out.Status != model.StatusSucceeded {
		t.Fatalf("status = %q, want succeeded", out.Status)
	}
	if out.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", out.Attempts)
	}
	assertGapless(t, inv.attempts())
}

func TestRunExhaustsRetries(t *testing.T) {
	inv := &scriptedInvoker{exitCodes: []int{1}}
	s := newTestScheduler(t, inv, retryOnExit1(3))

	out := s.Run(context.Background(), model.WorkItem{ID: "i1", Script: "s"})

	if out.Status != model.StatusFailed {
		t.Fatalf("status = %q, want failed", out.Status)
	}
	if out.Reason != model.ReasonExhausted {
		t.Errorf("reason = %q, want %q", out.Reason, model.ReasonExhausted)
	}
	// 1 initial + 3 retries.
	if out.Attempts != 4 {
		t.Errorf("attempts = %d, want 4", out.Attempts)
	}
	if got := inv.attempts(); len(got) != 4 {
		t.Errorf("invocations = %v, want 4 calls", got)
	}
	assertGapless(t, inv.attempts())
}

func TestRunUnclassifiedFailureIsTerminal(t *testing.T) {
	inv := &scriptedInvoker{exitCodes: []int{2}}
	s := newTestScheduler(t, inv, retryOnExit1(3))

	out := s.Run(context.Background(), model.WorkItem{ID: "i1", Script: "s"})

	if out.Status != model.StatusFailed {
		t.Fatalf("status = %q, want failed", out.Status)
	}
	if out.Reason != model.ReasonUnretryable {
		t.Errorf("reason = %q, want %q", out.Reason, model.ReasonUnretryable)
	}
	if out.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", out.Attempts)
	}
}

func TestRunNoRulesNeverRetries(t *testing.T) {
	inv := &scriptedInvoker{exitCodes: []int{1}}
	p := retry.Policy{MaxRetries: 5, Backoff: retry.Backoff{Initial: time.Millisecond}}
	s := newTestScheduler(t, inv, p)

	out := s.Run(context.Background(), model.WorkItem{ID: "i1", Script: "s"})

	if out.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 with empty rule set", out.Attempts)
	}
	if out.Reason != model.ReasonUnretryable {
		t.Errorf("reason = %q, want %q", out.Reason, model.ReasonUnretryable)
	}
}

func TestRunLaunchErrorNotRetried(t *testing.T) {
	inv := &scriptedInvoker{launchErr: &invoker.LaunchError{Path: "/bin/missing", Err: errors.New("no such file")}}
	s := newTestScheduler(t, inv, retryOnExit1(3))

	out := s.Run(context.Background(), model.WorkItem{ID: "i1", Script: "/bin/missing"})

	if out.Status != model.StatusFailed {
		t.Fatalf("status = %q, want failed", out.Status)
	}
	if out.Reason != model.ReasonLaunch {
		t.Errorf("reason = %q, want %q", out.Reason, model.ReasonLaunch)
	}
	if out.Attempts != 0 {
		t.Errorf("attempts = %d, want 0 for launch error", out.Attempts)
	}
	if out.Err == "" {
		t.Error("outcome error message is empty")
	}
	if calls := inv.attempts(); len(calls) != 1 {
		t.Errorf("invoker called %d times, want 1", len(calls))
	}
}

func TestRunCanceledBeforeStartIsSkipped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	inv := &scriptedInvoker{exitCodes: []int{0}}
	s := newTestScheduler(t, inv, retryOnExit1(3))

	out := s.Run(ctx, model.WorkItem{ID: "i1", Script: "s"})

	if out.Status != model.StatusSkipped {
		t.Fatalf("status = %q, want skipped", out.Status)
	}
	if out.Reason != model.ReasonCanceled {
		t.Errorf("reason = %q, want %q", out.Reason, model.ReasonCanceled)
	}
	if calls := inv.attempts(); len(calls) != 0 {
		t.Errorf("invoker called %d times after cancellation, want 0", len(calls))
	}
}

func TestRunCanceledDuringBackoffStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	inv := &scriptedInvoker{exitCodes: []int{1}}
	p := retryOnExit1(5)
	p.Backoff = retry.Backoff{Initial: 30 * time.Second}
	s := newTestScheduler(t, inv, p)

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	out := s.Run(ctx, model.WorkItem{ID: "i1", Script: "s"})

	if time.Since(start) > 5*time.Second {
		t.Fatal("Run did not return promptly after cancellation")
	}
	if out.Status != model.StatusFailed {
		t.Fatalf("status = %q, want failed", out.Status)
	}
	if out.Reason != model.ReasonCanceled {
		t.Errorf("reason = %q, want %q", out.Reason, model.ReasonCanceled)
	}
	if out.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", out.Attempts)
	}
}

func TestRunTransitionsObserved(t *testing.T) {
	inv := &scriptedInvoker{exitCodes: []int{1, 0}}
	s := newTestScheduler(t, inv, retryOnExit1(3))

	var mu sync.Mutex
	var seen []string
	s.OnTransition = func(_, _, to string) {
		mu.Lock()
		seen = append(seen, to)
		mu.Unlock()
	}

	s.Run(context.Background(), model.WorkItem{ID: "i1", Script: "s"})

	want := []string{
		model.StatusRunning,
		model.StatusRetrying,
		model.StatusRunning,
		model.StatusSucceeded,
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != len(want) {
		t.Fatalf("transitions = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", seen, want)
		}
	}
}
