// Package invoker runs one external script per call and reports a structured
// attempt: captured stdout, captured stderr, exit status, and duration. The
// Invoker interface is the seam between the retry scheduler and the actual
// process launch, so tests can substitute a fake.
package invoker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/seantiz/parrun/internal/model"
)

// Invoker executes a single attempt of a work item. The context carries
// cancellation for the attempt; implementations must not leave a child
// process running after returning.
type Invoker interface {
	Invoke(ctx context.Context, item model.WorkItem, attempt int) (model.Attempt, error)
}

// LaunchError means the script could not be started at all (missing
// executable, permission denied). It is never retryable.
type LaunchError struct {
	Path string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %v", e.Path, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Compile-time interface satisfaction check.
var _ Invoker = (*ScriptInvoker)(nil)

// ScriptInvoker launches the item's script as a child process with the item's
// arguments verbatim. Attempt metadata is never injected into the child's
// argv; callers that want it must bake it into the item's arguments.
type ScriptInvoker struct {
	// Timeout, when positive, bounds each attempt's wall-clock time. A timed
	// out child is killed and its attempt reported with the kill exit status.
	Timeout time.Duration

	// Env, when non-nil, is appended to the parent environment for every child.
	Env []string

	logger *slog.Logger
}

// NewScriptInvoker creates a ScriptInvoker with the given per-attempt timeout.
// A zero timeout means attempts run until the child exits.
func NewScriptInvoker(timeout time.Duration, logger *slog.Logger) *ScriptInvoker {
	return &ScriptInvoker{Timeout: timeout, logger: logger}
}

// Invoke runs one attempt. It blocks until the child exits. A non-zero exit
// is not an error here: the attempt is returned with its exit status and the
// caller classifies it. Only launch failures return an error, always a
// *LaunchError.
func (si *ScriptInvoker) Invoke(ctx context.Context, item model.WorkItem, attempt int) (model.Attempt, error) {
	if si.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, si.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, item.Script, item.Args...)
	cmd.Env = os.Environ()
	if si.Env != nil {
		cmd.Env = append(cmd.Env, si.Env...)
	}

	if len(item.Payload) > 0 {
		cmd.Stdin = bytes.NewReader(item.Payload)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return model.Attempt{}, &LaunchError{Path: item.Script, Err: err}
	}

	waitErr := cmd.Wait()
	duration := time.Since(start)

	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			// Killed-by-signal exits report -1 here; the classifier treats
			// that like any other non-zero status.
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
		if ctx.Err() == context.DeadlineExceeded {
			fmt.Fprintf(&stderr, "parrun: attempt timed out after %s\n", si.Timeout)
		}
	}

	si.logger.Debug("attempt finished",
		"item_id", item.ID,
		"attempt", attempt,
		"exit_code", exitCode,
		"duration_ms", duration.Milliseconds(),
	)

	return model.Attempt{
		ItemID:    item.ID,
		Number:    attempt,
		Stdout:    stdout.Bytes(),
		Stderr:    stderr.Bytes(),
		ExitCode:  exitCode,
		StartedAt: start.UTC(),
		Duration:  duration,
	}, nil
}
