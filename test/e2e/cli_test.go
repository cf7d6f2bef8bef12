// End-to-end tests: build the parrun binary once, run it against real shell
// scripts, and check the NDJSON output and exit codes.
package e2e

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
)

var (
	builtBinary string
	buildOnce   sync.Once
	buildErr    error
)

func getBinary(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("e2e tests use shell scripts")
	}
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "parrun-e2e-*")
		if err != nil {
			buildErr = err
			return
		}
		binary := filepath.Join(dir, "parrun")
		cmd := exec.Command("go", "build", "-o", binary, "./cmd/parrun")
		cmd.Dir = findRepoRoot(t)
		out, err := cmd.CombinedOutput()
		if err != nil {
			buildErr = fmt.Errorf("go build failed: %w\n%s", err, out)
			return
		}
		builtBinary = binary
	})
	if buildErr != nil {
		t.Fatal(buildErr)
	}
	return builtBinary
}

func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find repo root")
		}
		dir = parent
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "script.sh")
	content := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

// record mirrors the NDJSON output schema.
type record struct {
	ItemID   string `json:"item_id"`
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
	Attempts int    `json:"attempts"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

func runParrun(t *testing.T, stdin string, args ...string) (records []record, exitCode int, stderr string) {
	t.Helper()
	cmd := exec.Command(getBinary(t), args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			t.Fatalf("run parrun: %v\nstderr: %s", err, errBuf.String())
		}
		exitCode = exitErr.ExitCode()
	}

	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		var r record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			t.Fatalf("invalid NDJSON line %q: %v", sc.Text(), err)
		}
		records = append(records, r)
	}
	return records, exitCode, errBuf.String()
}

func TestAllItemsSucceed(t *testing.T) {
	script := writeScript(t, `echo "processed $1"`)

	records, exitCode, stderr := runParrun(t, "",
		"-script", script,
		"-item", "a", "-item", "b", "-item", "c",
		"-max-concurrency", "3",
	)

	if exitCode != 0 {
		t.Fatalf("exit code = %d, want 0\nstderr: %s", exitCode, stderr)
	}
	if len(records) != 3 {
		t.Fatalf("records = %d, want 3", len(records))
	}
	for _, r := range records {
		if r.Status != "succeeded" {
			t.Errorf("item %s status = %q, want succeeded", r.ItemID, r.Status)
		}
		if !strings.Contains(r.Stdout, "processed "+r.ItemID) {
			t.Errorf("item %s stdout = %q", r.ItemID, r.Stdout)
		}
	}
}

func TestRetryUntilExhausted(t *testing.T) {
	script := writeScript(t, `echo "always failing" >&2; exit 1`)

	records, exitCode, _ := runParrun(t, "",
		"-script", script,
		"-item", "a",
		"-rule", "retry:exit=1",
		"-max-retries", "3",
		"-backoff", "10ms",
	)

	if exitCode != 1 {
		t.Fatalf("exit code = %d, want 1 (failed after retries)", exitCode)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	r := records[0]
	if r.Status != "failed" || r.Reason != "retries_exhausted" {
		t.Errorf("record = %+v, want failed/retries_exhausted", r)
	}
	if r.Attempts != 4 {
		t.Errorf("attempts = %d, want 4 (1 initial + 3 retries)", r.Attempts)
	}
	if !strings.Contains(r.Stderr, "always failing") {
		t.Errorf("stderr = %q, want captured script stderr", r.Stderr)
	}
}

func TestSucceedsOnSecondAttempt(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "first-try")
	script := writeScript(t, fmt.Sprintf(
		`if [ ! -f %q ]; then touch %q; echo "transient" >&2; exit 75; fi; echo ok`,
		marker, marker))

	records, exitCode, _ := runParrun(t, "",
		"-script", script,
		"-item", "a",
		"-rule", "retry:exit=75",
		"-max-retries", "5",
		"-backoff", "10ms",
	)

	if exitCode != 0 {
		t.Fatalf("exit code = %d, want 0", exitCode)
	}
	if records[0].Attempts != 2 {
		t.Errorf("attempts = %d, want 2", records[0].Attempts)
	}
	if records[0].Status != "succeeded" {
		t.Errorf("status = %q, want succeeded", records[0].Status)
	}
}

func TestUnclassifiedFailureExitsTwo(t *testing.T) {
	script := writeScript(t, `exit 7`)

	records, exitCode, _ := runParrun(t, "",
		"-script", script,
		"-item", "a", "-item", "b",
		"-rule", "retry:exit=75",
	)

	if exitCode != 2 {
		t.Fatalf("exit code = %d, want 2 (failed with zero retries)", exitCode)
	}
	for _, r := range records {
		if r.Attempts != 1 {
			t.Errorf("item %s attempts = %d, want 1", r.ItemID, r.Attempts)
		}
		if r.Reason != "unretryable" {
			t.Errorf("item %s reason = %q, want unretryable", r.ItemID, r.Reason)
		}
	}
}

func TestItemsFromStdin(t *testing.T) {
	script := writeScript(t, `echo "$1"`)

	records, exitCode, _ := runParrun(t, "x\ny\nz\n",
		"-script", script,
	)

	if exitCode != 0 {
		t.Fatalf("exit code = %d, want 0", exitCode)
	}
	if len(records) != 3 {
		t.Fatalf("records = %d, want 3", len(records))
	}
}

func TestMissingScriptExitsTwo(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.sh")

	records, exitCode, _ := runParrun(t, "",
		"-script", missing,
		"-item", "a",
	)

	if exitCode != 2 {
		t.Fatalf("exit code = %d, want 2", exitCode)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	if records[0].Reason != "launch_error" || records[0].Attempts != 0 {
		t.Errorf("record = %+v, want launch_error with 0 attempts", records[0])
	}
}

func TestUsageErrors(t *testing.T) {
	_, exitCode, stderr := runParrun(t, "", "-item", "a")
	if exitCode != 64 {
		t.Errorf("exit code = %d, want 64 for missing --script", exitCode)
	}
	if !strings.Contains(stderr, "script") {
		t.Errorf("stderr = %q, want mention of --script", stderr)
	}
}
