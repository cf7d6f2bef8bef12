// Package config resolves the command line and environment into the engine
// configuration: script path, work items, retry rules, backoff curve,
// concurrency ceiling, and the optional history/status surfaces.
package config

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/seantiz/parrun/internal/model"
	"github.com/seantiz/parrun/internal/retry"
)

const (
	defaultConcurrency = 2
	defaultBackoff     = time.Second
	defaultBackoffMax  = 30 * time.Second

	envLogLevel   = "PARRUN_LOG_LEVEL"
	envHistoryDB  = "PARRUN_HISTORY_DB"
	envStatusAddr = "PARRUN_STATUS_ADDR"
)

// Config holds the resolved run configuration.
type Config struct {
	Script string
	Name   string

	// Args are fixed arguments passed to every invocation, before the
	// per-item argument.
	Args []string

	// Items are the per-item argument strings, in input order.
	Items []string

	MaxConcurrency int
	Policy         retry.Policy
	AttemptTimeout time.Duration

	HistoryDB  string
	StatusAddr string
	LogLevel   slog.Level
}

// stringList collects repeatable flags in the order given.
type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

// Parse resolves flags and environment into a Config. When no --item flags
// are given, work items are read from stdin, one per line (blank lines are
// skipped), matching how ids are usually piped in from another tool.
func Parse(name string, args []string, stdin io.Reader) (*Config, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)

	script := fs.String("script", "", "path of the script to execute (required)")
	runName := fs.String("name", "", "label recorded on the run")
	conc := fs.Int("max-concurrency", defaultConcurrency, "number of items executing at once")
	maxRetries := fs.Int("max-retries", 0, "retries allowed per item after the initial attempt")
	backoff := fs.Duration("backoff", defaultBackoff, "delay before the first retry")
	backoffMax := fs.Duration("backoff-max", defaultBackoffMax, "upper bound on the retry delay")
	multiplier := fs.Float64("backoff-multiplier", 1.0, "factor applied to the delay after each retry (1.0 = fixed)")
	jitter := fs.Bool("backoff-jitter", false, "randomize each retry delay")
	timeout := fs.Duration("attempt-timeout", 0, "per-attempt wall clock limit (0 = none)")
	historyDB := fs.String("history-db", os.Getenv(envHistoryDB), "SQLite path for run history (empty = no history)")
	statusAddr := fs.String("status-addr", os.Getenv(envStatusAddr), "listen address for the status endpoint (empty = disabled)")
	logLevel := fs.String("log-level", os.Getenv(envLogLevel), "log level: debug, info, warn, error")

	var items stringList
	fs.Var(&items, "item", "per-item argument (repeatable; stdin lines when absent)")
	var extraArgs stringList
	fs.Var(&extraArgs, "arg", "fixed argument passed to every invocation (repeatable)")
	var ruleSpecs stringList
	fs.Var(&ruleSpecs, "rule", `retry rule, e.g. "retry:exit=75" or "stop:stderr=quota" (repeatable, first match wins)`)

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *script == "" {
		return nil, fmt.Errorf("--script is required")
	}
	if *conc < 1 {
		return nil, fmt.Errorf("--max-concurrency must be at least 1, got %d", *conc)
	}
	if *maxRetries < 0 {
		return nil, fmt.Errorf("--max-retries must not be negative, got %d", *maxRetries)
	}

	rules := make([]retry.Rule, 0, len(ruleSpecs))
	for _, spec := range ruleSpecs {
		r, err := retry.ParseRule(spec)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}

	if len(items) == 0 {
		read, err := readItems(stdin)
		if err != nil {
			return nil, fmt.Errorf("read items from stdin: %w", err)
		}
		items = read
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("no work items: pass --item or pipe one per line on stdin")
	}

	return &Config{
		Script:         *script,
		Name:           *runName,
		Args:           extraArgs,
		Items:          items,
		MaxConcurrency: *conc,
		Policy: retry.Policy{
			Rules:      rules,
			MaxRetries: *maxRetries,
			Backoff: retry.Backoff{
				Initial:    *backoff,
				Multiplier: *multiplier,
				Max:        *backoffMax,
				Jitter:     *jitter,
			},
		},
		AttemptTimeout: *timeout,
		HistoryDB:      *historyDB,
		StatusAddr:     *statusAddr,
		LogLevel:       parseLogLevel(*logLevel),
	}, nil
}

// WorkItems builds the ordered work item list. The per-item argument doubles
// as the item identifier; empty or duplicate arguments fall back to a fresh
// ULID so every item stays individually addressable in the output.
func (c *Config) WorkItems() []model.WorkItem {
	seen := make(map[string]bool, len(c.Items))
	out := make([]model.WorkItem, 0, len(c.Items))
	for _, it := range c.Items {
		id := it
		if id == "" || seen[id] {
			id = model.NewID()
		}
		seen[id] = true

		args := make([]string, 0, len(c.Args)+1)
		args = append(args, c.Args...)
		args = append(args, it)
		out = append(out, model.WorkItem{
			ID:     id,
			Script: c.Script,
			Args:   args,
		})
	}
	return out
}

func readItems(r io.Reader) ([]string, error) {
	if r == nil {
		return nil, nil
	}
	var items []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		items = append(items, line)
	}
	return items, sc.Err()
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
