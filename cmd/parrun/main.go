// Command parrun executes an external script in parallel over many work
// items, with bounded concurrency and a configurable retry policy. Result
// records stream to stdout as NDJSON; logs go to stderr.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/seantiz/parrun/internal/config"
	"github.com/seantiz/parrun/internal/invoker"
	"github.com/seantiz/parrun/internal/model"
	"github.com/seantiz/parrun/internal/pool"
	"github.com/seantiz/parrun/internal/report"
	"github.com/seantiz/parrun/internal/retry"
	"github.com/seantiz/parrun/internal/status"
	"github.com/seantiz/parrun/internal/store"
)

const exitUsage = 64

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Parse("parrun", os.Args[1:], os.Stdin)
	if err != nil {
		fmt.Fprintln(os.Stderr, "parrun:", err)
		return exitUsage
	}

	logger := config.NewLogger(os.Stderr, cfg.LogLevel)

	// SIGINT/SIGTERM stop dispatch; in-flight attempts are left to finish.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	inv := invoker.NewScriptInvoker(cfg.AttemptTimeout, logger)
	sched := retry.NewScheduler(inv, cfg.Policy, logger)
	pl, err := pool.New(cfg.MaxConcurrency, sched, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "parrun:", err)
		return exitUsage
	}

	reporter := report.New(os.Stdout, logger)

	runID := model.NewID()
	items := cfg.WorkItems()

	if cfg.HistoryDB != "" {
		hist, err := store.NewSQLiteStore(cfg.HistoryDB)
		if err != nil {
			logger.Error("open history store", "path", cfg.HistoryDB, "error", err)
		} else {
			defer hist.Close()
			rec := &store.Run{
				ID:             runID,
				Name:           cfg.Name,
				Script:         cfg.Script,
				MaxConcurrency: cfg.MaxConcurrency,
				StartedAt:      time.Now().UTC(),
			}
			if err := hist.CreateRun(context.Background(), rec); err != nil {
				logger.Error("create run history", "error", err)
			} else {
				reporter.History = hist
				reporter.RunID = runID
			}
		}
	}

	if cfg.StatusAddr != "" {
		srv := status.NewServer(cfg.StatusAddr, reporter, logger)
		if err := srv.Start(); err != nil {
			logger.Error("start status server", "addr", cfg.StatusAddr, "error", err)
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					logger.Error("shutdown status server", "error", err)
				}
			}()
		}
	}

	logger.Info("parrun: starting",
		"run_id", runID,
		"script", cfg.Script,
		"items", len(items),
		"max_concurrency", cfg.MaxConcurrency,
		"max_retries", cfg.Policy.MaxRetries,
	)

	start := time.Now()
	outcomes := pl.ExecuteAll(ctx, items)

	// The reporter keeps draining after a signal so every outcome —
	// including skips — still reaches the sink and the history store.
	summary := reporter.Consume(context.Background(), outcomes)

	logger.Info("parrun: finished",
		"run_id", runID,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
		"retried", summary.Retried,
		"attempts", summary.Attempts,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return reporter.ExitCode()
}
