package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/parrun/internal/model"

	_ "modernc.org/sqlite"
)

const createRunsTable = `
CREATE TABLE IF NOT EXISTS runs (
    id              TEXT PRIMARY KEY,
    name            TEXT,
    script          TEXT NOT NULL,
    max_concurrency INTEGER NOT NULL,
    succeeded       INTEGER NOT NULL DEFAULT 0,
    failed          INTEGER NOT NULL DEFAULT 0,
    skipped         INTEGER NOT NULL DEFAULT 0,
    retried         INTEGER NOT NULL DEFAULT 0,
    attempts        INTEGER NOT NULL DEFAULT 0,
    started_at      DATETIME NOT NULL,
    finished_at     DATETIME
)`

const createOutcomesTable = `
CREATE TABLE IF NOT EXISTS outcomes (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id      TEXT NOT NULL REFERENCES runs(id),
    item_id     TEXT NOT NULL,
    status      TEXT NOT NULL,
    reason      TEXT,
    attempts    INTEGER NOT NULL,
    exit_code   INTEGER,
    duration_ms INTEGER,
    stderr      TEXT,
    error       TEXT,
    created_at  DATETIME NOT NULL
)`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createRunsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create runs table: %w", err)
	}

	if _, err := db.Exec(createOutcomesTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create outcomes table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRun inserts a new run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, r *Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (
			id, name, script, max_concurrency, succeeded, failed, skipped,
			retried, attempts, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, r.Script, r.MaxConcurrency, r.Succeeded, r.Failed,
		r.Skipped, r.Retried, r.Attempts, r.StartedAt, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun stores the final summary counters and finish time for a run.
func (s *SQLiteStore) FinishRun(ctx context.Context, id string, summary model.Summary, finishedAt time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET succeeded = ?, failed = ?, skipped = ?, retried = ?,
			attempts = ?, finished_at = ? WHERE id = ?`,
		summary.Succeeded, summary.Failed, summary.Skipped, summary.Retried,
		summary.Attempts, finishedAt, id,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	r := &Run{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, script, max_concurrency, succeeded, failed, skipped,
			retried, attempts, started_at, finished_at
		FROM runs WHERE id = ?`, id,
	).Scan(
		&r.ID, &r.Name, &r.Script, &r.MaxConcurrency, &r.Succeeded, &r.Failed,
		&r.Skipped, &r.Retried, &r.Attempts, &r.StartedAt, &r.FinishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns a paginated list of runs ordered by started_at DESC,
// along with the total count of all runs.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, name, script, max_concurrency, succeeded, failed, skipped,
			retried, attempts, started_at, finished_at
		FROM runs ORDER BY started_at DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r := &Run{}
		if err := rows.Scan(
			&r.ID, &r.Name, &r.Script, &r.MaxConcurrency, &r.Succeeded, &r.Failed,
			&r.Skipped, &r.Retried, &r.Attempts, &r.StartedAt, &r.FinishedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate runs: %w", err)
	}

	return runs, total, nil
}

// RecordOutcome persists one terminal outcome for a run.
func (s *SQLiteStore) RecordOutcome(ctx context.Context, runID string, o *model.Outcome) error {
	var exitCode *int
	var durationMS *int64
	var stderr string
	if o.Final != nil {
		code := o.Final.ExitCode
		exitCode = &code
		ms := o.Final.Duration.Milliseconds()
		durationMS = &ms
		if o.Status == model.StatusFailed {
			stderr = string(o.Final.Stderr)
		}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outcomes (
			run_id, item_id, status, reason, attempts, exit_code, duration_ms,
			stderr, error, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, o.Item.ID, o.Status, o.Reason, o.Attempts, exitCode, durationMS,
		stderr, o.Err, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert outcome: %w", err)
	}
	return nil
}

// ListOutcomes returns all persisted outcomes for a run in insertion order.
func (s *SQLiteStore) ListOutcomes(ctx context.Context, runID string) ([]OutcomeRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, item_id, status, reason, attempts, exit_code,
			duration_ms, stderr, error, created_at
		FROM outcomes WHERE run_id = ? ORDER BY id`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []OutcomeRecord
	for rows.Next() {
		var rec OutcomeRecord
		var reason, stderr, errMsg sql.NullString
		if err := rows.Scan(
			&rec.ID, &rec.RunID, &rec.ItemID, &rec.Status, &reason, &rec.Attempts,
			&rec.ExitCode, &rec.DurationMS, &stderr, &errMsg, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		rec.Reason = reason.String
		rec.Stderr = stderr.String
		rec.Error = errMsg.String
		outcomes = append(outcomes, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcomes: %w", err)
	}

	return outcomes, nil
}
