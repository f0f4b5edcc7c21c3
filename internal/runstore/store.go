// Package runstore persists the scheduler watermark and export run history in SQLite.
package runstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"git.home.luguber.info/inful/docexport/internal/export"
)

// DateLayout is the format of stored calendar dates.
const DateLayout = "2006-01-02"

const (
	keyLastSuccessfulDate = "last_successful_date"
	keyLastError          = "last_error"
)

// Store is a SQLite-backed run store. Use ":memory:" for tests.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create state directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL UNIQUE,
		run_trigger TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		elapsed_ms INTEGER NOT NULL,
		total INTEGER NOT NULL,
		exported INTEGER NOT NULL,
		skipped INTEGER NOT NULL,
		up_to_date INTEGER NOT NULL,
		content_skipped INTEGER NOT NULL,
		diagnosed INTEGER NOT NULL,
		errors INTEGER NOT NULL,
		remaining INTEGER NOT NULL,
		aborted INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS task_outcomes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		source_id TEXT NOT NULL,
		location TEXT NOT NULL,
		outcome TEXT NOT NULL,
		reason TEXT,
		artifact_path TEXT,
		size_bytes INTEGER,
		attempts INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		error TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
	CREATE INDEX IF NOT EXISTS idx_task_outcomes_run_id ON task_outcomes(run_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// LastSuccessfulDate returns the calendar date of the last completed scheduled run.
func (s *Store) LastSuccessfulDate(ctx context.Context) (string, bool, error) {
	return s.get(ctx, keyLastSuccessfulDate)
}

// SetLastSuccessfulDate records date (DateLayout).
func (s *Store) SetLastSuccessfulDate(ctx context.Context, date string) error {
	if _, err := time.Parse(DateLayout, date); err != nil {
		return fmt.Errorf("invalid date %q: %w", date, err)
	}
	return s.set(ctx, keyLastSuccessfulDate, date)
}

// LastError returns the most recent tick failure message.
func (s *Store) LastError(ctx context.Context) (string, time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		value string
		at    int64
	)
	err := s.db.QueryRowContext(ctx, "SELECT value, updated_at FROM state WHERE key = ?", keyLastError).Scan(&value, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, false, nil
	}
	if err != nil {
		return "", time.Time{}, false, fmt.Errorf("query last error: %w", err)
	}
	return value, time.UnixMilli(at), true, nil
}

// SetLastError records a tick failure. An empty message clears it.
func (s *Store) SetLastError(ctx context.Context, msg string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg == "" {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM state WHERE key = ?", keyLastError); err != nil {
			return fmt.Errorf("clear last error: %w", err)
		}
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO state (key, value, updated_at) VALUES (?, ?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at",
		keyLastError, msg, at.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store last error: %w", err)
	}
	return nil
}

func (s *Store) get(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM state WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query state %s: %w", key, err)
	}
	return value, true, nil
}

func (s *Store) set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO state (key, value, updated_at) VALUES (?, ?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at",
		key, value, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store state %s: %w", key, err)
	}
	return nil
}

// RecordRun stores a finished run and its task outcomes in one transaction.
func (s *Store) RecordRun(ctx context.Context, sum export.Summary) error {
	if sum.RunID == "" {
		return errors.New("run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `INSERT INTO runs
		(run_id, run_trigger, started_at, elapsed_ms, total, exported, skipped, up_to_date, content_skipped, diagnosed, errors, remaining, aborted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sum.RunID, sum.Trigger, sum.StartedAt.UnixMilli(), sum.Elapsed.Milliseconds(),
		sum.Total, sum.Exported, sum.Skipped, sum.UpToDate, sum.ContentSkipped, sum.Diagnosed,
		sum.Errors, sum.Remaining, boolToInt(sum.Aborted),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for i, o := range sum.Outcomes {
		_, err = tx.ExecContext(ctx, `INSERT INTO task_outcomes
			(run_id, seq, source_id, location, outcome, reason, artifact_path, size_bytes, attempts, duration_ms, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sum.RunID, i, o.SourceID, o.Location, string(o.Outcome), o.Reason, o.ArtifactPath,
			o.SizeBytes, o.Attempts, o.Duration.Milliseconds(), o.Error,
		)
		if err != nil {
			return fmt.Errorf("insert task outcome: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run: %w", err)
	}
	return nil
}

// RecentRuns returns up to limit runs, newest first, without task outcomes.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]export.Summary, error) {
	if limit <= 0 {
		limit = 10
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT run_id, run_trigger, started_at, elapsed_ms, total, exported, skipped,
		up_to_date, content_skipped, diagnosed, errors, remaining, aborted
		FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []export.Summary
	for rows.Next() {
		var (
			sum       export.Summary
			startedMS int64
			elapsedMS int64
			aborted   int
		)
		if err := rows.Scan(&sum.RunID, &sum.Trigger, &startedMS, &elapsedMS, &sum.Total, &sum.Exported,
			&sum.Skipped, &sum.UpToDate, &sum.ContentSkipped, &sum.Diagnosed, &sum.Errors, &sum.Remaining, &aborted); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		sum.StartedAt = time.UnixMilli(startedMS)
		sum.Elapsed = time.Duration(elapsedMS) * time.Millisecond
		sum.Aborted = aborted != 0
		runs = append(runs, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// RunOutcomes returns the task outcomes of runID in processing order.
func (s *Store) RunOutcomes(ctx context.Context, runID string) ([]export.TaskOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT source_id, location, outcome, reason, artifact_path, size_bytes,
		attempts, duration_ms, error FROM task_outcomes WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("query task outcomes: %w", err)
	}
	defer rows.Close()

	var out []export.TaskOutcome
	for rows.Next() {
		var (
			o                export.TaskOutcome
			outcome          string
			reason, artifact sql.NullString
			errMsg           sql.NullString
			size             sql.NullInt64
			durationMS       int64
		)
		if err := rows.Scan(&o.SourceID, &o.Location, &outcome, &reason, &artifact, &size,
			&o.Attempts, &durationMS, &errMsg); err != nil {
			return nil, fmt.Errorf("scan task outcome: %w", err)
		}
		o.Outcome = export.Outcome(outcome)
		o.Reason = reason.String
		o.ArtifactPath = artifact.String
		o.SizeBytes = size.Int64
		o.Duration = time.Duration(durationMS) * time.Millisecond
		o.Error = errMsg.String
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task outcomes: %w", err)
	}
	return out, nil
}

// Prune deletes runs (and their outcomes) started before cutoff.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM task_outcomes WHERE run_id IN (SELECT run_id FROM runs WHERE started_at < ?)", cutoff.UnixMilli()); err != nil {
		return 0, fmt.Errorf("prune task outcomes: %w", err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM runs WHERE started_at < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return n, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
