// Package history keeps a SQLite ledger of past runs so recent outcomes of
// a test can be queried across runs.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/devicelab-dev/pagecheck/pkg/core"
)

// RunMeta describes how a run was executed.
type RunMeta struct {
	Driver  string
	Browser string
}

// RunRecord is one stored run.
type RunRecord struct {
	RunID     string
	StartTime time.Time
	Duration  time.Duration
	Driver    string
	Browser   string
	Total     int
	Passed    int
	Failed    int
	Skipped   int
}

// TestRecord is one stored test outcome.
type TestRecord struct {
	RunID          string
	TestName       string
	FunctionalUnit string
	SourceFile     string
	Status         core.StepStatus
	Critical       bool
	Error          string
	StartTime      time.Time
	Duration       time.Duration
	FailedSteps    []string
}

// Stats aggregates the stored outcomes of one test.
type Stats struct {
	Runs    int
	Passed  int
	Failed  int
	Skipped int
}

// PassRate returns passed/(passed+failed), or 0 when nothing ran.
func (s Stats) PassRate() float64 {
	ran := s.Passed + s.Failed
	if ran == 0 {
		return 0
	}
	return float64(s.Passed) / float64(ran)
}

// Store is a SQLite-backed run history.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path. ":memory:" gives a private
// in-memory store.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create history directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes
	// writers from parallel runs.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA foreign_keys = ON"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize history schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		started_at TEXT NOT NULL,
		duration_ms INTEGER NOT NULL,
		driver TEXT NOT NULL,
		browser TEXT NOT NULL,
		total INTEGER NOT NULL,
		passed INTEGER NOT NULL,
		failed INTEGER NOT NULL,
		skipped INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS test_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
		test_name TEXT NOT NULL,
		functional_unit TEXT NOT NULL,
		source_file TEXT NOT NULL,
		status TEXT NOT NULL,
		critical INTEGER NOT NULL,
		error TEXT NOT NULL,
		started_at TEXT NOT NULL,
		duration_ms INTEGER NOT NULL,
		failed_steps TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_test_results_name ON test_results(test_name, started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// failedStepsSep joins step names in the failed_steps column.
const failedStepsSep = "\n"

// RecordRun stores run and every test in it in one transaction.
func (s *Store) RecordRun(ctx context.Context, run *core.RunResult, meta RunMeta) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (run_id, started_at, duration_ms, driver, browser, total, passed, failed, skipped)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, formatTime(run.StartTime), run.Duration.Milliseconds(), meta.Driver, meta.Browser,
		run.TotalTests, run.PassedTests, run.FailedTests, run.SkippedTests)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO test_results (run_id, test_name, functional_unit, source_file, status, critical, error, started_at, duration_ms, failed_steps)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range run.Tests {
		t := &run.Tests[i]
		_, err := stmt.ExecContext(ctx,
			run.RunID, t.TestName, t.FunctionalUnit, t.SourcePath, t.Status.String(), t.Critical, t.Error,
			formatTime(t.StartTime), t.Duration.Milliseconds(), strings.Join(t.FailedStepNames(), failedStepsSep))
		if err != nil {
			return fmt.Errorf("insert test %q: %w", t.TestName, err)
		}
	}
	return tx.Commit()
}

// Recent returns the latest outcomes of testName, newest first.
func (s *Store) Recent(ctx context.Context, testName string, limit int) ([]TestRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, test_name, functional_unit, source_file, status, critical, error, started_at, duration_ms, failed_steps
		 FROM test_results WHERE test_name = ? ORDER BY started_at DESC, id DESC LIMIT ?`,
		testName, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []TestRecord
	for rows.Next() {
		var (
			r                 TestRecord
			status, startedAt string
			failedSteps       string
			durationMs        int64
		)
		if err := rows.Scan(&r.RunID, &r.TestName, &r.FunctionalUnit, &r.SourceFile, &status, &r.Critical,
			&r.Error, &startedAt, &durationMs, &failedSteps); err != nil {
			return nil, err
		}
		if err := r.Status.UnmarshalText([]byte(status)); err != nil {
			return nil, err
		}
		r.StartTime = parseTime(startedAt)
		r.Duration = time.Duration(durationMs) * time.Millisecond
		if failedSteps != "" {
			r.FailedSteps = strings.Split(failedSteps, failedStepsSep)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Runs returns the latest runs, newest first.
func (s *Store) Runs(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, started_at, duration_ms, driver, browser, total, passed, failed, skipped
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var (
			r          RunRecord
			startedAt  string
			durationMs int64
		)
		if err := rows.Scan(&r.RunID, &startedAt, &durationMs, &r.Driver, &r.Browser,
			&r.Total, &r.Passed, &r.Failed, &r.Skipped); err != nil {
			return nil, err
		}
		r.StartTime = parseTime(startedAt)
		r.Duration = time.Duration(durationMs) * time.Millisecond
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Stats aggregates every stored outcome of testName.
func (s *Store) Stats(ctx context.Context, testName string) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COALESCE(SUM(status = 'passed'), 0),
			COALESCE(SUM(status = 'failed'), 0),
			COALESCE(SUM(status = 'skipped'), 0)
		 FROM test_results WHERE test_name = ?`, testName).
		Scan(&st.Runs, &st.Passed, &st.Failed, &st.Skipped)
	return st, err
}

// Prune deletes runs that started before cutoff, with their tests.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Times are stored as fixed-width UTC text so they sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
