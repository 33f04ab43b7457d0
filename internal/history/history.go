// Package history records an audit trail of runs, attempts, and status
// transitions in SQLite. The trail is written by the scheduler and read
// by humans; nothing here participates in scheduling decisions.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the SQLite-backed audit store.
type Store struct {
	db *sql.DB
}

// Open creates or opens the history database at dbPath. Parent directories
// are created as needed; WAL mode keeps writers from blocking readers.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating history directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}
	db.SetMaxOpenConns(2)

	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing history schema: %w", err)
	}
	return s, nil
}

// OpenMemory opens an in-memory store for tests.
func OpenMemory(ctx context.Context) (*Store, error) {
	db, err := sql.Open("sqlite", "file::memory:?mode=memory&cache=shared")
	if err != nil {
		return nil, fmt.Errorf("opening memory database: %w", err)
	}
	db.SetMaxOpenConns(2)

	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		blocked INTEGER NOT NULL DEFAULT 0,
		completed INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS attempts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		tool TEXT NOT NULL,
		exit_code INTEGER NOT NULL,
		signal TEXT NOT NULL,
		duration_ms INTEGER NOT NULL,
		timed_out INTEGER NOT NULL DEFAULT 0,
		started_at DATETIME NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);

	CREATE INDEX IF NOT EXISTS idx_attempts_task ON attempts(task_id, started_at);

	CREATE TABLE IF NOT EXISTS transitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		reason TEXT,
		at DATETIME NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);

	CREATE INDEX IF NOT EXISTS idx_transitions_task ON transitions(task_id, at);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// StartRun records a new run.
func (s *Store) StartRun(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, started_at) VALUES (?, ?)`,
		runID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("recording run start: %w", err)
	}
	return nil
}

// FinishRun closes out a run with its final counts.
func (s *Store) FinishRun(ctx context.Context, runID string, completed, failed int, blocked bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, completed = ?, failed = ?, blocked = ? WHERE id = ?`,
		time.Now().UTC(), completed, failed, blocked, runID)
	if err != nil {
		return fmt.Errorf("recording run finish: %w", err)
	}
	return nil
}

// Attempt is one tool invocation against one task.
type Attempt struct {
	RunID     string
	TaskID    string
	Tool      string
	ExitCode  int
	Signal    string
	Duration  time.Duration
	TimedOut  bool
	StartedAt time.Time
}

// RecordAttempt appends an attempt row.
func (s *Store) RecordAttempt(ctx context.Context, a Attempt) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attempts (run_id, task_id, tool, exit_code, signal, duration_ms, timed_out, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.RunID, a.TaskID, a.Tool, a.ExitCode, a.Signal, a.Duration.Milliseconds(), a.TimedOut, a.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("recording attempt: %w", err)
	}
	return nil
}

// RecordTransition appends a status transition row.
func (s *Store) RecordTransition(ctx context.Context, runID, taskID, from, to, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transitions (run_id, task_id, from_status, to_status, reason, at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		runID, taskID, from, to, reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("recording transition: %w", err)
	}
	return nil
}

// AttemptsFor lists a task's attempts, oldest first.
func (s *Store) AttemptsFor(ctx context.Context, taskID string) ([]Attempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, task_id, tool, exit_code, signal, duration_ms, timed_out, started_at
		 FROM attempts WHERE task_id = ? ORDER BY started_at`, taskID)
	if err != nil {
		return nil, fmt.Errorf("querying attempts: %w", err)
	}
	defer rows.Close()

	var attempts []Attempt
	for rows.Next() {
		var a Attempt
		var durationMS int64
		if err := rows.Scan(&a.RunID, &a.TaskID, &a.Tool, &a.ExitCode, &a.Signal, &durationMS, &a.TimedOut, &a.StartedAt); err != nil {
			return nil, fmt.Errorf("scanning attempt: %w", err)
		}
		a.Duration = time.Duration(durationMS) * time.Millisecond
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
