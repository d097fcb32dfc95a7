// Package history keeps a SQLite ledger of runs.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id        TEXT PRIMARY KEY,
	query         TEXT NOT NULL,
	execution_id  TEXT,
	state         TEXT,
	polls         INTEGER NOT NULL DEFAULT 0,
	output_path   TEXT,
	bytes         INTEGER NOT NULL DEFAULT 0,
	upload_target TEXT,
	outcome       TEXT NOT NULL,
	error         TEXT,
	started_at    TEXT NOT NULL,
	finished_at   TEXT NOT NULL
)`

// Run is one row of the ledger.
type Run struct {
	ID           string
	Query        string
	ExecutionID  string
	State        string
	Polls        int
	OutputPath   string
	Bytes        int
	UploadTarget string
	Outcome      string
	Error        string
	StartedAt    time.Time
	FinishedAt   time.Time
}

// timeLayout is fixed width so started_at sorts chronologically as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type Store struct {
	db *sql.DB
}

// Open creates the database file and schema if they do not exist.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	// sqlite serialises writers anyway; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create runs table: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts run, assigning an ID when it has none. It returns the ID.
func (s *Store) Record(ctx context.Context, run Run) (string, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO runs
		(run_id, query, execution_id, state, polls, output_path, bytes, upload_target, outcome, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Query, run.ExecutionID, run.State, run.Polls, run.OutputPath, run.Bytes,
		run.UploadTarget, run.Outcome, run.Error,
		run.StartedAt.UTC().Format(timeLayout), run.FinishedAt.UTC().Format(timeLayout))
	if err != nil {
		return "", fmt.Errorf("failed to insert run %s: %w", run.ID, err)
	}
	return run.ID, nil
}

// Recent returns up to limit runs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT
		run_id, query, execution_id, state, polls, output_path, bytes, upload_target, outcome, error, started_at, finished_at
		FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			run                                       Run
			executionID, state, path, target, errText sql.NullString
			started, finished                         string
		)
		if err := rows.Scan(&run.ID, &run.Query, &executionID, &state, &run.Polls, &path, &run.Bytes,
			&target, &run.Outcome, &errText, &started, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run.ExecutionID = executionID.String
		run.State = state.String
		run.OutputPath = path.String
		run.UploadTarget = target.String
		run.Error = errText.String
		if run.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, fmt.Errorf("run %s has bad started_at %q: %w", run.ID, started, err)
		}
		if run.FinishedAt, err = time.Parse(time.RFC3339Nano, finished); err != nil {
			return nil, fmt.Errorf("run %s has bad finished_at %q: %w", run.ID, finished, err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
