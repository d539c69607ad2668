// Package history records the outcome of every sync run in a SQLite database.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const DefaultLimit = 20

type Outcome string

const (
	Success Outcome = "success"
	Failure Outcome = "failure"
)

var ErrNoRuns = errors.New("no runs recorded")

// Run is one row of the history.
type Run struct {
	ID       string        `json:"id"`
	Dataset  string        `json:"dataset"`
	Trigger  string        `json:"trigger"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Outcome  Outcome       `json:"outcome"`
	// Step is the failed step, empty on success.
	Step     string `json:"step,omitempty"`
	Fetched  int    `json:"fetched"`
	Dropped  int    `json:"dropped"`
	Uploaded int    `json:"uploaded"`
	Batches  int    `json:"batches"`
	Archive  string `json:"archive,omitempty"`
	Error    string `json:"error,omitempty"`
}

type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and brings the schema up to date.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	// one writer
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id          TEXT PRIMARY KEY,
			dataset     TEXT NOT NULL,
			trigger     TEXT NOT NULL DEFAULT '',
			started_ms  INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			outcome     TEXT NOT NULL,
			step        TEXT NOT NULL DEFAULT '',
			fetched     INTEGER NOT NULL DEFAULT 0,
			dropped     INTEGER NOT NULL DEFAULT 0,
			uploaded    INTEGER NOT NULL DEFAULT 0,
			batches     INTEGER NOT NULL DEFAULT 0,
			archive     TEXT NOT NULL DEFAULT '',
			error       TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS runs_dataset_started ON runs (dataset, started_ms DESC)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Record(ctx context.Context, r Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, dataset, trigger, started_ms, duration_ms, outcome, step, fetched, dropped, uploaded, batches, archive, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Dataset, r.Trigger, r.Started.UnixMilli(), r.Duration.Milliseconds(), string(r.Outcome),
		r.Step, r.Fetched, r.Dropped, r.Uploaded, r.Batches, r.Archive, r.Error)
	if err != nil {
		return fmt.Errorf("record run %s: %w", r.ID, err)
	}
	return nil
}

// List returns the latest runs first. An empty dataset lists all datasets; limit <= 0 means
// DefaultLimit.
func (s *Store) List(ctx context.Context, dataset string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, dataset, trigger, started_ms, duration_ms, outcome, step, fetched, dropped, uploaded, batches, archive, error
		 FROM runs WHERE ? = '' OR dataset = ?
		 ORDER BY started_ms DESC, rowid DESC LIMIT ?`,
		dataset, dataset, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Last returns the latest run of dataset, or ErrNoRuns.
func (s *Store) Last(ctx context.Context, dataset string) (Run, error) {
	runs, err := s.List(ctx, dataset, 1)
	if err != nil {
		return Run{}, err
	}
	if len(runs) == 0 {
		return Run{}, fmt.Errorf("%w: %s", ErrNoRuns, dataset)
	}
	return runs[0], nil
}

func scanRun(rows *sql.Rows) (Run, error) {
	var r Run
	var startedMS, durationMS int64
	var outcome string
	err := rows.Scan(&r.ID, &r.Dataset, &r.Trigger, &startedMS, &durationMS, &outcome, &r.Step,
		&r.Fetched, &r.Dropped, &r.Uploaded, &r.Batches, &r.Archive, &r.Error)
	if err != nil {
		return r, fmt.Errorf("scan run: %w", err)
	}
	r.Started = time.UnixMilli(startedMS).UTC()
	r.Duration = time.Duration(durationMS) * time.Millisecond
	r.Outcome = Outcome(outcome)
	return r, nil
}
