// Package history records watched copies and how they ended in a SQLite database.
package history

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration
)

// ErrNotFound is returned when a watch record doesn't exist.
var ErrNotFound = errors.New("watch not found")

// Outcome is how a watch ended.
type Outcome string

const (
	OutcomeRunning     Outcome = "running"
	OutcomeCompleted   Outcome = "completed"
	OutcomeStalled     Outcome = "stalled"
	OutcomeFailed      Outcome = "failed"
	OutcomeInterrupted Outcome = "interrupted"
)

// Record is one watched copy.
type Record struct {
	ID             string        `json:"id"`
	Item           string        `json:"item"`
	Command        string        `json:"command,omitempty"`
	StartedAt      time.Time     `json:"started_at"`
	FinishedAt     time.Time     `json:"finished_at,omitzero"`
	Outcome        Outcome       `json:"outcome"`
	LastActive     time.Time     `json:"last_active,omitzero"`
	InactiveFor    time.Duration `json:"inactive_for_ns"`
	Readings       int           `json:"readings"`
	FailedReadings int           `json:"failed_readings"`
	Error          string        `json:"error,omitempty"`
}

// Result is what Finish records about the end of a watch.
type Result struct {
	Outcome        Outcome
	FinishedAt     time.Time
	LastActive     time.Time
	InactiveFor    time.Duration
	Readings       int
	FailedReadings int
	Err            error
}

// Store persists watch records.
type Store struct {
	db *sql.DB
}

// Open opens or creates the history database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating history dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection serializes writers from concurrent watches in one process.
	db.SetMaxOpenConns(1)

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
		PRAGMA busy_timeout = 5000;
		CREATE TABLE IF NOT EXISTS watches (
			id              TEXT PRIMARY KEY,
			item            TEXT NOT NULL,
			command         TEXT NOT NULL DEFAULT '',
			started_at      TEXT NOT NULL,
			finished_at     TEXT NOT NULL DEFAULT '',
			outcome         TEXT NOT NULL,
			last_active     TEXT NOT NULL DEFAULT '',
			inactive_for_ms INTEGER NOT NULL DEFAULT 0,
			readings        INTEGER NOT NULL DEFAULT 0,
			failed_readings INTEGER NOT NULL DEFAULT 0,
			error           TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_watches_started ON watches(started_at);
	`)
	if err != nil {
		return fmt.Errorf("creating tables: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Begin inserts a running watch.
func (s *Store) Begin(r Record) error {
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO watches (id, item, command, started_at, outcome)
		VALUES (?, ?, ?, ?, ?)
	`, r.ID, r.Item, r.Command, formatTime(r.StartedAt), string(OutcomeRunning))
	if err != nil {
		return fmt.Errorf("inserting watch: %w", err)
	}
	return nil
}

// Finish records how a watch ended.
func (s *Store) Finish(id string, res Result) error {
	if res.FinishedAt.IsZero() {
		res.FinishedAt = time.Now()
	}
	var errText string
	if res.Err != nil {
		errText = res.Err.Error()
	}
	out, err := s.db.Exec(`
		UPDATE watches
		SET finished_at = ?, outcome = ?, last_active = ?, inactive_for_ms = ?,
		    readings = ?, failed_readings = ?, error = ?
		WHERE id = ?
	`, formatTime(res.FinishedAt), string(res.Outcome), formatTime(res.LastActive),
		res.InactiveFor.Milliseconds(), res.Readings, res.FailedReadings, errText, id)
	if err != nil {
		return fmt.Errorf("updating watch: %w", err)
	}
	if n, _ := out.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns one watch by ID.
func (s *Store) Get(id string) (*Record, error) {
	row := s.db.QueryRow(selectWatches+` WHERE id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// List returns the most recent watches, newest first. limit <= 0 returns all.
func (s *Store) List(limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(selectWatches+` ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying watches: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

const selectWatches = `
	SELECT id, item, command, started_at, finished_at, outcome, last_active,
	       inactive_for_ms, readings, failed_readings, error
	FROM watches`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		r                             Record
		started, finished, lastActive string
		outcome                       string
		inactiveMS                    int64
	)
	err := row.Scan(&r.ID, &r.Item, &r.Command, &started, &finished, &outcome, &lastActive,
		&inactiveMS, &r.Readings, &r.FailedReadings, &r.Error)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning watch: %w", err)
	}
	r.Outcome = Outcome(outcome)
	r.StartedAt = parseTime(started)
	r.FinishedAt = parseTime(finished)
	r.LastActive = parseTime(lastActive)
	r.InactiveFor = time.Duration(inactiveMS) * time.Millisecond
	return &r, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
