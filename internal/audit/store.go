// Package audit persists terminal invocation outcomes to a local sqlite
// database for the /v1/invocations endpoint and offline inspection.
//
// Only terminal outcomes are stored. Queue and retry state is in-memory
// by design and never written here.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS invocations (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id      TEXT NOT NULL,
	question        TEXT NOT NULL,
	outcome         TEXT NOT NULL,
	error_kind      TEXT NOT NULL DEFAULT '',
	attempts        INTEGER NOT NULL,
	upstream_status INTEGER NOT NULL DEFAULT 0,
	confidence      REAL NOT NULL DEFAULT 0,
	duration_ms     INTEGER NOT NULL,
	created_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_invocations_created_at ON invocations(created_at);
`

// Record is one stored invocation outcome.
type Record struct {
	RequestID      string    `json:"request_id"`
	Question       string    `json:"question"`
	Outcome        string    `json:"outcome"`
	ErrorKind      string    `json:"error_kind,omitempty"`
	Attempts       int       `json:"attempts"`
	UpstreamStatus int       `json:"upstream_status,omitempty"`
	Confidence     float64   `json:"confidence,omitempty"`
	DurationMs     int64     `json:"duration_ms"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store wraps the sqlite database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the audit database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening audit db: %w", err)
	}
	// sqlite handles one writer at a time; serialize through one conn.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Record inserts one outcome row.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invocations
			(request_id, question, outcome, error_kind, attempts, upstream_status, confidence, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.Question, rec.Outcome, rec.ErrorKind,
		rec.Attempts, rec.UpstreamStatus, rec.Confidence, rec.DurationMs, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting invocation: %w", err)
	}
	return nil
}

// Recent returns the newest limit outcomes, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, question, outcome, error_kind, attempts, upstream_status, confidence, duration_ms, created_at
		FROM invocations
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying invocations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(
			&rec.RequestID, &rec.Question, &rec.Outcome, &rec.ErrorKind,
			&rec.Attempts, &rec.UpstreamStatus, &rec.Confidence, &rec.DurationMs, &rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning invocation: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
