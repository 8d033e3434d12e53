package delegate

import (
	"database/sql"
	"fmt"
	"time"
)

// timeFormat keeps a fixed-width fraction so stored timestamps sort
// lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Exchange kinds.
const (
	KindCall     = "call"
	KindDelegate = "delegate"
)

// Record is one persisted inter-agent exchange: an agent call with its
// return, or a delegation with the outcome of the turn it started.
type Record struct {
	ID            string    `json:"id"`
	Kind          string    `json:"kind"`
	CallerAgent   string    `json:"caller_agent"`
	CallerSession string    `json:"caller_session"`
	CalleeAgent   string    `json:"callee_agent"`
	CalleeSession string    `json:"callee_session"`
	UserInput     string    `json:"user_input"`
	Result        string    `json:"result,omitempty"`
	Success       bool      `json:"success"`
	TimedOut      bool      `json:"timed_out"`
	Depth         int       `json:"depth"`
	StartedAt     time.Time `json:"started_at"`
	CompletedAt   time.Time `json:"completed_at"`
	DurationMs    int64     `json:"duration_ms"`
	Error         string    `json:"error,omitempty"`
}

// Store persists exchange records in SQLite. It creates its own table
// on initialization and can share a database with other stores.
type Store struct {
	db *sql.DB
}

// NewStore creates an exchange store on db.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("delegation store migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS exchanges (
			id             TEXT PRIMARY KEY,
			kind           TEXT NOT NULL,
			caller_agent   TEXT NOT NULL,
			caller_session TEXT NOT NULL,
			callee_agent   TEXT NOT NULL,
			callee_session TEXT NOT NULL,
			user_input     TEXT NOT NULL,
			result         TEXT,
			success        BOOLEAN NOT NULL DEFAULT 0,
			timed_out      BOOLEAN NOT NULL DEFAULT 0,
			depth          INTEGER NOT NULL,
			started_at     TEXT NOT NULL,
			completed_at   TEXT NOT NULL,
			duration_ms    INTEGER NOT NULL,
			error          TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_exchanges_started
			ON exchanges(started_at DESC);
		CREATE INDEX IF NOT EXISTS idx_exchanges_caller_session
			ON exchanges(caller_session, started_at DESC);
	`)
	return err
}

// Record inserts an exchange record.
func (s *Store) Record(rec *Record) error {
	_, err := s.db.Exec(`
		INSERT INTO exchanges (
			id, kind, caller_agent, caller_session, callee_agent, callee_session,
			user_input, result, success, timed_out, depth,
			started_at, completed_at, duration_ms, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Kind,
		rec.CallerAgent, rec.CallerSession,
		rec.CalleeAgent, rec.CalleeSession,
		rec.UserInput, rec.Result, rec.Success, rec.TimedOut, rec.Depth,
		rec.StartedAt.UTC().Format(timeFormat),
		rec.CompletedAt.UTC().Format(timeFormat),
		rec.DurationMs, rec.Error,
	)
	return err
}

const selectColumns = `
	SELECT id, kind, caller_agent, caller_session, callee_agent, callee_session,
		user_input, result, success, timed_out, depth,
		started_at, completed_at, duration_ms, error
	FROM exchanges`

// Get retrieves a single record by ID.
func (s *Store) Get(id string) (*Record, error) {
	return scanInto(s.db.QueryRow(selectColumns+` WHERE id = ?`, id))
}

// List returns records newest first. A limit of 0 returns everything.
func (s *Store) List(limit int) ([]*Record, error) {
	return s.query(selectColumns+` ORDER BY started_at DESC`, limit)
}

// ListForSession returns the records a caller session started, newest
// first.
func (s *Store) ListForSession(sessionID string, limit int) ([]*Record, error) {
	return s.query(selectColumns+` WHERE caller_session = ? ORDER BY started_at DESC`, limit, sessionID)
}

func (s *Store) query(query string, limit int, args ...any) ([]*Record, error) {
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanInto(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanInto(s scanner) (*Record, error) {
	var rec Record
	var result, errStr sql.NullString
	var startedAt, completedAt string

	err := s.Scan(
		&rec.ID, &rec.Kind,
		&rec.CallerAgent, &rec.CallerSession,
		&rec.CalleeAgent, &rec.CalleeSession,
		&rec.UserInput, &result, &rec.Success, &rec.TimedOut, &rec.Depth,
		&startedAt, &completedAt,
		&rec.DurationMs, &errStr,
	)
	if err != nil {
		return nil, err
	}

	rec.Result = result.String
	rec.Error = errStr.String
	rec.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	rec.CompletedAt, _ = time.Parse(time.RFC3339Nano, completedAt)
	return &rec, nil
}
