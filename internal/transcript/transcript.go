// Package transcript keeps an append-only SQLite log of every message
// recorded in any session. It is the one durable record parley keeps:
// live session state stays in memory, and the transcript is only read
// back for exports and inspection.
package transcript

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/parley/internal/action"
	"github.com/nugget/parley/internal/session"
)

// timeFormat keeps a fixed-width fraction so stored timestamps sort
// lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Store is a SQLite-backed turn log. It implements [session.Recorder].
type Store struct {
	db     *sql.DB
	ownsDB bool
}

var _ session.Recorder = (*Store)(nil)

// Open opens (creating if needed) the transcript database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// New creates a store on an existing connection.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// DB returns the underlying connection so other stores can share the
// file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database if Open created it.
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS turns (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			id              TEXT NOT NULL UNIQUE,
			session_id      TEXT NOT NULL,
			agent_id        TEXT NOT NULL,
			kind            TEXT NOT NULL,
			content         TEXT NOT NULL,
			action          TEXT,
			reasoning       TEXT,
			tool_name       TEXT,
			tool_args       TEXT,
			tool_result     TEXT,
			target_agent_id TEXT,
			metadata        TEXT,
			timestamp       TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_turns_session
			ON turns(session_id, seq);
	`)
	return err
}

// RecordMessage appends msg to the session's log. Messages are stored
// in the order they are recorded.
func (s *Store) RecordMessage(sessionID string, msg session.Message) error {
	args, err := marshalOptional(msg.ToolArgs)
	if err != nil {
		return fmt.Errorf("marshal tool_args: %w", err)
	}
	meta, err := marshalOptional(msg.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO turns (
			id, session_id, agent_id, kind, content, action, reasoning,
			tool_name, tool_args, tool_result, target_agent_id, metadata, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, sessionID, msg.AgentID, string(msg.Kind), msg.Content,
		nullable(string(msg.Action)), nullable(msg.Reasoning),
		nullable(msg.ToolName), args, nullable(msg.ToolResult),
		nullable(msg.TargetAgentID), meta,
		msg.Timestamp.UTC().Format(timeFormat),
	)
	return err
}

// Messages returns a session's recorded log in order.
func (s *Store) Messages(sessionID string) ([]session.Message, error) {
	rows, err := s.db.Query(`
		SELECT id, agent_id, kind, content, action, reasoning,
			tool_name, tool_args, tool_result, target_agent_id, metadata, timestamp
		FROM turns WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []session.Message
	for rows.Next() {
		var m session.Message
		var kind, ts string
		var act, reasoning, toolName, toolArgs, toolResult, target, meta sql.NullString
		if err := rows.Scan(
			&m.ID, &m.AgentID, &kind, &m.Content, &act, &reasoning,
			&toolName, &toolArgs, &toolResult, &target, &meta, &ts,
		); err != nil {
			return nil, err
		}
		m.Kind = session.Kind(kind)
		m.Action = action.Kind(act.String)
		m.Reasoning = reasoning.String
		m.ToolName = toolName.String
		m.ToolResult = toolResult.String
		m.TargetAgentID = target.String
		m.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		if toolArgs.Valid {
			_ = json.Unmarshal([]byte(toolArgs.String), &m.ToolArgs)
		}
		if meta.Valid {
			_ = json.Unmarshal([]byte(meta.String), &m.Metadata)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// SessionInfo summarizes one recorded session.
type SessionInfo struct {
	SessionID string    `json:"session_id"`
	AgentID   string    `json:"agent_id"`
	Messages  int       `json:"messages"`
	FirstAt   time.Time `json:"first_at"`
	LastAt    time.Time `json:"last_at"`
}

// Sessions lists recorded sessions, most recently active first. An
// empty agentID lists every agent's sessions. A limit of 0 returns
// everything.
func (s *Store) Sessions(agentID string, limit int) ([]SessionInfo, error) {
	query := `
		SELECT session_id, MIN(agent_id), COUNT(*), MIN(timestamp), MAX(timestamp)
		FROM turns`
	var args []any
	if agentID != "" {
		query += ` WHERE session_id IN (SELECT session_id FROM turns WHERE agent_id = ?)`
		args = append(args, agentID)
	}
	query += ` GROUP BY session_id ORDER BY MAX(timestamp) DESC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		var info SessionInfo
		var first, last string
		if err := rows.Scan(&info.SessionID, &info.AgentID, &info.Messages, &first, &last); err != nil {
			return nil, err
		}
		info.FirstAt, _ = time.Parse(time.RFC3339Nano, first)
		info.LastAt, _ = time.Parse(time.RFC3339Nano, last)
		out = append(out, info)
	}
	return out, rows.Err()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func marshalOptional[T ~map[string]V, V any](m T) (sql.NullString, error) {
	if len(m) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}
