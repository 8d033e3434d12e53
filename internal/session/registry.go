package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Errors returned by [Registry] operations.
var (
	// ErrNotFound means the session does not exist (never created, or
	// closed or swept since).
	ErrNotFound = errors.New("session not found")
	// ErrAgentMismatch means a session ID is already owned by a
	// different agent.
	ErrAgentMismatch = errors.New("session belongs to another agent")
)

// DefaultSummaryEvery is how many messages pass between rolling summary
// refreshes.
const DefaultSummaryEvery = 10

// summaryWindow is how many trailing messages feed a summary.
const summaryWindow = 3

// Session is one ordered conversation log owned by a single agent.
// Values returned by the registry are copies; mutating them has no
// effect on the registry.
type Session struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Summary   string    `json:"summary,omitempty"`

	// Generation distinguishes this incarnation of the ID from any
	// earlier session that was closed and later re-created under it.
	Generation uint64 `json:"-"`
}

// Recorder receives every appended message. It is called outside the
// registry lock; errors are logged and never fail the append.
type Recorder interface {
	RecordMessage(sessionID string, msg Message) error
}

// Registry tracks every live session. All access goes through its
// methods; the backing maps are never handed out.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	// current maps an agent to the session that receives its input
	// when no session ID is given.
	current map[string]string

	// generation numbers session incarnations; see [Session.Generation].
	generation uint64

	summaryEvery int
	recorder     Recorder
	logger       *slog.Logger
	now          func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		sessions:     make(map[string]*Session),
		current:      make(map[string]string),
		summaryEvery: DefaultSummaryEvery,
		logger:       logger,
		now:          time.Now,
	}
}

// SetRecorder installs a sink that observes every appended message.
func (r *Registry) SetRecorder(rec Recorder) {
	r.recorder = rec
}

// GetOrCreate returns the session with the given ID, creating it for
// agentID if the registry has not seen it. An empty sessionID always
// creates a new session with a generated ID. created reports whether a
// new session was made.
func (r *Registry) GetOrCreate(agentID, sessionID string) (sess *Session, created bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sessionID == "" {
		sessionID = NewID()
	}

	if s, ok := r.sessions[sessionID]; ok {
		if s.AgentID != agentID {
			return nil, false, fmt.Errorf("%w: %s is owned by %s", ErrAgentMismatch, sessionID, s.AgentID)
		}
		return s.copy(), false, nil
	}

	now := r.now()
	r.generation++
	s := &Session{
		ID:         sessionID,
		AgentID:    agentID,
		Messages:   []Message{},
		CreatedAt:  now,
		UpdatedAt:  now,
		Generation: r.generation,
	}
	r.sessions[sessionID] = s
	r.logger.Debug("session created", "agent", agentID, "session", sessionID)
	return s.copy(), true, nil
}

// Get returns a copy of the session, or false if it does not exist.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return s.copy(), true
}

// Exists reports whether the session is live.
func (r *Registry) Exists(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[sessionID]
	return ok
}

// Messages returns a copy of the session log. A missing session yields
// an empty slice.
func (r *Registry) Messages(sessionID string) []Message {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return []Message{}
	}
	msgs := make([]Message, len(s.Messages))
	copy(msgs, s.Messages)
	return msgs
}

// Append adds msg to the end of the session log. Appending to a
// session that no longer exists returns [ErrNotFound]; callers use
// this as the existence guard that discards results of turns whose
// session was closed mid-flight.
func (r *Registry) Append(sessionID string, msg Message) error {
	return r.AppendTo(sessionID, 0, msg)
}

// Generation returns the incarnation number of a live session.
func (r *Registry) Generation(sessionID string) (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return 0, false
	}
	return s.Generation, true
}

// AppendTo is [Registry.Append] pinned to one incarnation of the
// session: if sessionID was closed and re-created since gen was read,
// it returns [ErrNotFound] and the new session is left untouched. A
// zero gen matches any incarnation.
func (r *Registry) AppendTo(sessionID string, gen uint64, msg Message) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok || (gen != 0 && s.Generation != gen) {
		r.mu.Unlock()
		return fmt.Errorf("append to %s: %w", sessionID, ErrNotFound)
	}
	if msg.ID == "" {
		msg.ID = NewID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = r.now()
	}
	s.Messages = append(s.Messages, msg)
	s.UpdatedAt = r.now()
	if r.summaryEvery > 0 && len(s.Messages)%r.summaryEvery == 0 {
		s.Summary = summarize(s.Messages)
	}
	rec := r.recorder
	r.mu.Unlock()

	if rec != nil {
		if err := rec.RecordMessage(sessionID, msg); err != nil {
			r.logger.Warn("failed to record message",
				"session", sessionID,
				"message", msg.ID,
				"error", err,
			)
		}
	}
	return nil
}

// Close removes the session. It returns false if it did not exist.
func (r *Registry) Close(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeLocked(sessionID)
}

func (r *Registry) closeLocked(sessionID string) bool {
	s, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	delete(r.sessions, sessionID)
	if r.current[s.AgentID] == sessionID {
		delete(r.current, s.AgentID)
	}
	r.logger.Debug("session closed", "agent", s.AgentID, "session", sessionID)
	return true
}

// ListForAgent returns copies of the agent's sessions, most recently
// updated first.
func (r *Registry) ListForAgent(agentID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Session
	for _, s := range r.sessions {
		if s.AgentID == agentID {
			out = append(out, s.copy())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// SweepOlderThan closes every session whose last update is older than
// maxAge. The returned sessions carry identity and timestamps only, not
// their logs.
func (r *Registry) SweepOlderThan(maxAge time.Duration) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-maxAge)
	var swept []*Session
	for id, s := range r.sessions {
		if s.UpdatedAt.Before(cutoff) {
			swept = append(swept, &Session{ID: s.ID, AgentID: s.AgentID, CreatedAt: s.CreatedAt, UpdatedAt: s.UpdatedAt})
			r.closeLocked(id)
		}
	}
	return swept
}

// Current returns the session that receives the agent's input when no
// session ID is supplied.
func (r *Registry) Current(agentID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.current[agentID]
	return id, ok
}

// SetCurrent points the agent's current session at sessionID.
func (r *Registry) SetCurrent(agentID, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return fmt.Errorf("set current %s: %w", sessionID, ErrNotFound)
	}
	if s.AgentID != agentID {
		return fmt.Errorf("%w: %s is owned by %s", ErrAgentMismatch, sessionID, s.AgentID)
	}
	r.current[agentID] = sessionID
	return nil
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot serializes a session, including its full log, as JSON.
func (r *Registry) Snapshot(sessionID string) ([]byte, error) {
	s, ok := r.Get(sessionID)
	if !ok {
		return nil, fmt.Errorf("snapshot %s: %w", sessionID, ErrNotFound)
	}
	return json.Marshal(s)
}

// Replay rebuilds a session from a [Registry.Snapshot] by creating it
// and appending every message in order. IDs, content, kinds and
// timestamps are preserved.
func (r *Registry) Replay(data []byte) (*Session, error) {
	var snap Session
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.ID == "" || snap.AgentID == "" {
		return nil, errors.New("snapshot missing session or agent id")
	}
	if _, _, err := r.GetOrCreate(snap.AgentID, snap.ID); err != nil {
		return nil, err
	}
	for _, m := range snap.Messages {
		if err := r.Append(snap.ID, m); err != nil {
			return nil, err
		}
	}
	s, _ := r.Get(snap.ID)
	return s, nil
}

// summarize builds the advisory one-line summary shown in UIs.
func summarize(msgs []Message) string {
	start := len(msgs) - summaryWindow
	if start < 0 {
		start = 0
	}
	parts := make([]string, 0, summaryWindow)
	for _, m := range msgs[start:] {
		parts = append(parts, fmt.Sprintf("%s: %s", m.Kind, truncate(oneLine(m.Content), 80)))
	}
	return strings.Join(parts, " | ")
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func (s *Session) copy() *Session {
	msgs := make([]Message, len(s.Messages))
	copy(msgs, s.Messages)
	return &Session{
		ID:         s.ID,
		AgentID:    s.AgentID,
		Messages:   msgs,
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
		Summary:    s.Summary,
		Generation: s.Generation,
	}
}
