package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/parley/internal/budget"
	"github.com/nugget/parley/internal/config"
	"github.com/nugget/parley/internal/events"
	"github.com/nugget/parley/internal/llm"
	"github.com/nugget/parley/internal/session"
	"github.com/nugget/parley/internal/tools"
)

// ErrUnknownAgent is returned for inbound requests naming an agent that
// is not configured.
var ErrUnknownAgent = errors.New("unknown agent")

// Reasons carried by session_closed envelopes.
const (
	CloseReasonClosed  = "closed"
	CloseReasonRefresh = "refresh"
	CloseReasonExpired = "expired"
)

// PoolConfig holds everything a [Pool] is built from.
type PoolConfig struct {
	Agents   []config.AgentConfig
	Limits   config.LimitsConfig
	Sessions *session.Registry
	Invoker  llm.Invoker
	Tools    *tools.Registry
	Budget   *budget.Accountant
	Emitter  events.Emitter
	Logger   *slog.Logger
}

// AgentInfo describes a configured agent for listings.
type AgentInfo struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Model          string `json:"model"`
	CurrentSession string `json:"current_session,omitempty"`
	Sessions       int    `json:"sessions"`
}

// Pool owns one [Executor] per configured agent and is the boundary
// inbound control messages go through. Turns on the same session never
// overlap: each runs under that session's turn lock, so a session's
// envelopes are emitted in the order its turns produce them.
type Pool struct {
	executors map[string]*Executor
	order     []string
	refine    map[string]*config.RefineConfig

	sessions *session.Registry
	emit     events.Emitter
	logger   *slog.Logger

	locksMu sync.Mutex
	locks   map[string]*turnLock
}

// turnLock is a session's turn lock. The one-slot channel lets a waiter
// give up when its context ends; refs counts holders and waiters so the
// entry outlives a close of the session it guards.
type turnLock struct {
	slot chan struct{}
	refs int
}

// NewPool builds executors for every agent in pc.Agents.
func NewPool(pc PoolConfig) *Pool {
	logger := pc.Logger
	if logger == nil {
		logger = slog.Default()
	}
	emit := pc.Emitter
	if emit == nil {
		emit = events.EmitterFunc(func(events.Envelope) {})
	}
	sessions := pc.Sessions
	if sessions == nil {
		sessions = session.NewRegistry(logger)
	}

	p := &Pool{
		executors: make(map[string]*Executor, len(pc.Agents)),
		refine:    make(map[string]*config.RefineConfig),
		sessions:  sessions,
		emit:      emit,
		logger:    logger,
		locks:     make(map[string]*turnLock),
	}
	for _, def := range pc.Agents {
		ex := NewExecutor(def, ExecutorDeps{
			Invoker:  pc.Invoker,
			Tools:    pc.Tools,
			Sessions: sessions,
			Budget:   pc.Budget,
			Emitter:  emit,
			Logger:   logger,
		})
		ex.SetMaxToolIterations(pc.Limits.MaxToolIterations)
		p.executors[def.ID] = ex
		p.order = append(p.order, def.ID)
		if def.Refine != nil {
			p.refine[def.ID] = def.Refine
		}
	}
	return p
}

// SetCoordinator enables inter-agent actions on every executor.
func (p *Pool) SetCoordinator(c Coordinator) {
	for _, ex := range p.executors {
		ex.SetCoordinator(c)
	}
}

// Sessions returns the registry the pool records into.
func (p *Pool) Sessions() *session.Registry {
	return p.sessions
}

// Executor returns the executor for an agent.
func (p *Pool) Executor(agentID string) (*Executor, bool) {
	ex, ok := p.executors[agentID]
	return ex, ok
}

// HasAgent reports whether agentID is configured.
func (p *Pool) HasAgent(agentID string) bool {
	_, ok := p.executors[agentID]
	return ok
}

// AgentName returns the display name of an agent, or its ID when it is
// not configured.
func (p *Pool) AgentName(agentID string) string {
	if ex, ok := p.executors[agentID]; ok {
		return ex.Name()
	}
	return agentID
}

// Agents lists the configured agents in configuration order.
func (p *Pool) Agents() []AgentInfo {
	out := make([]AgentInfo, 0, len(p.order))
	for _, id := range p.order {
		ex := p.executors[id]
		cur, _ := p.sessions.Current(id)
		out = append(out, AgentInfo{
			ID:             id,
			Name:           ex.Name(),
			Model:          ex.Model(),
			CurrentSession: cur,
			Sessions:       len(p.sessions.ListForAgent(id)),
		})
	}
	return out
}

func (p *Pool) executor(agentID string) (*Executor, error) {
	ex, ok := p.executors[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	return ex, nil
}

// HandleChat answers an inbound chat_message. An empty sessionID
// targets the agent's current session, creating one if the agent has
// none. A newly created session is announced with session_created,
// system_prompt and seed_prompts before the turn runs.
func (p *Pool) HandleChat(ctx context.Context, agentID, sessionID, content string) (Result, error) {
	ex, err := p.executor(agentID)
	if err != nil {
		return Result{}, err
	}
	if sessionID == "" {
		if cur, ok := p.sessions.Current(agentID); ok {
			sessionID = cur
		} else {
			sessionID = session.NewID()
		}
	}

	unlock, err := p.lockSession(ctx, sessionID)
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	if err := p.open(ex, sessionID); err != nil {
		return Result{}, err
	}
	if err := p.sessions.SetCurrent(agentID, sessionID); err != nil {
		return Result{}, err
	}
	gen, ok := p.sessions.Generation(sessionID)
	if !ok {
		return Result{}, fmt.Errorf("chat on %s: %w", sessionID, session.ErrNotFound)
	}

	p.logger.Info("chat received", "agent", agentID, "session", sessionID, "length", len(content))
	start := time.Now()

	res, err := ex.turnOn(ctx, sessionID, gen, session.NewMessage(agentID, session.KindUserInput, content))
	if err != nil {
		return res, err
	}
	res, err = p.refineLoop(ctx, ex, sessionID, gen, res)

	p.logger.Info("turn complete",
		"agent", agentID,
		"session", sessionID,
		"action", actionKind(res.Action),
		"failed", res.Failed,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return res, err
}

// RunTurn runs one turn on an existing session under its turn lock. It
// is the entry point for turns started by another agent.
func (p *Pool) RunTurn(ctx context.Context, agentID, sessionID string, in session.Message) (Result, error) {
	ex, err := p.executor(agentID)
	if err != nil {
		return Result{}, err
	}
	unlock, err := p.lockSession(ctx, sessionID)
	if err != nil {
		return Result{}, err
	}
	defer unlock()
	return ex.Turn(ctx, sessionID, in)
}

// CurrentSession returns the agent's current session without creating
// one.
func (p *Pool) CurrentSession(agentID string) (string, bool) {
	return p.sessions.Current(agentID)
}

// EnsureSession returns the agent's current session, creating and
// announcing a new one if it has none.
func (p *Pool) EnsureSession(agentID string) (string, error) {
	if cur, ok := p.sessions.Current(agentID); ok {
		return cur, nil
	}
	return p.CreateSession(agentID, "")
}

// CreateSession opens sessionID for agentID (a generated ID when empty)
// and makes it the agent's current session.
func (p *Pool) CreateSession(agentID, sessionID string) (string, error) {
	ex, err := p.executor(agentID)
	if err != nil {
		return "", err
	}
	if sessionID == "" {
		sessionID = session.NewID()
	}
	if err := p.open(ex, sessionID); err != nil {
		return "", err
	}
	if err := p.sessions.SetCurrent(agentID, sessionID); err != nil {
		return "", err
	}
	return sessionID, nil
}

// Refresh answers agent_refresh: the agent's current session is closed
// and a fresh one takes its place.
func (p *Pool) Refresh(agentID string) (string, error) {
	if _, err := p.executor(agentID); err != nil {
		return "", err
	}
	if cur, ok := p.sessions.Current(agentID); ok {
		p.CloseSession(cur, CloseReasonRefresh)
	}
	return p.CreateSession(agentID, "")
}

// CloseSession removes a session and announces it with session_closed.
// Turns still running on it finish without recording or emitting
// anything, even if a new session is opened under the same ID. It
// returns false if the session did not exist.
func (p *Pool) CloseSession(sessionID, reason string) bool {
	s, ok := p.sessions.Get(sessionID)
	if !ok || !p.sessions.Close(sessionID) {
		return false
	}
	p.logger.Info("session closed", "agent", s.AgentID, "session", sessionID, "reason", reason)
	p.emit.Emit(events.New(s.AgentID, p.AgentName(s.AgentID), sessionID, events.SessionClosed{Reason: reason}))
	return true
}

// Sweep closes sessions idle for longer than maxAge and returns their
// IDs.
func (p *Pool) Sweep(maxAge time.Duration) []string {
	swept := p.sessions.SweepOlderThan(maxAge)
	ids := make([]string, 0, len(swept))
	for _, s := range swept {
		p.emit.Emit(events.New(s.AgentID, p.AgentName(s.AgentID), s.ID, events.SessionClosed{Reason: CloseReasonExpired}))
		ids = append(ids, s.ID)
	}
	if len(ids) > 0 {
		p.logger.Info("idle sessions swept", "count", len(ids), "max_age", maxAge)
	}
	return ids
}

// Usage reports a session's context budget against its agent's model.
func (p *Pool) Usage(sessionID string) (budget.Usage, error) {
	s, ok := p.sessions.Get(sessionID)
	if !ok {
		return budget.Usage{}, fmt.Errorf("usage %s: %w", sessionID, session.ErrNotFound)
	}
	ex, err := p.executor(s.AgentID)
	if err != nil {
		return budget.Usage{}, err
	}
	return ex.Usage(sessionID), nil
}

// open creates sessionID if needed and announces it.
func (p *Pool) open(ex *Executor, sessionID string) error {
	_, created, err := p.sessions.GetOrCreate(ex.ID(), sessionID)
	if err != nil {
		return err
	}
	if !created {
		return nil
	}

	p.logger.Info("session created", "agent", ex.ID(), "session", sessionID)
	seeds := ex.Seeds()
	items := make([]events.Seed, len(seeds))
	for i, s := range seeds {
		items[i] = events.Seed{Role: s.Role, Content: s.Content}
	}
	p.emit.Emit(ex.envelope(sessionID, events.SessionCreated{}))
	p.emit.Emit(ex.envelope(sessionID, events.SystemPrompt{Content: ex.SystemPrompt()}))
	p.emit.Emit(ex.envelope(sessionID, events.SeedPrompts{Items: items}))
	return nil
}

// lockSession waits for the session's turn lock. It returns ctx.Err()
// if ctx ends first.
func (p *Pool) lockSession(ctx context.Context, sessionID string) (func(), error) {
	p.locksMu.Lock()
	l, ok := p.locks[sessionID]
	if !ok {
		l = &turnLock{slot: make(chan struct{}, 1)}
		p.locks[sessionID] = l
	}
	l.refs++
	p.locksMu.Unlock()

	select {
	case l.slot <- struct{}{}:
		return func() {
			<-l.slot
			p.releaseLock(sessionID, l)
		}, nil
	case <-ctx.Done():
		p.releaseLock(sessionID, l)
		return nil, fmt.Errorf("wait for session %s: %w", sessionID, ctx.Err())
	}
}

func (p *Pool) releaseLock(sessionID string, l *turnLock) {
	p.locksMu.Lock()
	defer p.locksMu.Unlock()
	l.refs--
	if l.refs == 0 && p.locks[sessionID] == l {
		delete(p.locks, sessionID)
	}
}
