// Package delegate carries out the inter-agent actions. AGENT_CALL runs
// the target agent synchronously and resumes the caller with whatever
// the target hands back; AGENT_DELEGATE hands input to the target and
// returns at once. Every exchange is announced to the sessions involved
// and can be recorded in a [Store].
package delegate

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/nugget/parley/internal/action"
	"github.com/nugget/parley/internal/agent"
	"github.com/nugget/parley/internal/config"
	"github.com/nugget/parley/internal/events"
	"github.com/nugget/parley/internal/session"
)

// Turns is the view of the agent pool the coordinator drives.
// [agent.Pool] implements it.
type Turns interface {
	HasAgent(agentID string) bool
	AgentName(agentID string) string
	// CurrentSession reports the agent's current session without
	// creating one.
	CurrentSession(agentID string) (string, bool)
	// EnsureSession returns the agent's current session, creating one
	// if needed.
	EnsureSession(agentID string) (string, error)
	RunTurn(ctx context.Context, agentID, sessionID string, in session.Message) (agent.Result, error)
}

// PendingCall is an agent call whose callee has not returned yet.
type PendingCall struct {
	CallerAgentID   string    `json:"caller_agent_id"`
	CallerSessionID string    `json:"caller_session_id"`
	CalleeAgentID   string    `json:"callee_agent_id"`
	CalleeSessionID string    `json:"callee_session_id"`
	UserInput       string    `json:"user_input"`
	StartedAt       time.Time `json:"started_at"`
}

// Coordinator implements [agent.Coordinator].
type Coordinator struct {
	turns Turns
	emit  events.Emitter
	store *Store

	maxDepth    int
	callTimeout time.Duration

	mu      sync.Mutex
	pending map[string]PendingCall // keyed by caller session

	delegations sync.WaitGroup
	logger      *slog.Logger
}

var _ agent.Coordinator = (*Coordinator)(nil)

// NewCoordinator creates a coordinator over turns. Announcements go to
// emit.
func NewCoordinator(turns Turns, emit events.Emitter, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if emit == nil {
		emit = events.EmitterFunc(func(events.Envelope) {})
	}
	return &Coordinator{
		turns:       turns,
		emit:        emit,
		maxDepth:    config.DefaultMaxCallDepth,
		callTimeout: config.DefaultCallTimeout,
		pending:     make(map[string]PendingCall),
		logger:      logger,
	}
}

// SetStore enables exchange records.
func (c *Coordinator) SetStore(s *Store) {
	c.store = s
}

// SetLimits overrides the call depth cap and the call timeout. Values
// of zero or less leave the current setting.
func (c *Coordinator) SetLimits(maxDepth int, callTimeout time.Duration) {
	if maxDepth > 0 {
		c.maxDepth = maxDepth
	}
	if callTimeout > 0 {
		c.callTimeout = callTimeout
	}
}

// Pending lists outstanding agent calls, oldest first.
func (c *Coordinator) Pending() []PendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PendingCall, 0, len(c.pending))
	for _, p := range c.pending {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Wait blocks until every delegated turn started so far has finished.
func (c *Coordinator) Wait() {
	c.delegations.Wait()
}

type chainKey struct{}

// chainFrom returns the callers waiting on nested agent calls above the
// turn that owns ctx, outermost first.
func chainFrom(ctx context.Context) []agent.Caller {
	chain, _ := ctx.Value(chainKey{}).([]agent.Caller)
	return chain
}

func withChain(ctx context.Context, chain []agent.Caller) context.Context {
	return context.WithValue(ctx, chainKey{}, chain)
}

// Check validates an inter-agent action before anything is mutated.
// Delegations only need a distinct, known target; calls are also
// subject to the outstanding-call, cycle and depth rules.
func (c *Coordinator) Check(ctx context.Context, caller agent.Caller, target string, expectsReturn bool) error {
	if target == caller.AgentID {
		return fmt.Errorf("%w: %s", ErrSelfTarget, target)
	}
	if !c.turns.HasAgent(target) {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, target)
	}
	if !expectsReturn {
		return nil
	}

	c.mu.Lock()
	_, busy := c.pending[caller.SessionID]
	c.mu.Unlock()
	if busy {
		return fmt.Errorf("%w: %s", ErrCallOutstanding, caller.SessionID)
	}

	chain := chainFrom(ctx)
	if len(chain) >= c.maxDepth {
		return fmt.Errorf("%w: limit %d", ErrCallDepth, c.maxDepth)
	}
	if sid, ok := c.turns.CurrentSession(target); ok {
		for _, waiting := range chain {
			if waiting.SessionID == sid {
				return fmt.Errorf("%w: %s/%s", ErrCallCycle, target, sid)
			}
		}
	}
	return nil
}

type outcome struct {
	res agent.Result
	err error
}

// Call runs a.TargetAgent on its current session and waits for it to
// finish, up to the call timeout. The callee's AGENT_RETURN is handed
// back as-is; any other terminal action counts as an implicit return
// carrying its content. A timeout yields a failed return.
func (c *Coordinator) Call(ctx context.Context, caller agent.Caller, a *action.AgentCall) (*action.AgentReturn, error) {
	if err := c.Check(ctx, caller, a.TargetAgent, true); err != nil {
		return nil, err
	}

	start := time.Now()
	pc := PendingCall{
		CallerAgentID:   caller.AgentID,
		CallerSessionID: caller.SessionID,
		CalleeAgentID:   a.TargetAgent,
		UserInput:       a.UserInput,
		StartedAt:       start,
	}
	c.mu.Lock()
	if _, busy := c.pending[caller.SessionID]; busy {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrCallOutstanding, caller.SessionID)
	}
	c.pending[caller.SessionID] = pc
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, caller.SessionID)
		c.mu.Unlock()
	}()

	calleeSession, err := c.turns.EnsureSession(a.TargetAgent)
	if err != nil {
		return nil, fmt.Errorf("open session for %s: %w", a.TargetAgent, err)
	}
	pc.CalleeSessionID = calleeSession
	c.mu.Lock()
	c.pending[caller.SessionID] = pc
	c.mu.Unlock()

	chain := append(slices.Clone(chainFrom(ctx)), caller)
	c.logger.Info("agent call started",
		"caller", caller.AgentID,
		"caller_session", caller.SessionID,
		"callee", a.TargetAgent,
		"callee_session", calleeSession,
		"depth", len(chain),
	)

	call := events.AgentCallAnnouncement{
		CallingAgent:  caller.AgentID,
		CalleeAgent:   a.TargetAgent,
		Reason:        reason(a.Reasoning, a.UserInput),
		ExpectsReturn: true,
	}
	c.announce(caller.AgentID, caller.SessionID, call)
	c.announce(a.TargetAgent, calleeSession, call)

	in := session.NewMessage(caller.AgentID, session.KindUserInput, callInput(caller.AgentID, a.UserInput))
	in.Metadata = map[string]string{
		"called_by":      caller.AgentID,
		"caller_session": caller.SessionID,
	}

	tctx, cancel := context.WithTimeout(withChain(ctx, chain), c.callTimeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		res, err := c.turns.RunTurn(tctx, a.TargetAgent, calleeSession, in)
		done <- outcome{res: res, err: err}
	}()

	var ret *action.AgentReturn
	var turnErr error
	timedOut := false
	select {
	case out := <-done:
		turnErr = out.err
		ret = c.returnFrom(caller.AgentID, a.TargetAgent, out)
	case <-tctx.Done():
		timedOut = true
		turnErr = tctx.Err()
		ret = &action.AgentReturn{
			ReturnToAgent:  caller.AgentID,
			ReturningAgent: a.TargetAgent,
			Success:        false,
			Reasoning:      fmt.Sprintf("no return from %s: %v", a.TargetAgent, tctx.Err()),
		}
		c.logger.Warn("agent call timed out",
			"caller", caller.AgentID,
			"callee", a.TargetAgent,
			"timeout", c.callTimeout,
		)
	}

	back := events.AgentReturnAnnouncement{
		ReturningAgent: a.TargetAgent,
		ReturnToAgent:  caller.AgentID,
		Success:        ret.Success,
		Reason:         ret.Reasoning,
	}
	c.announce(a.TargetAgent, calleeSession, back)
	c.announce(caller.AgentID, caller.SessionID, back)

	c.record(&Record{
		Kind:          KindCall,
		CallerAgent:   caller.AgentID,
		CallerSession: caller.SessionID,
		CalleeAgent:   a.TargetAgent,
		CalleeSession: calleeSession,
		UserInput:     a.UserInput,
		Result:        ret.Reasoning,
		Success:       ret.Success,
		TimedOut:      timedOut,
		Depth:         len(chain),
		StartedAt:     start,
	}, turnErr)

	c.logger.Info("agent call returned",
		"caller", caller.AgentID,
		"callee", a.TargetAgent,
		"success", ret.Success,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return ret, nil
}

func (c *Coordinator) returnFrom(callerID, calleeID string, out outcome) *action.AgentReturn {
	if out.err != nil {
		return &action.AgentReturn{
			ReturnToAgent:  callerID,
			ReturningAgent: calleeID,
			Success:        false,
			Reasoning:      fmt.Sprintf("%s could not finish: %v", calleeID, out.err),
		}
	}
	if r, ok := out.res.Action.(*action.AgentReturn); ok {
		ret := *r
		if ret.ReturnToAgent != callerID {
			c.logger.Warn("agent returned to the wrong caller",
				"callee", calleeID,
				"return_to", ret.ReturnToAgent,
				"caller", callerID,
			)
			ret.ReturnToAgent = callerID
		}
		ret.ReturningAgent = calleeID
		return &ret
	}
	return &action.AgentReturn{
		ReturnToAgent:  callerID,
		ReturningAgent: calleeID,
		Success:        !out.res.Failed,
		Reasoning:      out.res.Content,
	}
}

// Delegate hands a.UserInput to the target agent's current session and
// returns without waiting. The delegated turn starts a new call chain
// and is bounded by the call timeout.
func (c *Coordinator) Delegate(ctx context.Context, caller agent.Caller, a *action.AgentDelegate) error {
	if err := c.Check(ctx, caller, a.TargetAgent, false); err != nil {
		return err
	}
	targetSession, err := c.turns.EnsureSession(a.TargetAgent)
	if err != nil {
		return fmt.Errorf("open session for %s: %w", a.TargetAgent, err)
	}

	c.announce(a.TargetAgent, targetSession, events.DelegationAnnouncement{
		DelegatingAgent: caller.AgentID,
		DelegatedAgent:  a.TargetAgent,
		Reason:          reason(a.Reasoning, a.UserInput),
	})
	c.logger.Info("delegated",
		"from", caller.AgentID,
		"from_session", caller.SessionID,
		"to", a.TargetAgent,
		"to_session", targetSession,
	)

	in := session.NewMessage(caller.AgentID, session.KindUserInput, a.UserInput)
	in.Metadata = map[string]string{
		"delegated_by":   caller.AgentID,
		"caller_session": caller.SessionID,
	}

	dctx, cancel := context.WithTimeout(withChain(context.WithoutCancel(ctx), nil), c.callTimeout)
	c.delegations.Add(1)
	go func() {
		defer c.delegations.Done()
		defer cancel()

		start := time.Now()
		res, err := c.turns.RunTurn(dctx, a.TargetAgent, targetSession, in)
		if err != nil {
			c.logger.Warn("delegated turn discarded", "agent", a.TargetAgent, "session", targetSession, "error", err)
		}
		c.record(&Record{
			Kind:          KindDelegate,
			CallerAgent:   caller.AgentID,
			CallerSession: caller.SessionID,
			CalleeAgent:   a.TargetAgent,
			CalleeSession: targetSession,
			UserInput:     a.UserInput,
			Result:        res.Content,
			Success:       err == nil && !res.Failed,
			StartedAt:     start,
		}, err)
	}()
	return nil
}

func (c *Coordinator) announce(agentID, sessionID string, body events.Body) {
	c.emit.Emit(events.New(agentID, c.turns.AgentName(agentID), sessionID, body))
}

func (c *Coordinator) record(rec *Record, err error) {
	if c.store == nil {
		return
	}
	rec.ID = session.NewID()
	rec.CompletedAt = time.Now()
	rec.DurationMs = rec.CompletedAt.Sub(rec.StartedAt).Milliseconds()
	if err != nil {
		rec.Error = err.Error()
	}
	if err := c.store.Record(rec); err != nil {
		c.logger.Warn("failed to record exchange", "kind", rec.Kind, "error", err)
	}
}

func reason(reasoning, input string) string {
	if reasoning != "" {
		return reasoning
	}
	return input
}

func callInput(caller, input string) string {
	return fmt.Sprintf("%s\n\n(Requested by agent %s. Reply with AGENT_RETURN to %s when finished.)", input, caller, caller)
}
