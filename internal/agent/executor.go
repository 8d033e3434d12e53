// Package agent runs agent turns. An [Executor] drives one agent's
// decision loop: render the prompt, ask the model, parse the reply into
// an action and apply it, looping for tool calls and agent calls until
// the model produces a terminal action. A [Pool] owns one executor per
// configured agent and serializes turns per session.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/parley/internal/action"
	"github.com/nugget/parley/internal/budget"
	"github.com/nugget/parley/internal/config"
	"github.com/nugget/parley/internal/events"
	"github.com/nugget/parley/internal/llm"
	"github.com/nugget/parley/internal/session"
	"github.com/nugget/parley/internal/tools"
)

// DefaultMaxToolIterations bounds consecutive re-entries (tool calls and
// agent calls) within one external input.
const DefaultMaxToolIterations = config.DefaultMaxToolIterations

// Caller identifies the agent session that issued an inter-agent action.
type Caller struct {
	AgentID   string
	SessionID string
}

// Coordinator carries out AGENT_CALL and AGENT_DELEGATE on behalf of an
// executor.
type Coordinator interface {
	// Check reports whether caller may target agentID. It must not
	// touch any session. Errors are protocol violations.
	Check(ctx context.Context, caller Caller, targetAgent string, expectsReturn bool) error
	// Call runs the target agent synchronously and returns what it
	// handed back. A call that times out returns a failed AgentReturn,
	// not an error.
	Call(ctx context.Context, caller Caller, a *action.AgentCall) (*action.AgentReturn, error)
	// Delegate hands userInput to the target agent without waiting.
	Delegate(ctx context.Context, caller Caller, a *action.AgentDelegate) error
}

// Result is the terminal outcome of a turn.
type Result struct {
	AgentID   string
	SessionID string
	Action    action.Action
	Content   string
	// Failed is set when the turn ended on a recovered failure: a model
	// error, an unparseable reply, a protocol violation or the
	// iteration bound.
	Failed bool
}

// Executor runs turns for one agent. The agent definition (system
// prompt, seed messages, model) is read once at construction.
type Executor struct {
	id     string
	name   string
	model  string
	system string
	seeds  []llm.Message

	invoker  llm.Invoker
	tools    *tools.Registry
	sessions *session.Registry
	budget   *budget.Accountant
	emit     events.Emitter
	coord    Coordinator

	maxToolIterations int
	logger            *slog.Logger
}

// ExecutorDeps are the collaborators an executor needs.
type ExecutorDeps struct {
	Invoker  llm.Invoker
	Tools    *tools.Registry
	Sessions *session.Registry
	Budget   *budget.Accountant
	Emitter  events.Emitter
	Logger   *slog.Logger
}

// NewExecutor builds an executor for def. Tools outside def.Tools are
// hidden from the agent.
func NewExecutor(def config.AgentConfig, deps ExecutorDeps) *Executor {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	emit := deps.Emitter
	if emit == nil {
		emit = events.EmitterFunc(func(events.Envelope) {})
	}
	reg := deps.Tools
	if reg == nil {
		reg = tools.NewRegistry(logger)
	}
	reg = reg.Filter(def.Tools)

	seeds := make([]llm.Message, len(def.SeedPrompts))
	for i, s := range def.SeedPrompts {
		seeds[i] = llm.Message{Role: s.Role, Content: s.Content}
	}

	return &Executor{
		id:                def.ID,
		name:              def.Name,
		model:             def.Model,
		system:            composeSystem(def.SystemPrompt, reg),
		seeds:             seeds,
		invoker:           deps.Invoker,
		tools:             reg,
		sessions:          deps.Sessions,
		budget:            deps.Budget,
		emit:              emit,
		maxToolIterations: DefaultMaxToolIterations,
		logger:            logger.With("agent", def.ID),
	}
}

// SetCoordinator enables AGENT_CALL and AGENT_DELEGATE. Without one both
// are answered with an error response.
func (e *Executor) SetCoordinator(c Coordinator) {
	e.coord = c
}

// SetMaxToolIterations overrides the re-entry bound.
func (e *Executor) SetMaxToolIterations(n int) {
	if n > 0 {
		e.maxToolIterations = n
	}
}

// ID returns the agent ID.
func (e *Executor) ID() string { return e.id }

// Name returns the agent's display name.
func (e *Executor) Name() string { return e.name }

// Model returns the model the agent runs on.
func (e *Executor) Model() string { return e.model }

// SystemPrompt returns the system prompt sent with every request,
// including the response format and tool list.
func (e *Executor) SystemPrompt() string { return e.system }

// Seeds returns a copy of the agent's seed messages.
func (e *Executor) Seeds() []llm.Message {
	out := make([]llm.Message, len(e.seeds))
	copy(out, e.seeds)
	return out
}

func composeSystem(prompt string, reg *tools.Registry) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(prompt))
	sb.WriteString("\n\n")
	sb.WriteString(action.ResponseFormat)
	if desc := reg.Describe(); desc != "" {
		sb.WriteString("\n\n")
		sb.WriteString(desc)
	}
	return sb.String()
}

// Turn appends in to the session and runs the decision loop until the
// model produces a terminal action. Envelopes are emitted as the turn
// progresses. The only error returned is [session.ErrNotFound] (wrapped)
// when the session disappears mid-turn; every other failure becomes an
// error-severity response and a Result with Failed set.
//
// Turn does not serialize callers; the [Pool] holds a per-session lock
// around it.
func (e *Executor) Turn(ctx context.Context, sessionID string, in session.Message) (Result, error) {
	gen, ok := e.sessions.Generation(sessionID)
	if !ok {
		return Result{}, fmt.Errorf("turn on %s: %w", sessionID, session.ErrNotFound)
	}
	return e.turnOn(ctx, sessionID, gen, in)
}

// turnOn runs a turn pinned to one incarnation of the session.
func (e *Executor) turnOn(ctx context.Context, sessionID string, gen uint64, in session.Message) (Result, error) {
	if in.AgentID == "" {
		in.AgentID = e.id
	}
	t := &turn{e: e, ctx: ctx, sessionID: sessionID, gen: gen}
	if err := t.append(in); err != nil {
		return Result{}, err
	}
	for {
		raw, err := e.invoker.Complete(ctx, e.model, e.prompt(sessionID))
		if err != nil {
			e.logger.Warn("model call failed", "session", sessionID, "model", e.model, "error", err)
			return t.fail(fmt.Sprintf("Model error: %v", err))
		}
		e.logger.Log(ctx, config.LevelTrace, "model reply", "session", sessionID, "raw", raw)

		act, err := action.Parse(raw)
		if err != nil {
			var pe *action.ParseError
			if errors.As(err, &pe) {
				e.logger.Warn("unparseable model reply", "session", sessionID, "reason", pe.Reason)
				return t.fail(fmt.Sprintf("Could not parse model response (%s). Raw response: %s", pe.Reason, pe.Raw))
			}
			return t.fail(err.Error())
		}
		e.logger.Debug("action parsed", "session", sessionID, "action", act.Kind())

		t.next = false
		if err := act.Accept(t); err != nil {
			return Result{}, err
		}
		if !t.next {
			return t.result, nil
		}
	}
}

// prompt renders the system prompt, the seed messages and the session
// log, in that order. The input being answered is the last entry of the
// log.
func (e *Executor) prompt(sessionID string) llm.Prompt {
	log := e.sessions.Messages(sessionID)
	msgs := make([]llm.Message, 0, len(e.seeds)+len(log))
	msgs = append(msgs, e.seeds...)
	for _, m := range log {
		msgs = append(msgs, llm.Message{Role: m.Role(), Content: m.Content})
	}
	return llm.Prompt{System: e.system, Messages: msgs}
}

// Usage reports the context budget of a session against this agent's
// model.
func (e *Executor) Usage(sessionID string) budget.Usage {
	return e.budget.Usage(e.sessions.Messages(sessionID), e.model)
}

func (e *Executor) envelope(sessionID string, body events.Body) events.Envelope {
	return events.New(e.id, e.name, sessionID, body)
}

// turn is the state of one Turn call. It dispatches parsed actions; each
// method either finishes the turn (setting result) or queues another
// model round (setting next).
type turn struct {
	e         *Executor
	ctx       context.Context
	sessionID string
	// gen pins the turn to the session incarnation it started on.
	gen uint64

	iterations int
	next       bool
	result     Result
}

var _ action.Visitor = (*turn)(nil)

func (t *turn) Chat(a *action.Chat) error {
	msg := t.message(session.KindChat, a.Content, a)
	if err := t.append(msg); err != nil {
		return err
	}
	t.respond(events.AgentResponse{
		Content:   a.Content,
		Reasoning: a.Reasoning,
	}, msg)
	t.finish(a, a.Content, false)
	return nil
}

func (t *turn) ToolCall(a *action.ToolCall) error {
	if t.iterations >= t.e.maxToolIterations {
		return t.exhausted()
	}
	t.iterations++

	args := a.Args
	if args == nil {
		args = map[string]any{}
	}
	call := t.message(session.KindToolCall, callContent(a), a)
	call.ToolName = a.Tool
	call.ToolArgs = args
	if err := t.append(call); err != nil {
		return err
	}

	res := t.e.tools.Run(t.ctx, a.Tool, args)

	ret := t.message(session.KindToolReturn, fmt.Sprintf("Tool %s returned: %s", a.Tool, res.Result), nil)
	ret.Action = action.KindToolReturn
	ret.ToolName = a.Tool
	ret.ToolResult = res.Result
	ret.Metadata = map[string]string{"success": fmt.Sprint(res.Success)}
	if err := t.append(ret); err != nil {
		return err
	}
	t.emit(events.AgentResponse{
		Content:     res.Result,
		Action:      string(action.KindToolReturn),
		MessageType: string(session.KindToolReturn),
		ToolName:    a.Tool,
		Severity:    events.SeverityInfo,
	})
	t.next = true
	return nil
}

// callContent records a tool call the way the model wrote it, so the
// next prompt shows the model its own request.
func callContent(a *action.ToolCall) string {
	raw, err := action.Marshal(a)
	if err != nil {
		return fmt.Sprintf("Calling tool %s", a.Tool)
	}
	return string(raw)
}

func (t *turn) ToolReturn(a *action.ToolReturn) error {
	msg := t.message(session.KindToolReturn, a.Result, a)
	msg.ToolName = a.Tool
	msg.ToolResult = a.Result
	msg.Metadata = map[string]string{"success": fmt.Sprint(a.Success)}
	if err := t.append(msg); err != nil {
		return err
	}
	t.respond(events.AgentResponse{Content: a.Result, ToolName: a.Tool}, msg)
	t.finish(a, a.Result, false)
	return nil
}

func (t *turn) Delegate(a *action.AgentDelegate) error {
	a.CallerAgent = t.e.id
	if err := t.check(a.TargetAgent, false); err != nil {
		t.reject(a, a.TargetAgent, err)
		return nil
	}

	msg := t.message(session.KindDelegate, a.UserInput, a)
	msg.TargetAgentID = a.TargetAgent
	if err := t.append(msg); err != nil {
		return err
	}
	t.respond(events.AgentResponse{
		Content:       a.UserInput,
		Reasoning:     a.Reasoning,
		TargetAgentID: a.TargetAgent,
	}, msg)
	t.finish(a, a.UserInput, false)

	if err := t.e.coord.Delegate(t.ctx, t.caller(), a); err != nil {
		t.e.logger.Warn("delegation failed", "session", t.sessionID, "target", a.TargetAgent, "error", err)
		t.emitError(fmt.Sprintf("Delegation to %s failed: %v", a.TargetAgent, err))
		t.result.Failed = true
	}
	return nil
}

func (t *turn) AgentCall(a *action.AgentCall) error {
	a.CallerAgent = t.e.id
	if t.iterations >= t.e.maxToolIterations {
		return t.exhausted()
	}
	if err := t.check(a.TargetAgent, true); err != nil {
		t.reject(a, a.TargetAgent, err)
		return nil
	}
	t.iterations++

	msg := t.message(session.KindAgentCall, a.UserInput, a)
	msg.TargetAgentID = a.TargetAgent
	if err := t.append(msg); err != nil {
		return err
	}
	t.emit(events.AgentResponse{
		Content:       a.UserInput,
		Action:        string(action.KindAgentCall),
		Reasoning:     a.Reasoning,
		MessageType:   string(session.KindAgentCall),
		TargetAgentID: a.TargetAgent,
		Severity:      events.SeverityInfo,
	})

	ret, err := t.e.coord.Call(t.ctx, t.caller(), a)
	if err != nil {
		t.reject(a, a.TargetAgent, err)
		return nil
	}

	resume := t.message(session.KindAgentReturn, returnContent(a.TargetAgent, ret), nil)
	resume.TargetAgentID = a.TargetAgent
	resume.Reasoning = ret.Reasoning
	resume.Metadata = map[string]string{"success": fmt.Sprint(ret.Success)}
	if err := t.append(resume); err != nil {
		return err
	}
	t.next = true
	return nil
}

func returnContent(from string, ret *action.AgentReturn) string {
	status := "succeeded"
	if !ret.Success {
		status = "failed"
	}
	return fmt.Sprintf("Agent %s returned (%s): %s", from, status, ret.Reasoning)
}

func (t *turn) AgentReturn(a *action.AgentReturn) error {
	a.ReturningAgent = t.e.id
	msg := t.message(session.KindAgentReturn, a.Reasoning, a)
	msg.TargetAgentID = a.ReturnToAgent
	msg.Metadata = map[string]string{"success": fmt.Sprint(a.Success)}
	if err := t.append(msg); err != nil {
		return err
	}
	t.respond(events.AgentResponse{
		Content:       a.Reasoning,
		TargetAgentID: a.ReturnToAgent,
	}, msg)
	t.finish(a, a.Reasoning, false)
	return nil
}

func (t *turn) Refinement(a *action.Refinement) error {
	content := a.NewPlan
	if content == "" {
		content = a.Why
	}
	msg := t.message(session.KindRefinement, content, a)
	msg.Metadata = map[string]string{
		"done":  a.Done,
		"score": fmt.Sprint(a.Score),
	}
	if err := t.append(msg); err != nil {
		return err
	}
	t.respond(events.AgentResponse{Content: content, Reasoning: a.Why}, msg)
	t.finish(a, content, false)
	return nil
}

func (t *turn) exhausted() error {
	t.e.logger.Warn("re-entry bound reached", "session", t.sessionID, "limit", t.e.maxToolIterations)
	_, err := t.fail(fmt.Sprintf("Stopped after %d consecutive tool and agent calls without a final answer.", t.e.maxToolIterations))
	return err
}

func (t *turn) caller() Caller {
	return Caller{AgentID: t.e.id, SessionID: t.sessionID}
}

func (t *turn) check(target string, expectsReturn bool) error {
	if t.e.coord == nil {
		return errors.New("inter-agent calls are not enabled")
	}
	return t.e.coord.Check(t.ctx, t.caller(), target, expectsReturn)
}

// reject answers a refused inter-agent action. Nothing is appended to
// the session.
func (t *turn) reject(a action.Action, target string, err error) {
	t.e.logger.Warn("inter-agent action rejected",
		"session", t.sessionID,
		"action", a.Kind(),
		"target", target,
		"error", err,
	)
	content := fmt.Sprintf("%s to %s rejected: %v", a.Kind(), target, err)
	t.emitError(content)
	t.finish(&action.Chat{Content: content}, content, true)
}

// fail records a recovered failure as an error message and ends the
// turn with an error-severity response.
func (t *turn) fail(content string) (Result, error) {
	msg := t.message(session.KindError, content, nil)
	msg.Action = action.KindChat
	if err := t.append(msg); err != nil {
		return Result{}, err
	}
	t.emitError(content)
	t.emitUsage()
	t.finish(&action.Chat{Content: content}, content, true)
	return t.result, nil
}

func (t *turn) finish(a action.Action, content string, failed bool) {
	t.result = Result{
		AgentID:   t.e.id,
		SessionID: t.sessionID,
		Action:    a,
		Content:   content,
		Failed:    failed,
	}
}

func (t *turn) message(kind session.Kind, content string, a action.Action) session.Message {
	m := session.NewMessage(t.e.id, kind, content)
	if a != nil {
		m.Action = a.Kind()
		m.Reasoning = action.Reasoning(a)
	}
	return m
}

func (t *turn) append(m session.Message) error {
	if err := t.e.sessions.AppendTo(t.sessionID, t.gen, m); err != nil {
		t.e.logger.Info("session gone, discarding turn", "session", t.sessionID, "error", err)
		return err
	}
	return nil
}

// respond emits the terminal agent_response for msg followed by a
// context_update.
func (t *turn) respond(body events.AgentResponse, msg session.Message) {
	body.Action = string(msg.Action)
	body.MessageType = string(msg.Kind)
	body.Severity = events.SeverityInfo
	t.emit(body)
	t.emitUsage()
}

func (t *turn) emitError(content string) {
	t.emit(events.AgentResponse{
		Content:     content,
		Action:      string(action.KindChat),
		MessageType: string(session.KindError),
		Severity:    events.SeverityError,
	})
}

func (t *turn) emitUsage() {
	t.emit(events.ContextUpdate{Usage: t.e.Usage(t.sessionID)})
}

// emit sends body unless the session the turn started on is gone.
func (t *turn) emit(body events.Body) {
	if gen, ok := t.e.sessions.Generation(t.sessionID); !ok || gen != t.gen {
		t.e.logger.Debug("session gone, envelope dropped", "session", t.sessionID)
		return
	}
	t.e.emit.Emit(t.e.envelope(t.sessionID, body))
}
