package agent

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/nugget/parley/internal/budget"
	"github.com/nugget/parley/internal/config"
	"github.com/nugget/parley/internal/events"
	"github.com/nugget/parley/internal/llm"
	"github.com/nugget/parley/internal/session"
	"github.com/nugget/parley/internal/tools"
)

// scriptedModel replays canned replies in order and records every
// prompt it was sent. A reply of "!error" fails the call.
type scriptedModel struct {
	mu      sync.Mutex
	replies []string
	prompts []llm.Prompt
	// repeat, when set, is returned once replies run out.
	repeat string
	// before runs at the start of every Complete call.
	before func(call int)
}

func (m *scriptedModel) Complete(_ context.Context, _ string, p llm.Prompt) (string, error) {
	m.mu.Lock()
	call := len(m.prompts)
	m.prompts = append(m.prompts, p)
	hook := m.before
	var reply string
	switch {
	case len(m.replies) > 0:
		reply = m.replies[0]
		m.replies = m.replies[1:]
	case m.repeat != "":
		reply = m.repeat
	default:
		m.mu.Unlock()
		return "", errors.New("script exhausted")
	}
	m.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	if reply == "!error" {
		return "", errors.New("model unavailable")
	}
	return reply, nil
}

func (m *scriptedModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.prompts)
}

func (m *scriptedModel) prompt(i int) llm.Prompt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prompts[i]
}

// recorder collects emitted envelopes.
type recorder struct {
	mu   sync.Mutex
	envs []events.Envelope
}

func (r *recorder) Emit(e events.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, e)
}

func (r *recorder) all() []events.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Envelope, len(r.envs))
	copy(out, r.envs)
	return out
}

func (r *recorder) types() []string {
	var out []string
	for _, e := range r.all() {
		out = append(out, e.Type)
	}
	return out
}

// responses returns the agent_response bodies, in order.
func (r *recorder) responses() []events.AgentResponse {
	var out []events.AgentResponse
	for _, e := range r.all() {
		if body, ok := e.Body.(events.AgentResponse); ok {
			out = append(out, body)
		}
	}
	return out
}

func (r *recorder) ofType(typ string) []events.Envelope {
	var out []events.Envelope
	for _, e := range r.all() {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type windows map[string]int

func (w windows) ContextWindow(model string) (int, bool) {
	n, ok := w[model]
	return n, ok
}

type testPool struct {
	*Pool
	model *scriptedModel
	rec   *recorder
}

func coordinatorDef() config.AgentConfig {
	return config.AgentConfig{
		ID:           "coordinator",
		Name:         "Coordinator",
		Model:        "test-model",
		SystemPrompt: "You coordinate.",
		SeedPrompts: []config.SeedPrompt{
			{Role: "user", Content: "seed question"},
			{Role: "assistant", Content: "seed answer"},
		},
	}
}

func newTestPool(t *testing.T, model *scriptedModel, defs ...config.AgentConfig) *testPool {
	t.Helper()
	if len(defs) == 0 {
		defs = []config.AgentConfig{coordinatorDef()}
	}
	rec := &recorder{}
	p := NewPool(PoolConfig{
		Agents:   defs,
		Sessions: session.NewRegistry(nil),
		Invoker:  model,
		Tools:    tools.NewRegistry(nil),
		Budget:   budget.NewAccountant(windows{"test-model": 1000}),
		Emitter:  rec,
	})
	return &testPool{Pool: p, model: model, rec: rec}
}
