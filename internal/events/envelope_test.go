package events

import (
	"encoding/json"
	"testing"

	"github.com/nugget/parley/internal/budget"
)

func decode(t *testing.T, e Envelope) map[string]any {
	t.Helper()
	data, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("Unmarshal %s: %v", data, err)
	}
	return m
}

func TestEnvelope_CommonHeader(t *testing.T) {
	bodies := []Body{
		SessionCreated{},
		SessionClosed{Reason: "swept"},
		SystemPrompt{Content: "be brief"},
		SeedPrompts{Items: []Seed{{Role: "user", Content: "hi"}}},
		AgentResponse{Content: "x", Action: "CHAT_RESPONSE", Severity: SeverityInfo},
		ContextUpdate{},
		DelegationAnnouncement{DelegatingAgent: "a", DelegatedAgent: "b"},
		AgentCallAnnouncement{CallingAgent: "a", CalleeAgent: "b", ExpectsReturn: true},
		AgentReturnAnnouncement{ReturningAgent: "b", ReturnToAgent: "a", Success: true},
		Notification{NotificationType: "info", Message: "m"},
	}
	for _, b := range bodies {
		e := New("coordinator", "Coordinator", "s1", b)
		m := decode(t, e)
		for _, k := range []string{"type", "messageId", "timestamp", "agentId", "agentName", "sessionId"} {
			if _, ok := m[k]; !ok {
				t.Errorf("%s: missing header field %q in %v", e.Type, k, m)
			}
		}
		if m["type"] != b.envelopeType() {
			t.Errorf("type = %v, want %s", m["type"], b.envelopeType())
		}
		if m["sessionId"] != "s1" || m["agentId"] != "coordinator" {
			t.Errorf("%s: header = %v", e.Type, m)
		}
	}
}

func TestEnvelope_FlattensBody(t *testing.T) {
	m := decode(t, New("a", "A", "s", AgentCallAnnouncement{
		CallingAgent:  "a",
		CalleeAgent:   "b",
		Reason:        "needs b",
		ExpectsReturn: true,
	}))
	if m["calleeAgent"] != "b" || m["expectsReturn"] != true || m["reason"] != "needs b" {
		t.Errorf("flattened = %v", m)
	}
}

func TestEnvelope_ContextUpdateNullWindow(t *testing.T) {
	m := decode(t, New("a", "A", "s", ContextUpdate{Usage: budget.Usage{TokensUsed: 12}}))
	v, ok := m["windowSize"]
	if !ok || v != nil {
		t.Errorf("windowSize = %v (present %v), want explicit null", v, ok)
	}
	if m["tokensUsed"] != float64(12) || m["percentage"] != float64(0) {
		t.Errorf("context_update = %v", m)
	}
}

func TestEnvelope_UniqueIDs(t *testing.T) {
	seen := make(map[string]bool)
	for range 100 {
		e := New("a", "A", "s", SessionCreated{})
		if seen[e.MessageID] {
			t.Fatalf("duplicate message id %s", e.MessageID)
		}
		seen[e.MessageID] = true
	}
}
