package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nugget/parley/internal/budget"
)

// Envelope types delivered to observers.
const (
	TypeSessionCreated = "session_created"
	TypeSessionClosed  = "session_closed"
	TypeSystemPrompt   = "system_prompt"
	TypeSeedPrompts    = "seed_prompts"
	TypeAgentResponse  = "agent_response"
	TypeContextUpdate  = "context_update"
	TypeDelegation     = "delegation_announcement"
	TypeAgentCall      = "agent_call_announcement"
	TypeAgentReturn    = "agent_return_announcement"
	TypeNotification   = "notification"
)

// Severity marks an agent_response as normal output or a recovered
// failure (parse error, model error, protocol violation).
type Severity string

// Severities.
const (
	SeverityInfo  Severity = "info"
	SeverityError Severity = "error"
)

// Header is carried by every envelope.
type Header struct {
	Type      string    `json:"type"`
	MessageID string    `json:"messageId"`
	Timestamp time.Time `json:"timestamp"`
	AgentID   string    `json:"agentId"`
	AgentName string    `json:"agentName"`
	SessionID string    `json:"sessionId"`
}

// Body is the type-specific part of an envelope. The set of bodies is
// fixed by this package.
type Body interface {
	envelopeType() string
}

// Envelope is one typed, header-tagged message for observers. It
// serializes as a single flat JSON object: header fields plus the body's
// fields.
type Envelope struct {
	Header
	Body Body
}

// New stamps body with a fresh header.
func New(agentID, agentName, sessionID string, body Body) Envelope {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return Envelope{
		Header: Header{
			Type:      body.envelopeType(),
			MessageID: id.String(),
			Timestamp: time.Now().UTC(),
			AgentID:   agentID,
			AgentName: agentName,
			SessionID: sessionID,
		},
		Body: body,
	}
}

// MarshalJSON flattens the header and body into one object.
func (e Envelope) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage)
	if e.Body != nil {
		raw, err := json.Marshal(e.Body)
		if err != nil {
			return nil, fmt.Errorf("marshal %s body: %w", e.Type, err)
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("flatten %s body: %w", e.Type, err)
		}
	}
	raw, err := json.Marshal(e.Header)
	if err != nil {
		return nil, err
	}
	var header map[string]json.RawMessage
	if err := json.Unmarshal(raw, &header); err != nil {
		return nil, err
	}
	for k, v := range header {
		fields[k] = v
	}
	return json.Marshal(fields)
}

// SessionCreated announces a new session. The session ID is in the
// header.
type SessionCreated struct{}

// SessionClosed announces that a session was closed or swept.
type SessionClosed struct {
	Reason string `json:"reason,omitempty"`
}

// SystemPrompt carries the agent's configured system prompt.
type SystemPrompt struct {
	Content string `json:"content"`
}

// Seed is one configured seed message.
type Seed struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SeedPrompts carries the agent's ordered seed messages.
type SeedPrompts struct {
	Items []Seed `json:"items"`
}

// AgentResponse carries one action an agent produced.
type AgentResponse struct {
	Content       string   `json:"content"`
	Action        string   `json:"action"`
	Reasoning     string   `json:"reasoning,omitempty"`
	MessageType   string   `json:"messageType"`
	ToolName      string   `json:"toolName,omitempty"`
	TargetAgentID string   `json:"targetAgentId,omitempty"`
	Severity      Severity `json:"severity"`
}

// ContextUpdate reports the session's context budget after a turn.
type ContextUpdate struct {
	budget.Usage
}

// DelegationAnnouncement reports a fire-and-forget handoff.
type DelegationAnnouncement struct {
	DelegatingAgent string `json:"delegatingAgent"`
	DelegatedAgent  string `json:"delegatedAgent"`
	Reason          string `json:"reason"`
}

// AgentCallAnnouncement reports the calling edge of an agent call.
type AgentCallAnnouncement struct {
	CallingAgent  string `json:"callingAgent"`
	CalleeAgent   string `json:"calleeAgent"`
	Reason        string `json:"reason"`
	ExpectsReturn bool   `json:"expectsReturn"`
}

// AgentReturnAnnouncement reports the returning edge of an agent call.
type AgentReturnAnnouncement struct {
	ReturningAgent string `json:"returningAgent"`
	ReturnToAgent  string `json:"returnToAgent"`
	Success        bool   `json:"success"`
	Reason         string `json:"reason"`
}

// Notification is a free-form message for observers. The header's type
// is always "notification"; NotificationType says what kind.
type Notification struct {
	NotificationType string `json:"notificationType"`
	Message          string `json:"message"`
}

func (SessionCreated) envelopeType() string          { return TypeSessionCreated }
func (SessionClosed) envelopeType() string           { return TypeSessionClosed }
func (SystemPrompt) envelopeType() string            { return TypeSystemPrompt }
func (SeedPrompts) envelopeType() string             { return TypeSeedPrompts }
func (AgentResponse) envelopeType() string           { return TypeAgentResponse }
func (ContextUpdate) envelopeType() string           { return TypeContextUpdate }
func (DelegationAnnouncement) envelopeType() string  { return TypeDelegation }
func (AgentCallAnnouncement) envelopeType() string   { return TypeAgentCall }
func (AgentReturnAnnouncement) envelopeType() string { return TypeAgentReturn }
func (Notification) envelopeType() string            { return TypeNotification }
