// Package session holds the in-memory conversation registry: every
// session's ordered message log, its owning agent, and the per-agent
// pointer to the session new input should land in.
package session

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nugget/parley/internal/action"
)

// Kind classifies a message in a session log. It mirrors the action
// kinds plus the inputs that do not come from a model.
type Kind string

// Message kinds.
const (
	KindUserInput   Kind = "user_input"
	KindSystem      Kind = "system"
	KindError       Kind = "error"
	KindChat        Kind = "chat_response"
	KindToolCall    Kind = "tool_call"
	KindToolReturn  Kind = "tool_return"
	KindDelegate    Kind = "agent_delegate"
	KindAgentCall   Kind = "agent_call"
	KindAgentReturn Kind = "agent_return"
	KindRefinement  Kind = "refinement_response"
)

// KindOf maps an action kind to the message kind recorded for it.
func KindOf(k action.Kind) Kind {
	return Kind(strings.ToLower(string(k)))
}

// Message is one immutable entry in a session log.
type Message struct {
	ID            string            `json:"id"`
	AgentID       string            `json:"agent_id"`
	Content       string            `json:"content"`
	Kind          Kind              `json:"kind"`
	Timestamp     time.Time         `json:"timestamp"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	ToolName      string            `json:"tool_name,omitempty"`
	ToolArgs      map[string]any    `json:"tool_args,omitempty"`
	ToolResult    string            `json:"tool_result,omitempty"`
	TargetAgentID string            `json:"target_agent_id,omitempty"`
	Action        action.Kind       `json:"action,omitempty"`
	Reasoning     string            `json:"reasoning,omitempty"`
}

// NewMessage returns a message with a fresh time-ordered ID.
func NewMessage(agentID string, kind Kind, content string) Message {
	return Message{
		ID:        NewID(),
		AgentID:   agentID,
		Content:   content,
		Kind:      kind,
		Timestamp: time.Now(),
	}
}

// NewID returns a UUIDv7 string. Version 7 IDs sort by creation time,
// which keeps log exports and database rows naturally ordered.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Role maps a message kind to the chat role used when the log is
// rendered into a prompt.
func (m Message) Role() string {
	switch m.Kind {
	case KindSystem, KindError:
		return "system"
	case KindAgentReturn:
		// A called agent's own AGENT_RETURN carries its action; the copy
		// fed back to the caller does not.
		if m.Action != "" {
			return "assistant"
		}
		return "user"
	case KindUserInput, KindToolReturn:
		return "user"
	default:
		return "assistant"
	}
}
