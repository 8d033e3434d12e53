// Package llm turns a rendered prompt into model completion text. Each
// provider (Ollama, Anthropic, OpenAI) implements [Invoker];
// [MultiClient] routes a model name to the provider that serves it.
package llm

import (
	"context"
	"log/slog"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Chat roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of the rendered conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Prompt is the full context for one completion: the agent's system
// prompt followed by seed messages, the session log and the new input,
// in that order.
type Prompt struct {
	System   string
	Messages []Message
}

// Invoker produces completion text for a prompt. Implementations do not
// retry; failures are reported to the caller as-is.
type Invoker interface {
	Complete(ctx context.Context, model string, p Prompt) (string, error)
}

// Pinger is implemented by providers that can check their own
// reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// InvokerFunc adapts a function to [Invoker].
type InvokerFunc func(ctx context.Context, model string, p Prompt) (string, error)

// Complete calls f.
func (f InvokerFunc) Complete(ctx context.Context, model string, p Prompt) (string, error) {
	return f(ctx, model, p)
}
