package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/nugget/parley/internal/httpkit"
)

// DefaultMaxTokens caps a single hosted-model completion.
const DefaultMaxTokens = 4096

// AnthropicClient completes prompts with the Anthropic Messages API.
type AnthropicClient struct {
	client    anthropic.Client
	maxTokens int64
	logger    *slog.Logger
}

// NewAnthropicClient creates a client. Extra request options (for
// example option.WithBaseURL in tests) are applied after the API key.
func NewAnthropicClient(apiKey string, logger *slog.Logger, opts ...option.RequestOption) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	clientOpts := []option.RequestOption{
		option.WithHTTPClient(httpkit.NewClient(httpkit.WithTimeout(0))),
	}
	if apiKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(apiKey))
	}
	clientOpts = append(clientOpts, opts...)
	return &AnthropicClient{
		client:    anthropic.NewClient(clientOpts...),
		maxTokens: DefaultMaxTokens,
		logger:    logger.With("provider", "anthropic"),
	}
}

// Complete sends one non-streaming Messages request and returns the
// concatenated text blocks of the reply.
func (c *AnthropicClient) Complete(ctx context.Context, model string, p Prompt) (string, error) {
	msgs := alternate(p.Messages)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: c.maxTokens,
		Messages:  make([]anthropic.MessageParam, 0, len(msgs)),
	}
	if p.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: p.System}}
	}
	for _, m := range msgs {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == RoleAssistant {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(block))
		} else {
			params.Messages = append(params.Messages, anthropic.NewUserMessage(block))
		}
	}

	c.logger.Debug("sending request", "model", model, "messages", len(params.Messages))
	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic api error: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.AsText().Text)
		}
	}
	if sb.Len() == 0 {
		return "", errors.New("anthropic reply contained no text")
	}
	c.logger.Debug("completion received",
		"model", model,
		"tokens_in", resp.Usage.InputTokens,
		"tokens_out", resp.Usage.OutputTokens,
		"stop_reason", resp.StopReason,
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", sb.String())
	return sb.String(), nil
}

// alternate reshapes msgs into the strict user/assistant alternation the
// Messages API requires: it must start with a user turn and never repeat
// a role. System-role log entries become user turns tagged "[system]",
// and consecutive turns of the same role are joined.
func alternate(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs)+1)
	for _, m := range msgs {
		role, content := m.Role, m.Content
		switch role {
		case RoleAssistant:
		case RoleSystem:
			role, content = RoleUser, "[system] "+content
		default:
			role = RoleUser
		}
		if len(out) == 0 && role == RoleAssistant {
			out = append(out, Message{Role: RoleUser, Content: "(conversation start)"})
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content += "\n\n" + content
			continue
		}
		out = append(out, Message{Role: role, Content: content})
	}
	return out
}
