package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nugget/parley/internal/httpkit"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIClient completes prompts with the OpenAI chat completions API.
type OpenAIClient struct {
	client openai.Client
	logger *slog.Logger
}

// NewOpenAIClient creates a client. Extra request options (for example
// option.WithBaseURL for a compatible gateway) are applied after the API
// key.
func NewOpenAIClient(apiKey string, logger *slog.Logger, opts ...option.RequestOption) *OpenAIClient {
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
	return &OpenAIClient{
		client: openai.NewClient(clientOpts...),
		logger: logger.With("provider", "openai"),
	}
}

// Complete sends one non-streaming chat completion request.
func (c *OpenAIClient) Complete(ctx context.Context, model string, p Prompt) (string, error) {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(p.Messages)+1)
	if p.System != "" {
		msgs = append(msgs, openai.SystemMessage(p.System))
	}
	for _, m := range p.Messages {
		switch m.Role {
		case RoleSystem:
			msgs = append(msgs, openai.SystemMessage(m.Content))
		case RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}

	c.logger.Debug("sending request", "model", model, "messages", len(msgs))
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: msgs,
	})
	if err != nil {
		return "", fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai reply contained no choices")
	}
	content := resp.Choices[0].Message.Content
	c.logger.Debug("completion received",
		"model", model,
		"tokens_in", resp.Usage.PromptTokens,
		"tokens_out", resp.Usage.CompletionTokens,
		"finish_reason", resp.Choices[0].FinishReason,
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", content)
	return content, nil
}
