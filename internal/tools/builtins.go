package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

func (r *Registry) registerBuiltins() {
	r.Register(&Tool{
		Name:        "echo",
		Description: "Return the given arguments unchanged. A single argument is returned as plain text.",
		Parameters: map[string]any{
			"type":                 "object",
			"additionalProperties": true,
		},
		Handler: handleEcho,
	})

	r.Register(&Tool{
		Name:        "current_time",
		Description: "Get the current date and time, optionally in a named IANA time zone.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"timezone": map[string]any{
					"type":        "string",
					"description": "IANA zone name such as America/Chicago (default UTC)",
				},
			},
		},
		Handler: handleCurrentTime,
	})

	r.Register(&Tool{
		Name:        "new_id",
		Description: "Generate a new unique identifier.",
		Parameters:  map[string]any{"type": "object"},
		Handler: func(context.Context, map[string]any) (string, error) {
			id, err := uuid.NewV7()
			if err != nil {
				return "", err
			}
			return id.String(), nil
		},
	})

	r.Register(&Tool{
		Name:        "word_count",
		Description: "Count the words and characters in a piece of text.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
			"required": []string{"text"},
		},
		Handler: handleWordCount,
	})
}

func handleEcho(_ context.Context, args map[string]any) (string, error) {
	if len(args) == 1 {
		for _, v := range args {
			if s, ok := v.(string); ok {
				return s, nil
			}
		}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encode args: %w", err)
	}
	return string(data), nil
}

func handleCurrentTime(_ context.Context, args map[string]any) (string, error) {
	loc := time.UTC
	if tz, _ := args["timezone"].(string); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return "", fmt.Errorf("unknown timezone %q", tz)
		}
		loc = l
	}
	return time.Now().In(loc).Format(time.RFC3339), nil
}

func handleWordCount(_ context.Context, args map[string]any) (string, error) {
	text, ok := args["text"].(string)
	if !ok {
		return "", fmt.Errorf("text is required")
	}
	return fmt.Sprintf("%d words, %d characters", len(strings.Fields(text)), len([]rune(text))), nil
}
