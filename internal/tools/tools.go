// Package tools holds the tools agents can call and runs them on the
// turn executor's behalf. Tools never touch session state; the executor
// records their results.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// Tool represents a callable tool.
type Tool struct {
	Name        string                                                         `json:"name"`
	Description string                                                         `json:"description"`
	Parameters  map[string]any                                                 `json:"parameters"`
	Handler     func(ctx context.Context, args map[string]any) (string, error) `json:"-"`
}

// Result is the outcome of one tool run. A failed run still carries a
// human-readable Result describing the failure.
type Result struct {
	Result  string `json:"result"`
	Success bool   `json:"success"`
}

// Registry holds available tools.
type Registry struct {
	tools  map[string]*Tool
	logger *slog.Logger
}

// NewRegistry creates a registry preloaded with the builtin tools.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		tools:  make(map[string]*Tool),
		logger: logger,
	}
	r.registerBuiltins()
	return r
}

// Register adds a tool to the registry, replacing any tool of the same
// name.
func (r *Registry) Register(t *Tool) {
	r.tools[t.Name] = t
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Filter returns a registry view holding only the named tools. An empty
// allow list keeps every tool. Unknown names are ignored.
func (r *Registry) Filter(allow []string) *Registry {
	if len(allow) == 0 {
		return r
	}
	f := &Registry{tools: make(map[string]*Tool, len(allow)), logger: r.logger}
	for _, name := range allow {
		if t, ok := r.tools[name]; ok {
			f.tools[name] = t
		}
	}
	return f
}

// Describe renders the tool list for a system prompt.
func (r *Registry) Describe() string {
	if len(r.tools) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Tools\n")
	for _, name := range r.Names() {
		t := r.tools[name]
		fmt.Fprintf(&sb, "- %s: %s", t.Name, t.Description)
		if req := requiredArgs(t.Parameters); len(req) > 0 {
			fmt.Fprintf(&sb, " (args: %s)", strings.Join(req, ", "))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// Execute runs a tool by name. It returns [ErrToolUnavailable] for
// unknown tools and recovers handler panics as errors.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (result string, err error) {
	tool := r.tools[name]
	if tool == nil {
		return "", &ErrToolUnavailable{ToolName: name}
	}
	if args == nil {
		args = map[string]any{}
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("tool %s panicked: %v", name, p)
		}
	}()
	return tool.Handler(ctx, args)
}

// Run executes a tool and folds any failure into the result, so callers
// always get a value to record.
func (r *Registry) Run(ctx context.Context, name string, args map[string]any) Result {
	start := time.Now()
	out, err := r.Execute(ctx, name, args)
	if err != nil {
		var unavailable *ErrToolUnavailable
		level := slog.LevelWarn
		if errors.As(err, &unavailable) {
			level = slog.LevelInfo
		}
		r.logger.Log(ctx, level, "tool failed",
			"tool", name,
			"duration", time.Since(start),
			"error", err,
		)
		return Result{Result: err.Error(), Success: false}
	}
	r.logger.Debug("tool completed",
		"tool", name,
		"duration", time.Since(start),
		"result_len", len(out),
	)
	return Result{Result: out, Success: true}
}

func requiredArgs(params map[string]any) []string {
	switch req := params["required"].(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, v := range req {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
