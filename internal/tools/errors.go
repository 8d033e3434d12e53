package tools

import "fmt"

// ErrToolUnavailable is returned when a call targets a tool that is not
// in the registry, either because it does not exist or because the
// agent's allow list excludes it.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available in this context", e.ToolName)
}
