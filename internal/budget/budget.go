// Package budget estimates how much of a model's context window a
// session's log occupies.
package budget

import (
	"math"

	"github.com/nugget/parley/internal/session"
)

// charsPerToken is the rough conversion used everywhere in parley. It is
// not a tokenizer.
const charsPerToken = 4

// Usage is the context budget report sent to observers as a
// context_update envelope. WindowSize is nil when the model has no
// configured context window; Percentage is then always 0.
type Usage struct {
	TokensUsed int     `json:"tokensUsed"`
	WindowSize *int    `json:"windowSize"`
	Percentage float64 `json:"percentage"`
}

// Windows resolves a model identifier to its context window size in
// tokens. The boolean is false when the model has no configured window.
type Windows interface {
	ContextWindow(model string) (int, bool)
}

// Accountant computes [Usage] for sessions using configured model
// windows.
type Accountant struct {
	windows Windows
}

// NewAccountant creates an accountant. A nil windows source reports
// every model as having no window.
func NewAccountant(windows Windows) *Accountant {
	return &Accountant{windows: windows}
}

// Usage reports how much of model's window msgs occupy.
func (a *Accountant) Usage(msgs []session.Message, model string) Usage {
	window := 0
	if a != nil && a.windows != nil {
		if w, ok := a.windows.ContextWindow(model); ok {
			window = w
		}
	}
	return Compute(msgs, window)
}

// Compute reports usage of msgs against a window of the given size.
// A window of zero or less means "unknown".
func Compute(msgs []session.Message, window int) Usage {
	u := Usage{TokensUsed: TokensUsed(msgs)}
	if window <= 0 {
		return u
	}
	w := window
	u.WindowSize = &w
	pct := float64(u.TokensUsed) / float64(window) * 100
	u.Percentage = math.Min(100, math.Round(pct*100)/100)
	return u
}

// TokensUsed sums the per-message estimate over msgs. Each message is
// floored on its own, so the total never shrinks as messages are added.
func TokensUsed(msgs []session.Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateTokens(m.Content)
	}
	return total
}

// EstimateTokens approximates the token count of s.
func EstimateTokens(s string) int {
	return len(s) / charsPerToken
}
