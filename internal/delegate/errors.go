package delegate

import "errors"

// Protocol violations. Each is reported before any session is touched.
var (
	ErrSelfTarget      = errors.New("agent cannot target itself")
	ErrUnknownAgent    = errors.New("target agent not found")
	ErrCallOutstanding = errors.New("caller session already has an outstanding agent call")
	ErrCallCycle       = errors.New("target session is already waiting in this call chain")
	ErrCallDepth       = errors.New("agent call chain too deep")
)

// IsProtocolViolation reports whether err is one of the inter-agent
// protocol violations.
func IsProtocolViolation(err error) bool {
	for _, target := range []error{ErrSelfTarget, ErrUnknownAgent, ErrCallOutstanding, ErrCallCycle, ErrCallDepth} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
