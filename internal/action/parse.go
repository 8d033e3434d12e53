package action

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// ParseError reports model output that could not be interpreted as an
// action. Raw holds the text exactly as the model produced it.
type ParseError struct {
	Raw    string
	Reason string
}

func (e *ParseError) Error() string {
	return "parse action: " + e.Reason
}

// fields is the decoded top-level object of a reply.
type fields map[string]json.RawMessage

// Parse interprets one turn of raw model output. The text must be a
// JSON object (optionally wrapped in a Markdown code fence) with an
// "action" discriminator and every field that kind requires. Any
// failure returns a *ParseError; a partially populated action is never
// returned.
func Parse(raw string) (Action, error) {
	body := stripFence(raw)
	if body == "" {
		return nil, &ParseError{Raw: raw, Reason: "empty reply"}
	}

	var f fields
	if err := json.Unmarshal([]byte(body), &f); err != nil {
		return nil, &ParseError{Raw: raw, Reason: "reply is not a JSON object: " + err.Error()}
	}

	disc, err := f.str("action", true)
	if err != nil {
		return nil, &ParseError{Raw: raw, Reason: err.Error()}
	}

	a, err := decode(Kind(strings.ToUpper(strings.TrimSpace(disc))), f)
	if err != nil {
		return nil, &ParseError{Raw: raw, Reason: err.Error()}
	}
	return a, nil
}

func decode(k Kind, f fields) (Action, error) {
	var errs fieldErrors
	switch k {
	case KindChat:
		a := &Chat{}
		a.Content = errs.str(f, "content", true)
		a.Reasoning = errs.str(f, "reasoning", false)
		return errs.result(a)

	case KindToolCall:
		a := &ToolCall{}
		a.Tool = errs.str(f, "tool", true)
		a.Args = errs.object(f, "args")
		a.Reasoning = errs.str(f, "reasoning", false)
		return errs.result(a)

	case KindToolReturn:
		a := &ToolReturn{}
		a.Tool = errs.str(f, "tool", true)
		a.Result = errs.str(f, "result", true)
		a.Success = errs.boolean(f, "success", true)
		return errs.result(a)

	case KindDelegate:
		a := &AgentDelegate{}
		a.TargetAgent = errs.str(f, "target_agent", true)
		a.CallerAgent = errs.str(f, "caller_agent", false)
		a.UserInput = errs.str(f, "user_input", true)
		a.Reasoning = errs.str(f, "reasoning", false)
		return errs.result(a)

	case KindAgentCall:
		a := &AgentCall{}
		a.TargetAgent = errs.str(f, "target_agent", true)
		a.CallerAgent = errs.str(f, "caller_agent", false)
		a.UserInput = errs.str(f, "user_input", true)
		a.Reasoning = errs.str(f, "reasoning", false)
		return errs.result(a)

	case KindAgentReturn:
		a := &AgentReturn{}
		a.ReturnToAgent = errs.str(f, "return_to_agent", true)
		a.ReturningAgent = errs.str(f, "returning_agent", false)
		a.Success = errs.boolean(f, "success", true)
		a.Reasoning = errs.str(f, "reasoning", false)
		return errs.result(a)

	case KindRefinement:
		a := &Refinement{}
		a.NewPlan = errs.str(f, "new_plan", false)
		a.Done = strings.ToLower(errs.str(f, "done", true))
		if a.Done != "" && a.Done != "yes" && a.Done != "no" {
			errs.add(fmt.Errorf(`field "done" must be "yes" or "no", got %q`, a.Done))
		}
		a.Score = errs.integer(f, "score", 0, 100)
		a.Why = errs.str(f, "why", false)
		a.Success = errs.boolean(f, "success", false)
		if raw, ok := f["checklist"]; ok && !isNull(raw) {
			if err := json.Unmarshal(raw, &a.Checklist); err != nil {
				errs.add(fmt.Errorf(`field "checklist" is not an object: %w`, err))
			}
		}
		return errs.result(a)
	}
	return nil, fmt.Errorf("unknown action %q", string(k))
}

// stripFence removes a surrounding Markdown code fence and whitespace.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	// Drop an info string such as "json".
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = ""
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func (f fields) str(key string, required bool) (string, error) {
	raw, ok := f[key]
	if !ok || isNull(raw) {
		if required {
			return "", fmt.Errorf("missing required field %q", key)
		}
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("field %q must be a string", key)
	}
	if required && strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("field %q must not be empty", key)
	}
	return s, nil
}

// fieldErrors accumulates the first decoding failure so each decode
// branch reads as a flat list of field extractions.
type fieldErrors struct {
	err error
}

func (e *fieldErrors) add(err error) {
	if e.err == nil {
		e.err = err
	}
}

func (e *fieldErrors) result(a Action) (Action, error) {
	if e.err != nil {
		return nil, e.err
	}
	return a, nil
}

func (e *fieldErrors) str(f fields, key string, required bool) string {
	s, err := f.str(key, required)
	if err != nil {
		e.add(err)
	}
	return s
}

func (e *fieldErrors) boolean(f fields, key string, required bool) bool {
	raw, ok := f[key]
	if !ok || isNull(raw) {
		if required {
			e.add(fmt.Errorf("missing required field %q", key))
		}
		return false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		e.add(fmt.Errorf("field %q must be a boolean", key))
	}
	return b
}

func (e *fieldErrors) integer(f fields, key string, lo, hi int) int {
	raw, ok := f[key]
	if !ok || isNull(raw) {
		e.add(fmt.Errorf("missing required field %q", key))
		return 0
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err != nil {
		e.add(fmt.Errorf("field %q must be a number", key))
		return 0
	}
	if n != math.Trunc(n) || n < float64(lo) || n > float64(hi) {
		e.add(fmt.Errorf("field %q must be an integer in [%d, %d], got %v", key, lo, hi, n))
		return 0
	}
	return int(n)
}

// object decodes an optional JSON object. An absent or null key yields
// an empty map; any other non-object value is an error.
func (e *fieldErrors) object(f fields, key string) map[string]any {
	raw, ok := f[key]
	if !ok || isNull(raw) {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		e.add(fmt.Errorf("field %q must be an object", key))
		return nil
	}
	return m
}

// Marshal encodes a in the same wire form [Parse] accepts.
func Marshal(a Action) ([]byte, error) {
	body, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	head := fmt.Sprintf(`{"action":%q`, string(a.Kind()))
	if bytes.Equal(body, []byte("{}")) {
		return []byte(head + "}"), nil
	}
	return append([]byte(head+","), body[1:]...), nil
}
