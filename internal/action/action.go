// Package action defines the structured decisions a model can make in a
// single turn and parses raw model output into them.
//
// Every reply is a JSON object whose "action" field names exactly one
// [Kind]. Consumers that need to handle every kind implement [Visitor];
// adding a new kind adds a method to Visitor, so an implementation that
// forgets it stops compiling instead of silently falling through.
package action

// Kind is the wire discriminator of an action.
type Kind string

// Known action kinds.
const (
	KindChat        Kind = "CHAT_RESPONSE"
	KindToolCall    Kind = "TOOL_CALL"
	KindToolReturn  Kind = "TOOL_RETURN"
	KindDelegate    Kind = "AGENT_DELEGATE"
	KindAgentCall   Kind = "AGENT_CALL"
	KindAgentReturn Kind = "AGENT_RETURN"
	KindRefinement  Kind = "REFINEMENT_RESPONSE"
)

// Kinds lists every known kind in declaration order.
func Kinds() []Kind {
	return []Kind{
		KindChat,
		KindToolCall,
		KindToolReturn,
		KindDelegate,
		KindAgentCall,
		KindAgentReturn,
		KindRefinement,
	}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds() {
		if k == known {
			return true
		}
	}
	return false
}

// Action is one parsed model decision. The set of implementations is
// closed: only the types in this package satisfy it.
type Action interface {
	// Kind returns the wire discriminator.
	Kind() Kind
	// Accept calls the Visitor method matching the concrete type.
	Accept(v Visitor) error

	sealed()
}

// Visitor handles each action kind. Implementations must provide a
// method for every kind.
type Visitor interface {
	Chat(a *Chat) error
	ToolCall(a *ToolCall) error
	ToolReturn(a *ToolReturn) error
	Delegate(a *AgentDelegate) error
	AgentCall(a *AgentCall) error
	AgentReturn(a *AgentReturn) error
	Refinement(a *Refinement) error
}

// Chat is a plain conversational reply. It ends the turn.
type Chat struct {
	Content   string `json:"content"`
	Reasoning string `json:"reasoning,omitempty"`
}

// ToolCall asks the runtime to execute a tool and feed the result back.
type ToolCall struct {
	Tool      string         `json:"tool"`
	Args      map[string]any `json:"args"`
	Reasoning string         `json:"reasoning,omitempty"`
}

// ToolReturn carries a tool result. Models should not normally emit it;
// the runtime produces it after executing a [ToolCall].
type ToolReturn struct {
	Tool    string `json:"tool"`
	Result  string `json:"result"`
	Success bool   `json:"success"`
}

// AgentDelegate hands the conversation to another agent without
// waiting for a reply.
type AgentDelegate struct {
	TargetAgent string `json:"target_agent"`
	CallerAgent string `json:"caller_agent,omitempty"`
	UserInput   string `json:"user_input"`
	Reasoning   string `json:"reasoning,omitempty"`
}

// AgentCall runs another agent synchronously and resumes with its
// return value.
type AgentCall struct {
	TargetAgent string `json:"target_agent"`
	CallerAgent string `json:"caller_agent,omitempty"`
	UserInput   string `json:"user_input"`
	Reasoning   string `json:"reasoning,omitempty"`
}

// AgentReturn ends a called agent's turn and hands the result back to
// the agent that called it.
type AgentReturn struct {
	ReturnToAgent  string `json:"return_to_agent"`
	ReturningAgent string `json:"returning_agent,omitempty"`
	Success        bool   `json:"success"`
	Reasoning      string `json:"reasoning,omitempty"`
}

// Checklist is the self-review rubric attached to a [Refinement].
type Checklist struct {
	Objective   string `json:"objective,omitempty"`
	Inputs      string `json:"inputs,omitempty"`
	Outputs     string `json:"outputs,omitempty"`
	Constraints string `json:"constraints,omitempty"`
}

// Refinement is a self-review iteration marker. Done is "yes" or "no";
// Score is 0-100.
type Refinement struct {
	NewPlan   string    `json:"new_plan,omitempty"`
	Done      string    `json:"done"`
	Score     int       `json:"score"`
	Why       string    `json:"why,omitempty"`
	Checklist Checklist `json:"checklist"`
	Success   bool      `json:"success"`
}

// IsDone reports whether the refinement declared itself finished.
func (r *Refinement) IsDone() bool { return r.Done == "yes" }

func (*Chat) Kind() Kind          { return KindChat }
func (*ToolCall) Kind() Kind      { return KindToolCall }
func (*ToolReturn) Kind() Kind    { return KindToolReturn }
func (*AgentDelegate) Kind() Kind { return KindDelegate }
func (*AgentCall) Kind() Kind     { return KindAgentCall }
func (*AgentReturn) Kind() Kind   { return KindAgentReturn }
func (*Refinement) Kind() Kind    { return KindRefinement }

func (a *Chat) Accept(v Visitor) error          { return v.Chat(a) }
func (a *ToolCall) Accept(v Visitor) error      { return v.ToolCall(a) }
func (a *ToolReturn) Accept(v Visitor) error    { return v.ToolReturn(a) }
func (a *AgentDelegate) Accept(v Visitor) error { return v.Delegate(a) }
func (a *AgentCall) Accept(v Visitor) error     { return v.AgentCall(a) }
func (a *AgentReturn) Accept(v Visitor) error   { return v.AgentReturn(a) }
func (a *Refinement) Accept(v Visitor) error    { return v.Refinement(a) }

func (*Chat) sealed()          {}
func (*ToolCall) sealed()      {}
func (*ToolReturn) sealed()    {}
func (*AgentDelegate) sealed() {}
func (*AgentCall) sealed()     {}
func (*AgentReturn) sealed()   {}
func (*Refinement) sealed()    {}

// Reasoning returns the model's stated reasoning for a, if the kind
// carries one.
func Reasoning(a Action) string {
	switch v := a.(type) {
	case *Chat:
		return v.Reasoning
	case *ToolCall:
		return v.Reasoning
	case *AgentDelegate:
		return v.Reasoning
	case *AgentCall:
		return v.Reasoning
	case *AgentReturn:
		return v.Reasoning
	case *Refinement:
		return v.Why
	}
	return ""
}
