package action

// ResponseFormat is appended to every agent's system prompt. It tells
// the model which JSON shapes [Parse] accepts.
const ResponseFormat = `## Response format

Reply with exactly one JSON object and nothing else. The "action" field selects what happens next.

- {"action": "CHAT_RESPONSE", "content": "...", "reasoning": "..."}
  Answer the user directly. Ends your turn.
- {"action": "TOOL_CALL", "tool": "<name>", "args": {...}, "reasoning": "..."}
  Run a tool. You will receive "Tool <name> returned: <result>" and may continue.
- {"action": "AGENT_CALL", "target_agent": "<agent id>", "user_input": "...", "reasoning": "..."}
  Ask another agent and wait for its answer. You will receive its result and may continue.
- {"action": "AGENT_DELEGATE", "target_agent": "<agent id>", "user_input": "...", "reasoning": "..."}
  Hand the conversation to another agent. Ends your turn; you will not hear back.
- {"action": "AGENT_RETURN", "return_to_agent": "<agent id>", "success": true, "reasoning": "<your result>"}
  Only when another agent called you: hand your result back to it.
- {"action": "REFINEMENT_RESPONSE", "new_plan": "...", "done": "yes|no", "score": 0-100, "why": "...",
   "checklist": {"objective": "...", "inputs": "...", "outputs": "...", "constraints": "..."}, "success": true}
  Self-review of a plan. Use only when asked to refine.`
