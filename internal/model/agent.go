package model

// AgentResult is the normalized structured result of one agent invocation.
// Action is empty when the agent produced plain conversational text.
type AgentResult struct {
	ResponseText string         `json:"response"`
	Action       string         `json:"action_type"`
	Details      map[string]any `json:"details,omitempty"`
	TokensUsed   int            `json:"tokens_used"`
}
