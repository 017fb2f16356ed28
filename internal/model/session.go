package model

import "time"

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Turn is a single message in a conversation.
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the short-lived conversational state for one user.  It is
// stored as a JSON document in Redis and expires when idle.
type Session struct {
	ID           string            `json:"session_id"`
	UserID       string            `json:"user_id"`
	Turns        []Turn            `json:"turns"`
	Context      map[string]string `json:"context,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	LastActivity time.Time         `json:"last_activity"`
	ExpiresAt    time.Time         `json:"expires_at"`
}

// Recent returns at most n of the most recent turns.  n <= 0 returns all.
func (s *Session) Recent(n int) []Turn {
	if s == nil {
		return nil
	}
	if n <= 0 || len(s.Turns) <= n {
		out := make([]Turn, len(s.Turns))
		copy(out, s.Turns)
		return out
	}
	out := make([]Turn, n)
	copy(out, s.Turns[len(s.Turns)-n:])
	return out
}
