// Package queue carries turn lifecycle events over RabbitMQ.
package queue

import "time"

// TurnCompletedQueue is the default durable queue for TurnCompletedEvent.
const TurnCompletedQueue = "agent.turn.completed"

// TurnCompletedEvent is published after every orchestration attempt that
// reached the audit log, once the user's lock has been released.  It holds
// enough for downstream consumers (notification fan-out, analytics) to act
// without reading the audit table.  It never carries message content or
// credentials.
type TurnCompletedEvent struct {
	UserID      string    `json:"user_id"`
	SessionID   string    `json:"session_id"`
	AuditID     uint64    `json:"audit_id"`
	Status      string    `json:"status"`
	ActionType  string    `json:"action_type,omitempty"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	TokensUsed  int       `json:"tokens_used"`
	CompletedAt time.Time `json:"completed_at"`
}
