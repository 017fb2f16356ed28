package model

import "time"

// Audit statuses.  A record moves from AuditPending to exactly one of the
// final statuses and is immutable afterwards.
const (
	AuditPending = "pending"
	AuditSuccess = "success"
	AuditFailed  = "failed"
)

// AuditRecord is one orchestration attempt as stored in `audit_log`.
//
// Fields:
//
//	ID              - audit_log.id
//	UserID          - tenant that issued the request
//	SessionID       - conversation the attempt belongs to
//	ActionType      - action classification reported by the agent
//	RequestSummary  - truncated user message
//	ResponseSummary - truncated agent response (nullable)
//	Status          - pending | success | failed
//	ErrorKind       - apperror kind when failed (nullable)
//	ErrorMessage    - internal diagnostic when failed (nullable)
//	TokensUsed      - resource usage reported by the agent
//	CreatedAt       - attempt start
//	FinishedAt      - finalization time (nullable)
type AuditRecord struct {
	ID              uint64     `json:"id"`
	UserID          string     `json:"user_id"`
	SessionID       string     `json:"session_id"`
	ActionType      string     `json:"action_type"`
	RequestSummary  string     `json:"request_summary"`
	ResponseSummary string     `json:"response_summary,omitempty"`
	Status          string     `json:"status"`
	ErrorKind       string     `json:"error_kind,omitempty"`
	ErrorMessage    string     `json:"-"`
	TokensUsed      int        `json:"tokens_used"`
	CreatedAt       time.Time  `json:"created_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// AuditOutcome carries the fields written when a pending record is finalized.
type AuditOutcome struct {
	Status          string
	ActionType      string
	ResponseSummary string
	ErrorKind       string
	ErrorMessage    string
	TokensUsed      int
}
