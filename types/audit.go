package types

import "time"

// Audit event types. Every state machine transition and every token
// lifecycle operation emits exactly one of these.
const (
	EventRequestSubmitted = "request_submitted"
	EventPolicyResolved   = "policy_resolved"
	EventStatusChanged    = "status_changed"
	EventApproverDecision = "approver_decision"
	EventTokenIssued      = "token_issued"
	EventTokenValidated   = "token_validated"
	EventTokenRevoked     = "token_revoked"
	EventElevatedExec     = "elevated_command_executed"
)

// AuditEvent is an immutable record of one state transition or token
// lifecycle event. Consumers must tolerate duplicate event ids; the
// recorder guarantees at-least-once delivery, not exactly-once.
type AuditEvent struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	RequestID      string         `json:"request_id,omitempty"`
	TokenID        string         `json:"token_id,omitempty"`
	Market         string         `json:"market,omitempty"`
	Tenant         string         `json:"tenant,omitempty"`
	Actor          string         `json:"actor,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	ComplianceTags []string       `json:"compliance_tags,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
}
