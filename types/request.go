package types

import (
	"fmt"
	"time"
)

// RequestStatus is the lifecycle state of an elevation request.
type RequestStatus string

const (
	StatusRequested             RequestStatus = "requested"
	StatusPolicyResolved        RequestStatus = "policy_resolved"
	StatusAutoApproved          RequestStatus = "auto_approved"
	StatusMFAPending            RequestStatus = "mfa_pending"
	StatusApprovalPending       RequestStatus = "approval_pending"
	StatusMFAAndApprovalPending RequestStatus = "mfa_and_approval_pending"
	StatusApproved              RequestStatus = "approved"
	StatusTokenIssued           RequestStatus = "token_issued"
	StatusEmergencyGranted      RequestStatus = "emergency_granted"
	StatusDenied                RequestStatus = "denied"
	StatusExpired               RequestStatus = "expired"
)

// Denial reasons attached to terminal states for audit correlation.
const (
	ReasonMFAFailed           = "mfa_failed"
	ReasonMFATimeout          = "mfa_timeout"
	ReasonApprovalTimeout     = "approval_timeout"
	ReasonRejected            = "rejected"
	ReasonCancelled           = "cancelled"
	ReasonTokenIssuanceFailed = "token_issuance_failed"
	ReasonPolicyError         = "policy_error"
	ReasonJustificationMissing = "justification_missing"
	ReasonEmergencyNotAllowed  = "emergency_not_permitted"
)

// IsPending reports whether the request is waiting on verification
// or approval and may still transition.
func (s RequestStatus) IsPending() bool {
	switch s {
	case StatusMFAPending, StatusApprovalPending, StatusMFAAndApprovalPending:
		return true
	}
	return false
}

// IsTerminal reports whether the status can never change again.
func (s RequestStatus) IsTerminal() bool {
	switch s {
	case StatusTokenIssued, StatusDenied, StatusExpired:
		return true
	}
	return false
}

// NeedsApproval reports whether the status is waiting on human approval.
func (s RequestStatus) NeedsApproval() bool {
	return s == StatusApprovalPending || s == StatusMFAAndApprovalPending
}

// NeedsStepUp reports whether the status is waiting on step-up verification.
func (s RequestStatus) NeedsStepUp() bool {
	return s == StatusMFAPending || s == StatusMFAAndApprovalPending
}

// validTransitions encodes the request state machine. Terminal states
// have no successors.
var validTransitions = map[RequestStatus][]RequestStatus{
	StatusRequested: {StatusPolicyResolved, StatusDenied},
	StatusPolicyResolved: {
		StatusAutoApproved, StatusMFAPending, StatusApprovalPending,
		StatusMFAAndApprovalPending, StatusEmergencyGranted, StatusDenied,
	},
	StatusAutoApproved:          {StatusTokenIssued, StatusDenied},
	StatusEmergencyGranted:      {StatusTokenIssued, StatusDenied},
	StatusMFAPending:            {StatusApproved, StatusDenied, StatusExpired},
	StatusApprovalPending:       {StatusApproved, StatusDenied, StatusExpired},
	StatusMFAAndApprovalPending: {StatusApproved, StatusDenied, StatusExpired},
	StatusApproved:              {StatusTokenIssued, StatusDenied},
}

// CanTransitionTo reports whether moving from s to next is a legal
// state machine transition.
func (s RequestStatus) CanTransitionTo(next RequestStatus) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ApprovalEntry records one approver action on a request.
type ApprovalEntry struct {
	ApproverID string    `json:"approver_id"`
	Role       string    `json:"role"`
	Method     string    `json:"method"`
	Timestamp  time.Time `json:"timestamp"`
}

// StepUpResult records a completed step-up verification.
type StepUpResult struct {
	Method     string    `json:"method"`
	VerifiedAt time.Time `json:"verified_at"`
}

// ElevationRequest is one attempt to obtain elevated rights for a
// single intercepted command.
type ElevationRequest struct {
	ID              string          `json:"id"`
	Actor           Actor           `json:"actor"`
	HookType        string          `json:"hook_type"`
	Command         string          `json:"command"`
	Args            []string        `json:"args,omitempty"`
	RequestedScopes []string        `json:"requested_scopes"`
	Justification   string          `json:"justification,omitempty"`
	Call            CallContext     `json:"call,omitempty"`
	RiskScore       int             `json:"risk_score"`
	RiskTier        string          `json:"risk_tier,omitempty"`
	Status          RequestStatus   `json:"status"`
	Emergency       bool            `json:"emergency,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	DecidedAt       time.Time       `json:"decided_at,omitempty"`
	ExpiresAt       time.Time       `json:"expires_at,omitempty"`
	StepUpDeadline  time.Time       `json:"step_up_deadline,omitempty"`
	ApprovalChain   []ApprovalEntry `json:"approval_chain,omitempty"`
	StepUp          *StepUpResult   `json:"step_up,omitempty"`
	DenialReason    string          `json:"denial_reason,omitempty"`
	PolicyVersion   int64           `json:"policy_version,omitempty"`
}

// Validate ensures the request has required fields.
func (r *ElevationRequest) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("request id cannot be empty")
	}
	if r.Actor.UserID == "" || r.Actor.TenantID == "" {
		return fmt.Errorf("request actor must carry user and tenant")
	}
	if r.Actor.Market == "" {
		return fmt.Errorf("request actor must carry a market code")
	}
	if r.HookType == "" {
		return fmt.Errorf("request hook type cannot be empty")
	}
	if len(r.RequestedScopes) == 0 {
		return fmt.Errorf("request must name at least one scope")
	}
	return nil
}

// HasApproval reports whether the given approver already appears in
// the approval chain. Used to deduplicate re-delivered approvals.
func (r *ElevationRequest) HasApproval(approverID string) bool {
	for _, e := range r.ApprovalChain {
		if e.ApproverID == approverID {
			return true
		}
	}
	return false
}

// ApprovalCount returns the number of distinct recorded approvals.
func (r *ElevationRequest) ApprovalCount() int {
	return len(r.ApprovalChain)
}
