package policy

import (
	"fmt"
	"time"

	"github.com/hoistsec/hoist/config"
)

// EffectivePolicy is the resolved ruleset for one
// (market, tenant, hook, command) tuple. It is a value: a request holds
// the copy it resolved so config swaps never alter in-flight decisions.
type EffectivePolicy struct {
	StepUpLevel      string        `json:"step_up_level"`
	ApprovalRequired bool          `json:"approval_required"`
	DualApproval     bool          `json:"dual_approval"`
	MaxDuration      time.Duration `json:"max_duration"`
	DefaultDuration  time.Duration `json:"default_duration"`
	ApproverRoles    []string      `json:"approver_roles,omitempty"`
	EmergencyAllowed bool          `json:"emergency_allowed"`
	EmergencyRoles   []string      `json:"emergency_roles,omitempty"`
	AuditRetention   time.Duration `json:"audit_retention"`
	StepUpTimeout    time.Duration `json:"step_up_timeout"`
	DecisionWindow   time.Duration `json:"decision_window"`
	PolicyVersion    int64         `json:"policy_version"`
}

// RequiresStepUp reports whether any step-up verification is needed.
func (p EffectivePolicy) RequiresStepUp() bool {
	return config.StepUpRank(p.StepUpLevel) > 0
}

// RequiredApprovals returns the number of distinct approvals needed.
func (p EffectivePolicy) RequiredApprovals() int {
	if !p.ApprovalRequired {
		return 0
	}
	if p.DualApproval {
		return 2
	}
	return 1
}

// Validate checks the resolved policy invariants.
func (p EffectivePolicy) Validate() error {
	if p.MaxDuration < p.DefaultDuration || p.DefaultDuration < 0 {
		return fmt.Errorf("policy duration bounds violated: max %s < default %s",
			p.MaxDuration, p.DefaultDuration)
	}
	if p.DualApproval && !p.ApprovalRequired {
		return fmt.Errorf("dual approval implies approval required")
	}
	return nil
}
