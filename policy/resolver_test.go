package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hoistsec/hoist/config"
)

const resolverConfig = `
version: "1"
markets:
  EU:
    step_up_level: basic
    approval_required: false
    approver_roles: [security-lead]
    max_duration: 2h
    default_duration: 1h
    emergency_allowed: true
    emergency_roles: [incident-commander]
    audit_retention: 8760h
    step_up_timeout: 5m
    decision_window: 2h
  US:
    step_up_level: none
    max_duration: 4h
    default_duration: 4h
    audit_retention: 2160h
tenants:
  acme:
    step_up_level: strong
    max_duration: 30m
  relaxed:
    step_up_level: none
    max_duration: 8h
hooks:
  container:
    approval_required: true
    approver_roles: [platform-lead]
    commands:
      run:
        dual_approval: true
temporal:
  - name: weekend-lockdown
    markets: [EU]
    window:
      weekdays: [saturday, sunday]
    overlay:
      approval_required: true
`

func newTestSnapshot(t *testing.T) *config.Snapshot {
	t.Helper()
	cfg, err := config.Parse([]byte(resolverConfig))
	if err != nil {
		t.Fatalf("config parse failed: %v", err)
	}
	return config.NewSnapshotStore(cfg).Current()
}

// weekday returns a Monday morning instant, outside every temporal
// window in the test config.
func weekday() time.Time {
	return time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)
}

func TestResolveMarketBaseline(t *testing.T) {
	r := NewResolver(nil)
	snap := newTestSnapshot(t)

	pol, err := r.ResolveAt(context.Background(), snap, "EU", "unknown-tenant", "scm", "push", weekday())
	if err != nil {
		t.Fatalf("ResolveAt failed: %v", err)
	}

	if pol.StepUpLevel != config.StepUpBasic {
		t.Errorf("StepUpLevel = %q, want basic", pol.StepUpLevel)
	}
	if pol.ApprovalRequired {
		t.Error("baseline should not require approval")
	}
	if pol.MaxDuration != 2*time.Hour {
		t.Errorf("MaxDuration = %v, want 2h", pol.MaxDuration)
	}
	if pol.PolicyVersion != snap.Version() {
		t.Errorf("PolicyVersion = %d, want %d", pol.PolicyVersion, snap.Version())
	}
}

func TestResolveUnknownMarket(t *testing.T) {
	r := NewResolver(nil)
	snap := newTestSnapshot(t)

	_, err := r.ResolveAt(context.Background(), snap, "MARS", "acme", "scm", "push", weekday())
	if !errors.Is(err, ErrPolicyNotFound) {
		t.Fatalf("err = %v, want ErrPolicyNotFound", err)
	}
}

func TestResolveTenantTightens(t *testing.T) {
	r := NewResolver(nil)
	snap := newTestSnapshot(t)

	pol, err := r.ResolveAt(context.Background(), snap, "EU", "acme", "scm", "push", weekday())
	if err != nil {
		t.Fatalf("ResolveAt failed: %v", err)
	}

	if pol.StepUpLevel != config.StepUpStrong {
		t.Errorf("StepUpLevel = %q, want strong (tenant tightened)", pol.StepUpLevel)
	}
	if pol.MaxDuration != 30*time.Minute {
		t.Errorf("MaxDuration = %v, want 30m (tenant tightened)", pol.MaxDuration)
	}
	// Default grant is clamped inside the tightened max.
	if pol.DefaultDuration != 30*time.Minute {
		t.Errorf("DefaultDuration = %v, want clamped to 30m", pol.DefaultDuration)
	}
}

func TestResolveTenantCannotRelax(t *testing.T) {
	r := NewResolver(nil)
	snap := newTestSnapshot(t)

	pol, err := r.ResolveAt(context.Background(), snap, "EU", "relaxed", "scm", "push", weekday())
	if err != nil {
		t.Fatalf("ResolveAt failed: %v", err)
	}

	// The market floor holds: basic step-up and a 2h cap survive a
	// tenant overlay that asks for less.
	if pol.StepUpLevel != config.StepUpBasic {
		t.Errorf("StepUpLevel = %q, want basic (market floor)", pol.StepUpLevel)
	}
	if pol.MaxDuration != 2*time.Hour {
		t.Errorf("MaxDuration = %v, want 2h (market floor)", pol.MaxDuration)
	}
}

func TestResolveHookAndCommandLayers(t *testing.T) {
	r := NewResolver(nil)
	snap := newTestSnapshot(t)

	pol, err := r.ResolveAt(context.Background(), snap, "EU", "unknown", "container", "exec", weekday())
	if err != nil {
		t.Fatalf("ResolveAt failed: %v", err)
	}
	if !pol.ApprovalRequired {
		t.Error("container hook should require approval")
	}
	if pol.DualApproval {
		t.Error("exec command should not require dual approval")
	}
	if pol.RequiredApprovals() != 1 {
		t.Errorf("RequiredApprovals = %d, want 1", pol.RequiredApprovals())
	}

	pol, err = r.ResolveAt(context.Background(), snap, "EU", "unknown", "container", "run", weekday())
	if err != nil {
		t.Fatalf("ResolveAt failed: %v", err)
	}
	if !pol.DualApproval {
		t.Error("run command should require dual approval")
	}
	if pol.RequiredApprovals() != 2 {
		t.Errorf("RequiredApprovals = %d, want 2", pol.RequiredApprovals())
	}
}

func TestResolveApproverRolePrecedence(t *testing.T) {
	r := NewResolver(nil)
	snap := newTestSnapshot(t)

	// Hook layer replaces market approver roles.
	pol, err := r.ResolveAt(context.Background(), snap, "EU", "unknown", "container", "exec", weekday())
	if err != nil {
		t.Fatalf("ResolveAt failed: %v", err)
	}
	if len(pol.ApproverRoles) != 1 || pol.ApproverRoles[0] != "platform-lead" {
		t.Errorf("ApproverRoles = %v, want [platform-lead]", pol.ApproverRoles)
	}
}

func TestResolveTemporalWindow(t *testing.T) {
	r := NewResolver(nil)
	snap := newTestSnapshot(t)

	saturday := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)

	pol, err := r.ResolveAt(context.Background(), snap, "EU", "unknown", "scm", "push", saturday)
	if err != nil {
		t.Fatalf("ResolveAt failed: %v", err)
	}
	if !pol.ApprovalRequired {
		t.Error("weekend lockdown should force approval in EU")
	}

	// The same rule does not reach the US market.
	pol, err = r.ResolveAt(context.Background(), snap, "US", "unknown", "scm", "push", saturday)
	if err != nil {
		t.Fatalf("ResolveAt failed: %v", err)
	}
	if pol.ApprovalRequired {
		t.Error("weekend lockdown should not apply to US")
	}
}

func TestResolveDefaultTimeouts(t *testing.T) {
	r := NewResolver(nil)
	snap := newTestSnapshot(t)

	// US market leaves step_up_timeout and decision_window unset.
	pol, err := r.ResolveAt(context.Background(), snap, "US", "unknown", "scm", "push", weekday())
	if err != nil {
		t.Fatalf("ResolveAt failed: %v", err)
	}
	if pol.StepUpTimeout != 5*time.Minute {
		t.Errorf("StepUpTimeout = %v, want default 5m", pol.StepUpTimeout)
	}
	if pol.DecisionWindow != 2*time.Hour {
		t.Errorf("DecisionWindow = %v, want default 2h", pol.DecisionWindow)
	}
}
