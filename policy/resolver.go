// Package policy resolves the effective elevation policy for one
// operation by merging four configuration layers: market defaults,
// tenant overrides, hook-specific rules and temporal rules.
//
// Precedence for preference fields is tenant > hook > temporal > market.
// Strictness fields never relax: the resolver takes the maximum required
// strength across layers and the minimum allowed duration, so a
// market-mandated floor cannot be weakened by a lower layer.
package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hoistsec/hoist/config"
	"github.com/hoistsec/hoist/telemetry"
)

// ErrPolicyNotFound means no market baseline exists for the request.
// All other layers are optional; a missing market is a misconfiguration.
var ErrPolicyNotFound = errors.New("policy not found")

// Defaults applied when the market document leaves a field unset.
const (
	defaultStepUpTimeout  = 5 * time.Minute
	defaultDecisionWindow = 2 * time.Hour
)

// Resolver computes effective policies from configuration snapshots.
// Resolve is a pure function of its inputs and the snapshot; it is safe
// to call concurrently and repeatedly.
type Resolver struct {
	snapshots *config.SnapshotStore
	logger    *telemetry.Logger
	tracer    trace.Tracer
}

// NewResolver creates a resolver reading from the given snapshot store.
func NewResolver(snapshots *config.SnapshotStore) *Resolver {
	return &Resolver{
		snapshots: snapshots,
		logger:    telemetry.NewLogger("policy-resolver"),
		tracer:    otel.Tracer("policy-resolver"),
	}
}

// Resolve computes the effective policy against the current snapshot.
func (r *Resolver) Resolve(ctx context.Context, market, tenant, hookType, command string) (EffectivePolicy, error) {
	return r.ResolveAt(ctx, r.snapshots.Current(), market, tenant, hookType, command, time.Now())
}

// ResolveAt computes the effective policy against an explicit snapshot
// and instant. The orchestrator pins a snapshot per request lifecycle.
func (r *Resolver) ResolveAt(ctx context.Context, snap *config.Snapshot, market, tenant, hookType, command string, now time.Time) (EffectivePolicy, error) {
	ctx, span := r.tracer.Start(ctx, "policy.resolve",
		trace.WithAttributes(
			attribute.String("market", market),
			attribute.String("tenant", tenant),
			attribute.String("hook", hookType),
			attribute.String("command", command)))
	defer span.End()

	base, ok := snap.Market(market)
	if !ok {
		r.logger.WithContext(ctx).Error().
			Str("market", market).
			Msg("no market baseline configured")
		return EffectivePolicy{}, fmt.Errorf("market %s: %w", market, ErrPolicyNotFound)
	}

	pol := policyFromMarket(base, snap.Version())
	overlays := collectOverlays(snap, market, tenant, hookType, command, now)

	for _, o := range overlays {
		applyPreferences(&pol, o)
	}
	for _, o := range overlays {
		applyStrictness(&pol, o)
	}
	clampDurations(&pol)

	if err := pol.Validate(); err != nil {
		return EffectivePolicy{}, fmt.Errorf("resolved policy for market %s: %w", market, err)
	}

	r.logger.WithContext(ctx).Debug().
		Str("market", market).
		Str("tenant", tenant).
		Str("hook", hookType).
		Str("step_up", pol.StepUpLevel).
		Bool("approval", pol.ApprovalRequired).
		Bool("dual", pol.DualApproval).
		Int64("policy_version", pol.PolicyVersion).
		Msg("policy resolved")

	return pol, nil
}

// collectOverlays gathers applicable overlays in ascending precedence:
// temporal, hook, hook command, tenant.
func collectOverlays(snap *config.Snapshot, market, tenant, hookType, command string, now time.Time) []config.Overlay {
	var overlays []config.Overlay

	overlays = append(overlays, snap.ActiveTemporal(market, now)...)

	if hook, ok := snap.Hook(hookType); ok {
		overlays = append(overlays, hook.Overlay)
		if cmd, ok := hook.Commands[command]; ok {
			overlays = append(overlays, cmd)
		}
	}

	if t, ok := snap.Tenant(tenant); ok {
		overlays = append(overlays, t)
	}

	return overlays
}

func policyFromMarket(m config.MarketDoc, version int64) EffectivePolicy {
	pol := EffectivePolicy{
		StepUpLevel:      m.StepUpLevel,
		ApprovalRequired: m.ApprovalRequired,
		DualApproval:     m.DualApproval,
		MaxDuration:      m.MaxDuration.Std(),
		DefaultDuration:  m.DefaultDuration.Std(),
		ApproverRoles:    m.ApproverRoles,
		EmergencyAllowed: m.EmergencyAllowed,
		EmergencyRoles:   m.EmergencyRoles,
		AuditRetention:   m.AuditRetention.Std(),
		StepUpTimeout:    m.StepUpTimeout.Std(),
		DecisionWindow:   m.DecisionWindow.Std(),
		PolicyVersion:    version,
	}
	if pol.StepUpTimeout == 0 {
		pol.StepUpTimeout = defaultStepUpTimeout
	}
	if pol.DecisionWindow == 0 {
		pol.DecisionWindow = defaultDecisionWindow
	}
	return pol
}

// applyPreferences overlays last-wins preference fields. Later overlays
// have higher precedence.
func applyPreferences(pol *EffectivePolicy, o config.Overlay) {
	if len(o.ApproverRoles) > 0 {
		pol.ApproverRoles = o.ApproverRoles
	}
	if o.EmergencyAllowed != nil {
		pol.EmergencyAllowed = *o.EmergencyAllowed
	}
	if o.DefaultDuration != nil {
		pol.DefaultDuration = o.DefaultDuration.Std()
	}
}

// applyStrictness merges fields that may only tighten the baseline.
func applyStrictness(pol *EffectivePolicy, o config.Overlay) {
	if o.StepUpLevel != nil {
		if config.StepUpRank(*o.StepUpLevel) > config.StepUpRank(pol.StepUpLevel) {
			pol.StepUpLevel = *o.StepUpLevel
		}
	}
	if o.ApprovalRequired != nil && *o.ApprovalRequired {
		pol.ApprovalRequired = true
	}
	if o.DualApproval != nil && *o.DualApproval {
		pol.DualApproval = true
		pol.ApprovalRequired = true
	}
	if o.MaxDuration != nil && o.MaxDuration.Std() < pol.MaxDuration {
		pol.MaxDuration = o.MaxDuration.Std()
	}
	if o.DecisionWindow != nil && o.DecisionWindow.Std() < pol.DecisionWindow {
		pol.DecisionWindow = o.DecisionWindow.Std()
	}
	if o.StepUpTimeout != nil && o.StepUpTimeout.Std() < pol.StepUpTimeout {
		pol.StepUpTimeout = o.StepUpTimeout.Std()
	}
}

// clampDurations keeps the default grant inside the merged maximum.
func clampDurations(pol *EffectivePolicy) {
	if pol.DefaultDuration > pol.MaxDuration {
		pol.DefaultDuration = pol.MaxDuration
	}
	if pol.StepUpTimeout > pol.DecisionWindow {
		pol.StepUpTimeout = pol.DecisionWindow
	}
}
