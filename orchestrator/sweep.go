package orchestrator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/hoistsec/hoist/risk"
	"github.com/hoistsec/hoist/telemetry"
	"github.com/hoistsec/hoist/types"
)

// Sweep times out overdue pending requests. It is the backstop for
// every deadline: step-up deadlines normally fire through the
// verifier's context, and this catches the rest (no verifier wired,
// process restarts, approvals that never arrive). Returns how many
// requests it closed.
func (o *Orchestrator) Sweep(ctx context.Context, now time.Time) int {
	ctx, span := o.tracer.Start(ctx, "orchestrator.sweep")
	defer span.End()

	o.mu.RLock()
	entries := make([]*liveRequest, 0, len(o.live))
	for _, live := range o.live {
		entries = append(entries, live)
	}
	o.mu.RUnlock()

	closed := 0
	for _, live := range entries {
		live.mu.Lock()
		req := live.req
		switch {
		case req.Status.IsTerminal():
			// Raced with a concurrent decision.
		case req.Status.NeedsStepUp() && req.StepUp == nil && !req.StepUpDeadline.IsZero() && now.After(req.StepUpDeadline):
			o.deny(ctx, live, types.ReasonMFATimeout)
			closed++
		case req.Status.IsPending() && now.After(req.ExpiresAt):
			o.expire(ctx, live, types.ReasonApprovalTimeout)
			closed++
		}
		live.mu.Unlock()
	}

	o.pruneIssued(now)

	o.mu.RLock()
	pending := len(o.live)
	o.mu.RUnlock()
	telemetry.RecordPendingRequests(ctx, int64(pending))

	if closed > 0 {
		o.logger.WithContext(ctx).Info().
			Int("closed", closed).
			Int("pending", pending).
			Msg("sweep closed overdue requests")
	}
	span.SetAttributes(attribute.Int("sweep.closed", closed))
	return closed
}

// expire moves a pending request to EXPIRED. Caller holds live.mu.
func (o *Orchestrator) expire(ctx context.Context, live *liveRequest, reason string) {
	req := live.req
	req.DenialReason = reason
	req.DecidedAt = time.Now().UTC()
	if err := o.transition(ctx, req, types.StatusExpired, reason); err != nil {
		o.logger.WithContext(ctx).Error().
			Err(err).
			Str("request_id", req.ID).
			Msg("expire transition failed")
	}
	telemetry.CountDecision(ctx, "expired")
	o.drop(live)
}

// pruneIssued drops retained tokens once they are past expiry; the
// ledger keeps the durable record.
func (o *Orchestrator) pruneIssued(now time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, tok := range o.issued {
		if tok.ExpiredAt(now) {
			delete(o.issued, id)
		}
	}
}

// Resume reloads pending requests from storage after a restart and
// re-arms their step-up goroutines. Policies are re-resolved against
// the current config snapshot, but the original deadlines persist: a
// restart never extends a request's window.
func (o *Orchestrator) Resume(ctx context.Context) (int, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.resume")
	defer span.End()

	pending, err := o.store.PendingRequests()
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	resumed := 0
	for _, req := range pending {
		snap := o.snapshots.Current()
		pol, err := o.resolver.ResolveAt(ctx, snap, req.Actor.Market, req.Actor.TenantID, req.HookType, req.Command, now)
		if err != nil {
			o.logger.WithContext(ctx).Error().
				Err(err).
				Str("request_id", req.ID).
				Msg("cannot re-resolve policy for pending request")
			live := &liveRequest{req: req}
			live.mu.Lock()
			o.deny(ctx, live, types.ReasonPolicyError)
			live.mu.Unlock()
			continue
		}
		pol = risk.Escalate(pol, risk.Tier(req.RiskTier))

		live := &liveRequest{req: req, pol: pol}
		o.mu.Lock()
		o.live[req.ID] = live
		o.mu.Unlock()

		if req.Status.NeedsStepUp() && req.StepUp == nil && now.Before(req.StepUpDeadline) {
			live.mu.Lock()
			o.startStepUp(live)
			live.mu.Unlock()
		}
		resumed++
	}

	o.logger.WithContext(ctx).Info().
		Int("resumed", resumed).
		Msg("pending requests resumed")
	span.SetAttributes(attribute.Int("resume.count", resumed))
	return resumed, nil
}
