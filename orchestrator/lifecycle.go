package orchestrator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hoistsec/hoist/audit"
	"github.com/hoistsec/hoist/telemetry"
	"github.com/hoistsec/hoist/types"
)

// Approve records one approver's decision on a pending request.
// Re-delivered approvals from the same approver are idempotent. The
// request moves forward only once every required approval and any
// pending step-up have both landed.
func (o *Orchestrator) Approve(ctx context.Context, requestID, approverID, role string) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.approve",
		trace.WithAttributes(
			attribute.String("request.id", requestID),
			attribute.String("approver.id", approverID)))
	defer span.End()

	live, err := o.liveEntry(requestID)
	if err != nil {
		return err
	}

	live.mu.Lock()
	defer live.mu.Unlock()

	req := live.req
	if !req.Status.NeedsApproval() {
		return ErrNotAwaitingApproval
	}
	if approverID == req.Actor.UserID {
		return ErrSelfApproval
	}
	if !roleAllowed(role, live.pol.ApproverRoles) {
		return ErrApproverRole
	}
	if req.HasApproval(approverID) {
		return nil
	}

	req.ApprovalChain = append(req.ApprovalChain, types.ApprovalEntry{
		ApproverID: approverID,
		Role:       role,
		Method:     "api",
		Timestamp:  time.Now().UTC(),
	})
	if _, err := o.store.PutRequest(req); err != nil {
		req.ApprovalChain = req.ApprovalChain[:len(req.ApprovalChain)-1]
		return err
	}

	o.logger.WithContext(ctx).Info().
		Str("request_id", req.ID).
		Str("approver_id", approverID).
		Int("approvals", req.ApprovalCount()).
		Int("required", live.pol.RequiredApprovals()).
		Msg("approval recorded")
	o.record(audit.RequestEvent(types.EventApproverDecision, req, map[string]any{
		"approver_id": approverID,
		"role":        role,
		"decision":    "approve",
	}))

	o.maybeApprove(ctx, live)
	return nil
}

// Reject denies a pending request on the first rejection; a dual
// approval policy does not wait for the second opinion.
func (o *Orchestrator) Reject(ctx context.Context, requestID, approverID, role string) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.reject",
		trace.WithAttributes(
			attribute.String("request.id", requestID),
			attribute.String("approver.id", approverID)))
	defer span.End()

	live, err := o.liveEntry(requestID)
	if err != nil {
		return err
	}

	live.mu.Lock()
	defer live.mu.Unlock()

	req := live.req
	if !req.Status.NeedsApproval() {
		return ErrNotAwaitingApproval
	}
	if !roleAllowed(role, live.pol.ApproverRoles) {
		return ErrApproverRole
	}

	// The denial transition persists the request, so the chain entry
	// keeps the rejecting approver on the durable record.
	req.ApprovalChain = append(req.ApprovalChain, types.ApprovalEntry{
		ApproverID: approverID,
		Role:       role,
		Method:     "reject",
		Timestamp:  time.Now().UTC(),
	})

	o.logger.WithContext(ctx).Info().
		Str("request_id", req.ID).
		Str("approver_id", approverID).
		Msg("request rejected")
	o.record(audit.RequestEvent(types.EventApproverDecision, req, map[string]any{
		"approver_id": approverID,
		"role":        role,
		"decision":    "reject",
	}))

	o.deny(ctx, live, types.ReasonRejected)
	return nil
}

// Cancel lets the requester withdraw their own pending request.
func (o *Orchestrator) Cancel(ctx context.Context, requestID, actorID string) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.cancel",
		trace.WithAttributes(attribute.String("request.id", requestID)))
	defer span.End()

	live, err := o.liveEntry(requestID)
	if err != nil {
		return err
	}

	live.mu.Lock()
	defer live.mu.Unlock()

	req := live.req
	if req.Actor.UserID != actorID {
		return ErrNotRequester
	}
	if req.Status.IsTerminal() {
		return ErrNotAwaitingApproval
	}

	o.deny(ctx, live, types.ReasonCancelled)
	return nil
}

// maybeApprove checks whether every gate has cleared and, if so, moves
// the request to APPROVED and issues its token. Caller holds live.mu.
func (o *Orchestrator) maybeApprove(ctx context.Context, live *liveRequest) {
	req := live.req

	if live.pol.RequiresStepUp() && req.StepUp == nil {
		return
	}
	if req.ApprovalCount() < live.pol.RequiredApprovals() {
		return
	}

	if err := o.transition(ctx, req, types.StatusApproved, ""); err != nil {
		o.logger.WithContext(ctx).Error().
			Err(err).
			Str("request_id", req.ID).
			Msg("approval transition failed")
		return
	}
	telemetry.CountDecision(ctx, "approved")
	o.issueToken(ctx, live)
}

// liveEntry looks up the in-memory state for a request.
func (o *Orchestrator) liveEntry(requestID string) (*liveRequest, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	live, ok := o.live[requestID]
	if !ok {
		return nil, ErrRequestNotFound
	}
	return live, nil
}

func roleAllowed(role string, allowed []string) bool {
	for _, r := range allowed {
		if r == role {
			return true
		}
	}
	return false
}
