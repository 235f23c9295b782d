// Package orchestrator drives elevation requests through their state
// machine: policy resolution, risk escalation, step-up verification,
// human approval, and token issuance. It is the only writer of request
// state; every transition is persisted and audited before the caller
// sees it.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hoistsec/hoist/audit"
	"github.com/hoistsec/hoist/config"
	"github.com/hoistsec/hoist/policy"
	"github.com/hoistsec/hoist/risk"
	"github.com/hoistsec/hoist/storage"
	"github.com/hoistsec/hoist/telemetry"
	"github.com/hoistsec/hoist/types"
)

var (
	ErrRequestNotFound     = errors.New("request not found")
	ErrTooManyPending      = errors.New("too many pending requests for actor")
	ErrNotAwaitingApproval = errors.New("request is not awaiting approval")
	ErrSelfApproval        = errors.New("requester cannot approve their own request")
	ErrApproverRole        = errors.New("approver role is not permitted by policy")
	ErrNotRequester        = errors.New("only the requester may cancel")
	ErrInvalidTransition   = errors.New("invalid state transition")
)

// StepUpVerifier runs an interactive step-up challenge for an actor.
// Verify blocks until the challenge completes or ctx is done.
type StepUpVerifier interface {
	Verify(ctx context.Context, actor types.Actor, level string) (types.StepUpResult, error)
}

// ApprovalNotifier tells approvers a request is waiting on them.
// Delivery is best-effort; approvals arrive through Approve regardless.
type ApprovalNotifier interface {
	Notify(ctx context.Context, req *types.ElevationRequest, pol policy.EffectivePolicy) error
}

// TokenIssuer mints the elevation token for an approved request.
type TokenIssuer interface {
	Issue(ctx context.Context, req *types.ElevationRequest, granted []string, duration time.Duration, pol policy.EffectivePolicy) (*types.ElevationToken, error)
}

// Options tune orchestrator limits.
type Options struct {
	// MaxPendingPerActor caps concurrent undecided requests per actor.
	MaxPendingPerActor int
	// SweepInterval is how often the daemon calls Sweep.
	SweepInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxPendingPerActor <= 0 {
		o.MaxPendingPerActor = 5
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 30 * time.Second
	}
	return o
}

// Submission is the caller-supplied half of a new elevation request.
type Submission struct {
	Actor           types.Actor
	HookType        string
	Command         string
	Args            []string
	RequestedScopes []string
	Justification   string
	Call            types.CallContext
	Emergency       bool
	// Duration is the requested token lifetime. Zero means the policy
	// default.
	Duration time.Duration
}

// liveRequest is the in-memory half of an undecided request. The
// mutex serializes every mutation; persisted state is always written
// before the lock is released.
type liveRequest struct {
	mu  sync.Mutex
	req *types.ElevationRequest
	pol policy.EffectivePolicy

	duration   time.Duration
	stepUpDone context.CancelFunc
}

// Orchestrator owns the request state machine.
type Orchestrator struct {
	snapshots *config.SnapshotStore
	resolver  *policy.Resolver
	scorer    *risk.Scorer
	tokens    TokenIssuer
	store     storage.RequestStorage
	verifier  StepUpVerifier
	notifier  ApprovalNotifier
	recorder  *audit.Recorder
	opts      Options

	mu     sync.RWMutex
	live   map[string]*liveRequest
	issued map[string]*types.ElevationToken

	wg     sync.WaitGroup
	logger *telemetry.Logger
	tracer trace.Tracer
}

// New wires the orchestrator. verifier and notifier may be nil when
// the deployment has no step-up or approval channel; policies that
// demand them will then time out through the sweeper rather than hang
// silently.
func New(snapshots *config.SnapshotStore, resolver *policy.Resolver, scorer *risk.Scorer, tokens TokenIssuer, store storage.RequestStorage, verifier StepUpVerifier, notifier ApprovalNotifier, recorder *audit.Recorder, opts Options) *Orchestrator {
	return &Orchestrator{
		snapshots: snapshots,
		resolver:  resolver,
		scorer:    scorer,
		tokens:    tokens,
		store:     store,
		verifier:  verifier,
		notifier:  notifier,
		recorder:  recorder,
		opts:      opts.withDefaults(),
		live:      make(map[string]*liveRequest),
		issued:    make(map[string]*types.ElevationToken),
		logger:    telemetry.NewLogger("orchestrator"),
		tracer:    otel.Tracer("orchestrator"),
	}
}

// SweepInterval exposes the configured sweep cadence to the daemon.
func (o *Orchestrator) SweepInterval() time.Duration {
	return o.opts.SweepInterval
}

// Submit runs a new elevation request as far through the state machine
// as it can go without waiting on a human: through policy resolution
// and risk scoring, then either to a synchronous terminal state
// (auto-approval, emergency grant, denial) or parked pending step-up
// or approval. The returned request reflects the state after Submit.
func (o *Orchestrator) Submit(ctx context.Context, sub Submission) (*types.ElevationRequest, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.submit",
		trace.WithAttributes(
			attribute.String("hook.type", sub.HookType),
			attribute.String("actor.tenant", sub.Actor.TenantID)))
	defer span.End()

	req := &types.ElevationRequest{
		ID:              ksuid.New().String(),
		Actor:           sub.Actor,
		HookType:        sub.HookType,
		Command:         sub.Command,
		Args:            sub.Args,
		RequestedScopes: sub.RequestedScopes,
		Justification:   sub.Justification,
		Call:            sub.Call,
		Emergency:       sub.Emergency,
		Status:          types.StatusRequested,
		CreatedAt:       time.Now().UTC(),
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if pending := o.store.CountPending(sub.Actor.Key()); pending >= o.opts.MaxPendingPerActor {
		o.logger.WithContext(ctx).Warn().
			Str("actor", sub.Actor.Key()).
			Int("pending", pending).
			Msg("pending request cap reached")
		return nil, ErrTooManyPending
	}

	if _, err := o.store.PutRequest(req); err != nil {
		return nil, err
	}
	o.record(audit.RequestEvent(types.EventRequestSubmitted, req, map[string]any{
		"command":   req.Command,
		"scopes":    req.RequestedScopes,
		"emergency": req.Emergency,
	}))
	telemetry.CountRequestSubmitted(ctx, req.HookType)

	live := &liveRequest{req: req, duration: sub.Duration}
	o.mu.Lock()
	o.live[req.ID] = live
	o.mu.Unlock()

	live.mu.Lock()
	defer live.mu.Unlock()
	o.decide(ctx, live)
	return req, nil
}

// decide moves a freshly persisted request from REQUESTED to its first
// resting state. Caller holds live.mu.
func (o *Orchestrator) decide(ctx context.Context, live *liveRequest) {
	req := live.req
	now := time.Now().UTC()

	snap := o.snapshots.Current()
	pol, err := o.resolver.ResolveAt(ctx, snap, req.Actor.Market, req.Actor.TenantID, req.HookType, req.Command, now)
	if err != nil {
		o.logger.WithContext(ctx).Error().
			Err(err).
			Str("request_id", req.ID).
			Str("market", req.Actor.Market).
			Msg("policy resolution failed")
		o.deny(ctx, live, types.ReasonPolicyError)
		return
	}

	assessment := o.scorer.Score(ctx, req.Actor, req.Call)
	req.RiskScore = assessment.Score
	req.RiskTier = string(assessment.Tier)
	pol = risk.Escalate(pol, assessment.Tier)
	live.pol = pol

	req.PolicyVersion = pol.PolicyVersion
	req.ExpiresAt = now.Add(pol.DecisionWindow)
	if err := o.transition(ctx, req, types.StatusPolicyResolved, ""); err != nil {
		o.deny(ctx, live, types.ReasonPolicyError)
		return
	}
	o.record(audit.RequestEvent(types.EventPolicyResolved, req, map[string]any{
		"policy_version":    pol.PolicyVersion,
		"step_up_level":     pol.StepUpLevel,
		"approvals_needed":  pol.RequiredApprovals(),
		"risk_score":        assessment.Score,
		"risk_tier":         string(assessment.Tier),
		"risk_degraded":     assessment.Degraded,
		"emergency_allowed": pol.EmergencyAllowed,
	}))

	if req.Emergency {
		o.decideEmergency(ctx, live)
		return
	}

	stepUp := pol.RequiresStepUp()
	approvals := pol.RequiredApprovals()

	// A medium or worse risk reading never auto-approves: when the
	// policy itself asks for nothing, the risk tier still forces a
	// basic step-up.
	if !stepUp && approvals == 0 && assessment.Tier != risk.TierLow {
		live.pol.StepUpLevel = config.StepUpBasic
		stepUp = true
	}

	if approvals > 0 && req.Justification == "" {
		o.deny(ctx, live, types.ReasonJustificationMissing)
		return
	}

	if !stepUp && approvals == 0 {
		if err := o.transition(ctx, req, types.StatusAutoApproved, ""); err != nil {
			o.deny(ctx, live, types.ReasonPolicyError)
			return
		}
		telemetry.CountDecision(ctx, "auto_approved")
		o.issueToken(ctx, live)
		return
	}

	var next types.RequestStatus
	switch {
	case stepUp && approvals > 0:
		next = types.StatusMFAAndApprovalPending
	case stepUp:
		next = types.StatusMFAPending
	default:
		next = types.StatusApprovalPending
	}
	if stepUp {
		req.StepUpDeadline = now.Add(live.pol.StepUpTimeout)
	}
	if err := o.transition(ctx, req, next, ""); err != nil {
		o.deny(ctx, live, types.ReasonPolicyError)
		return
	}

	if stepUp {
		o.startStepUp(live)
	}
	if approvals > 0 && o.notifier != nil {
		if err := o.notifier.Notify(ctx, req, live.pol); err != nil {
			// Approvals can still arrive through the API; a failed
			// notification only slows them down.
			o.logger.WithContext(ctx).Warn().
				Err(err).
				Str("request_id", req.ID).
				Msg("approval notification failed")
		}
	}
}

// decideEmergency handles break-glass requests: eligible actors get a
// token immediately and a mandatory post-hoc review, everyone else is
// denied. Caller holds live.mu.
func (o *Orchestrator) decideEmergency(ctx context.Context, live *liveRequest) {
	req, pol := live.req, live.pol

	if req.Justification == "" {
		o.deny(ctx, live, types.ReasonJustificationMissing)
		return
	}
	if !pol.EmergencyAllowed || !req.Actor.HasAnyRole(pol.EmergencyRoles) {
		o.deny(ctx, live, types.ReasonEmergencyNotAllowed)
		return
	}

	if err := o.transition(ctx, req, types.StatusEmergencyGranted, ""); err != nil {
		o.deny(ctx, live, types.ReasonPolicyError)
		return
	}
	telemetry.CountDecision(ctx, "emergency_granted")
	o.issueToken(ctx, live)
}

// startStepUp launches the verification goroutine bounded by the
// step-up deadline. Caller holds live.mu.
func (o *Orchestrator) startStepUp(live *liveRequest) {
	if o.verifier == nil {
		// No verifier wired: the request waits until the sweeper
		// times it out.
		return
	}
	deadline := live.req.StepUpDeadline
	stepCtx, cancel := context.WithDeadline(context.Background(), deadline)
	live.stepUpDone = cancel

	actor := live.req.Actor
	level := live.pol.StepUpLevel

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		result, err := o.verifier.Verify(stepCtx, actor, level)

		live.mu.Lock()
		defer live.mu.Unlock()
		if !live.req.Status.NeedsStepUp() {
			return
		}
		if err != nil {
			reason := types.ReasonMFAFailed
			if errors.Is(err, context.DeadlineExceeded) {
				reason = types.ReasonMFATimeout
			}
			o.deny(context.Background(), live, reason)
			return
		}
		live.req.StepUp = &result
		o.maybeApprove(context.Background(), live)
	}()
}

// issueToken finalizes a grantable request. Issuance failure is
// terminal: the request is denied rather than left half-approved.
// Caller holds live.mu.
func (o *Orchestrator) issueToken(ctx context.Context, live *liveRequest) {
	req := live.req

	tok, err := o.tokens.Issue(ctx, req, req.RequestedScopes, live.duration, live.pol)
	if err != nil {
		o.logger.WithContext(ctx).Error().
			Err(err).
			Str("request_id", req.ID).
			Msg("token issuance failed")
		o.deny(ctx, live, types.ReasonTokenIssuanceFailed)
		return
	}

	req.DecidedAt = time.Now().UTC()
	if err := o.transition(ctx, req, types.StatusTokenIssued, ""); err != nil {
		o.deny(ctx, live, types.ReasonTokenIssuanceFailed)
		return
	}

	o.mu.Lock()
	o.issued[req.ID] = tok
	delete(o.live, req.ID)
	o.mu.Unlock()

	telemetry.ObserveDecisionDuration(ctx, req.DecidedAt.Sub(req.CreatedAt).Seconds())
}

// deny moves a request to DENIED with the given reason. Caller holds
// live.mu. Safe on any non-terminal state.
func (o *Orchestrator) deny(ctx context.Context, live *liveRequest, reason string) {
	req := live.req
	if req.Status.IsTerminal() {
		return
	}
	req.DenialReason = reason
	req.DecidedAt = time.Now().UTC()
	if err := o.transition(ctx, req, types.StatusDenied, reason); err != nil {
		o.logger.WithContext(ctx).Error().
			Err(err).
			Str("request_id", req.ID).
			Str("reason", reason).
			Msg("denial transition failed")
	}
	telemetry.CountDecision(ctx, "denied")
	telemetry.ObserveDecisionDuration(ctx, req.DecidedAt.Sub(req.CreatedAt).Seconds())
	o.drop(live)
}

// transition validates, applies, persists, logs, and audits one state
// machine edge. Caller holds live.mu for live requests.
func (o *Orchestrator) transition(ctx context.Context, req *types.ElevationRequest, next types.RequestStatus, reason string) error {
	if !req.Status.CanTransitionTo(next) {
		return ErrInvalidTransition
	}
	from := req.Status
	req.Status = next
	if _, err := o.store.PutRequest(req); err != nil {
		req.Status = from
		return err
	}
	o.logger.LogTransition(ctx, req.ID, string(from), string(next), reason)
	o.record(audit.RequestEvent(types.EventStatusChanged, req, map[string]any{
		"from":   string(from),
		"to":     string(next),
		"reason": reason,
	}))
	return nil
}

// drop removes a live entry after a terminal transition and cancels
// any outstanding step-up goroutine.
func (o *Orchestrator) drop(live *liveRequest) {
	if live.stepUpDone != nil {
		live.stepUpDone()
	}
	o.mu.Lock()
	delete(o.live, live.req.ID)
	o.mu.Unlock()
}

func (o *Orchestrator) record(event types.AuditEvent) {
	if o.recorder == nil {
		return
	}
	o.recorder.Record(event)
}

// Get returns the current state of a request, live or persisted.
func (o *Orchestrator) Get(requestID string) (*types.ElevationRequest, error) {
	o.mu.RLock()
	live, ok := o.live[requestID]
	o.mu.RUnlock()
	if ok {
		live.mu.Lock()
		snapshot := *live.req
		live.mu.Unlock()
		return &snapshot, nil
	}
	req, err := o.store.GetRequest(requestID)
	if err != nil {
		return nil, ErrRequestNotFound
	}
	return req, nil
}

// IssuedToken returns the token minted for a request, if issuance
// happened in this process and the token has not been swept yet.
func (o *Orchestrator) IssuedToken(requestID string) (*types.ElevationToken, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	tok, ok := o.issued[requestID]
	return tok, ok
}

// Close cancels outstanding step-up goroutines and waits for them.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	for _, live := range o.live {
		if live.stepUpDone != nil {
			live.stepUpDone()
		}
	}
	o.mu.Unlock()
	o.wg.Wait()
}
