// Package token issues, validates and revokes elevation tokens. Tokens
// are signed, self-contained and single-purpose: valid only for the
// hook type and scopes they name, until they expire or are revoked.
package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hoistsec/hoist/audit"
	"github.com/hoistsec/hoist/policy"
	"github.com/hoistsec/hoist/storage"
	"github.com/hoistsec/hoist/telemetry"
	"github.com/hoistsec/hoist/types"
)

// Validation and issuance failures. Issuance errors always deny the
// underlying command; a token is never partially granted.
var (
	ErrDurationExceedsPolicy = errors.New("requested duration exceeds policy maximum")
	ErrScopeNotRequested     = errors.New("granted scope was not requested")
	ErrRequestNotApproved    = errors.New("request is not in an approved state")
	ErrMalformedToken        = errors.New("malformed token")
	ErrInvalidSignature      = errors.New("invalid token signature")
	ErrExpired               = errors.New("token expired")
	ErrRevoked               = errors.New("token revoked")
	ErrScopeMismatch         = errors.New("token does not cover the requested scope")
)

// TTL applied when revoking a token the ledger has no record of.
const unknownTokenDenyTTL = time.Hour

// Service is the single signing authority for elevation tokens.
type Service struct {
	// signMu serializes signing key access per process. It is never
	// held across validation, so unrelated requests don't block.
	signMu sync.Mutex
	signer Signer

	ledger   storage.TokenLedger
	recorder *audit.Recorder

	// In-memory deny-list cache: token id -> deny-until. Keeps Validate
	// at bounded low latency on the hot path.
	deniedMu sync.RWMutex
	denied   map[string]time.Time

	logger *telemetry.Logger
	tracer trace.Tracer
}

// NewService creates a token service. The deny-list cache is warmed
// from the ledger so revocations survive restarts.
func NewService(signer Signer, ledger storage.TokenLedger, recorder *audit.Recorder) (*Service, error) {
	denied, err := ledger.RevokedTokens()
	if err != nil {
		return nil, fmt.Errorf("failed to warm deny-list cache: %w", err)
	}

	return &Service{
		signer:   signer,
		ledger:   ledger,
		recorder: recorder,
		denied:   denied,
		logger:   telemetry.NewLogger("token-service"),
		tracer:   otel.Tracer("token-service"),
	}, nil
}

// issuable reports whether a token may be minted from this state.
// An approved-but-tokenless request must never be observable, so the
// orchestrator calls Issue synchronously from these states.
func issuable(status types.RequestStatus) bool {
	switch status {
	case types.StatusApproved, types.StatusAutoApproved, types.StatusEmergencyGranted:
		return true
	}
	return false
}

// Issue mints a signed token for an approved request. Zero duration
// means the policy default.
func (s *Service) Issue(ctx context.Context, req *types.ElevationRequest, granted []string, duration time.Duration, pol policy.EffectivePolicy) (*types.ElevationToken, error) {
	ctx, span := s.tracer.Start(ctx, "token.issue",
		trace.WithAttributes(attribute.String("request_id", req.ID)))
	defer span.End()

	if !issuable(req.Status) {
		return nil, fmt.Errorf("request %s in state %s: %w", req.ID, req.Status, ErrRequestNotApproved)
	}
	if duration == 0 {
		duration = pol.DefaultDuration
	}
	if duration > pol.MaxDuration {
		return nil, fmt.Errorf("%s > %s: %w", duration, pol.MaxDuration, ErrDurationExceedsPolicy)
	}
	for _, scope := range granted {
		if !contains(req.RequestedScopes, scope) {
			return nil, fmt.Errorf("scope %q: %w", scope, ErrScopeNotRequested)
		}
	}

	now := time.Now().UTC()
	tok := &types.ElevationToken{
		ID:        ksuid.New().String(),
		RequestID: req.ID,
		Subject: types.Subject{
			UserID:   req.Actor.UserID,
			TenantID: req.Actor.TenantID,
		},
		GrantedScopes:         granted,
		IssuedAt:              now,
		ExpiresAt:             now.Add(duration),
		Emergency:             req.Emergency,
		RequiresPostHocReview: req.Status == types.StatusEmergencyGranted,
		Context: types.TokenContext{
			RiskScore:  req.RiskScore,
			RiskTier:   req.RiskTier,
			SourceAddr: req.Call.SourceAddr,
			DeviceID:   req.Call.DeviceID,
			Market:     req.Actor.Market,
			HookType:   req.HookType,
		},
	}

	payload, err := SigningPayload(tok)
	if err != nil {
		return nil, err
	}

	s.signMu.Lock()
	signature, err := s.signer.Sign(ctx, payload)
	s.signMu.Unlock()
	if err != nil {
		telemetry.CountTokenOperation(ctx, "issue", false)
		return nil, fmt.Errorf("failed to sign token for request %s: %w", req.ID, err)
	}
	tok.Signature = signature

	if err := s.ledger.PutToken(storage.TokenRecord{
		TokenID:   tok.ID,
		RequestID: tok.RequestID,
		TenantID:  tok.Subject.TenantID,
		ExpiresAt: tok.ExpiresAt,
	}); err != nil {
		telemetry.CountTokenOperation(ctx, "issue", false)
		return nil, fmt.Errorf("failed to record token %s: %w", tok.ID, err)
	}

	s.logger.LogTokenEvent(ctx, "issue", tok.ID, req.ID)
	telemetry.CountTokenOperation(ctx, "issue", true)
	s.record(audit.TokenEvent(types.EventTokenIssued, tok, map[string]any{
		"scopes":    tok.GrantedScopes,
		"expires":   tok.ExpiresAt,
		"emergency": tok.Emergency,
		"algorithm": s.signer.Algorithm(),
	}))

	return tok, nil
}

// Validate checks a wire token against signature, expiry, revocation,
// hook type and every required scope. It performs no I/O beyond the
// in-memory deny-list cache.
func (s *Service) Validate(ctx context.Context, blob, hookType string, scopes ...string) (*types.ElevationToken, error) {
	ctx, span := s.tracer.Start(ctx, "token.validate",
		trace.WithAttributes(attribute.String("hook", hookType)))
	defer span.End()

	tok, payload, err := DecodeWire(blob)
	if err != nil {
		telemetry.CountTokenOperation(ctx, "validate", false)
		return nil, err
	}

	if err := s.check(tok, payload, hookType, scopes); err != nil {
		telemetry.CountTokenOperation(ctx, "validate", false)
		s.record(audit.TokenEvent(types.EventTokenValidated, tok, map[string]any{
			"ok":     false,
			"reason": err.Error(),
			"hook":   hookType,
			"scopes": scopes,
		}))
		return nil, err
	}

	telemetry.CountTokenOperation(ctx, "validate", true)
	s.record(audit.TokenEvent(types.EventTokenValidated, tok, map[string]any{
		"ok":     true,
		"hook":   hookType,
		"scopes": scopes,
	}))
	return tok, nil
}

func (s *Service) check(tok *types.ElevationToken, payload []byte, hookType string, scopes []string) error {
	if err := s.signer.Verify(payload, tok.Signature); err != nil {
		return err
	}
	if tok.ExpiredAt(time.Now()) {
		return ErrExpired
	}
	if s.Revoked(tok.ID) {
		return ErrRevoked
	}
	if tok.Context.HookType != hookType {
		return fmt.Errorf("token bound to hook %s: %w", tok.Context.HookType, ErrScopeMismatch)
	}
	for _, scope := range scopes {
		if !tok.HasScope(scope) {
			return fmt.Errorf("scope %q: %w", scope, ErrScopeMismatch)
		}
	}
	return nil
}

// Revoke adds the token to the deny-list with TTL equal to its
// remaining lifetime. Once Revoke returns, Validate on this process
// sees the revocation; the persisted entry covers replicas and restarts.
func (s *Service) Revoke(ctx context.Context, tokenID string) error {
	ctx, span := s.tracer.Start(ctx, "token.revoke",
		trace.WithAttributes(attribute.String("token_id", tokenID)))
	defer span.End()

	until := time.Now().Add(unknownTokenDenyTTL)
	rec, found, err := s.ledger.GetToken(tokenID)
	if err != nil {
		return fmt.Errorf("failed to look up token %s: %w", tokenID, err)
	}
	if found {
		until = rec.ExpiresAt
	}

	if err := s.ledger.RevokeToken(tokenID, until); err != nil {
		telemetry.CountTokenOperation(ctx, "revoke", false)
		return err
	}

	s.deniedMu.Lock()
	s.denied[tokenID] = until
	s.deniedMu.Unlock()

	s.logger.LogTokenEvent(ctx, "revoke", tokenID, "")
	telemetry.CountTokenOperation(ctx, "revoke", true)
	event := types.AuditEvent{
		Type:    types.EventTokenRevoked,
		TokenID: tokenID,
		Payload: map[string]any{"deny_until": until},
	}
	if found {
		event.RequestID = rec.RequestID
		event.Tenant = rec.TenantID
	}
	s.record(event)

	return nil
}

// Revoked reports whether the token id is on the deny-list.
func (s *Service) Revoked(tokenID string) bool {
	s.deniedMu.RLock()
	until, ok := s.denied[tokenID]
	s.deniedMu.RUnlock()
	return ok && time.Now().Before(until)
}

// SweepDenyList drops deny-list entries for tokens that have expired
// anyway. Called periodically by the daemon.
func (s *Service) SweepDenyList(now time.Time) (int, error) {
	removed, err := s.ledger.SweepDenyList(now)
	if err != nil {
		return 0, err
	}

	s.deniedMu.Lock()
	for id, until := range s.denied {
		if now.After(until) {
			delete(s.denied, id)
		}
	}
	s.deniedMu.Unlock()

	return removed, nil
}

func (s *Service) record(event types.AuditEvent) {
	if s.recorder != nil {
		s.recorder.Record(event)
	}
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
