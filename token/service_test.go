package token

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoistsec/hoist/policy"
	"github.com/hoistsec/hoist/storage"
	"github.com/hoistsec/hoist/types"
)

// memLedger is an in-memory storage.TokenLedger for tests.
type memLedger struct {
	tokens  map[string]storage.TokenRecord
	revoked map[string]time.Time
}

func newMemLedger() *memLedger {
	return &memLedger{
		tokens:  make(map[string]storage.TokenRecord),
		revoked: make(map[string]time.Time),
	}
}

func (m *memLedger) PutToken(rec storage.TokenRecord) error {
	m.tokens[rec.TokenID] = rec
	return nil
}

func (m *memLedger) GetToken(id string) (*storage.TokenRecord, bool, error) {
	rec, ok := m.tokens[id]
	if !ok {
		return nil, false, nil
	}
	return &rec, true, nil
}

func (m *memLedger) RevokeToken(id string, until time.Time) error {
	m.revoked[id] = until
	if rec, ok := m.tokens[id]; ok {
		rec.Revoked = true
		m.tokens[id] = rec
	}
	return nil
}

func (m *memLedger) RevokedTokens() (map[string]time.Time, error) {
	out := make(map[string]time.Time, len(m.revoked))
	for k, v := range m.revoked {
		out[k] = v
	}
	return out, nil
}

func (m *memLedger) SweepDenyList(now time.Time) (int, error) {
	removed := 0
	for id, until := range m.revoked {
		if now.After(until) {
			delete(m.revoked, id)
			removed++
		}
	}
	return removed, nil
}

func newTestService(t *testing.T) (*Service, *memLedger) {
	t.Helper()
	signer, err := NewLocalSigner()
	require.NoError(t, err)
	ledger := newMemLedger()
	svc, err := NewService(signer, ledger, nil)
	require.NoError(t, err)
	return svc, ledger
}

func approvedRequest() *types.ElevationRequest {
	return &types.ElevationRequest{
		ID: "req-1",
		Actor: types.Actor{
			UserID:   "u1",
			TenantID: "acme",
			Market:   "EU",
		},
		HookType:        "container",
		Command:         "run",
		RequestedScopes: []string{"container:privileged", "container:host-mount"},
		Status:          types.StatusApproved,
		RiskScore:       30,
		RiskTier:        "medium",
	}
}

func testPolicy() policy.EffectivePolicy {
	return policy.EffectivePolicy{
		MaxDuration:     time.Hour,
		DefaultDuration: 30 * time.Minute,
	}
}

func TestIssueAndValidate(t *testing.T) {
	svc, ledger := newTestService(t)
	ctx := context.Background()

	tok, err := svc.Issue(ctx, approvedRequest(), []string{"container:privileged"}, 0, testPolicy())
	require.NoError(t, err)
	assert.Equal(t, "req-1", tok.RequestID)
	assert.Equal(t, "container", tok.Context.HookType)
	assert.Equal(t, 30*time.Minute, tok.Lifetime())
	assert.False(t, tok.RequiresPostHocReview)

	_, ok := ledger.tokens[tok.ID]
	assert.True(t, ok, "issuance must write a ledger record")

	blob, err := EncodeWire(tok)
	require.NoError(t, err)

	got, err := svc.Validate(ctx, blob, "container", "container:privileged")
	require.NoError(t, err)
	assert.Equal(t, tok.ID, got.ID)
}

func TestIssueRejectsUnapprovedState(t *testing.T) {
	svc, _ := newTestService(t)

	for _, status := range []types.RequestStatus{
		types.StatusRequested,
		types.StatusApprovalPending,
		types.StatusDenied,
		types.StatusTokenIssued,
	} {
		req := approvedRequest()
		req.Status = status
		_, err := svc.Issue(context.Background(), req, req.RequestedScopes, 0, testPolicy())
		assert.ErrorIs(t, err, ErrRequestNotApproved, "state %s", status)
	}
}

func TestIssueEnforcesDurationCap(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Issue(context.Background(), approvedRequest(), []string{"container:privileged"}, 2*time.Hour, testPolicy())
	assert.ErrorIs(t, err, ErrDurationExceedsPolicy)
}

func TestIssueRejectsUnrequestedScope(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Issue(context.Background(), approvedRequest(), []string{"exec:root"}, 0, testPolicy())
	assert.ErrorIs(t, err, ErrScopeNotRequested)
}

func TestIssueEmergencyMarksReview(t *testing.T) {
	svc, _ := newTestService(t)

	req := approvedRequest()
	req.Status = types.StatusEmergencyGranted
	req.Emergency = true

	tok, err := svc.Issue(context.Background(), req, []string{"container:privileged"}, 0, testPolicy())
	require.NoError(t, err)
	assert.True(t, tok.Emergency)
	assert.True(t, tok.RequiresPostHocReview)
}

func TestValidateRejectsTampering(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	tok, err := svc.Issue(ctx, approvedRequest(), []string{"container:privileged"}, 0, testPolicy())
	require.NoError(t, err)

	blob, err := EncodeWire(tok)
	require.NoError(t, err)

	// Flip a character inside the payload segment.
	tampered := []byte(blob)
	tampered[10] ^= 1
	_, err = svc.Validate(ctx, string(tampered), "container", "container:privileged")
	require.Error(t, err)

	// Garbage is malformed, not just invalid.
	_, err = svc.Validate(ctx, "not.a.token", "container")
	assert.ErrorIs(t, err, ErrMalformedToken)
}

func TestValidateRejectsExpired(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	tok, err := svc.Issue(ctx, approvedRequest(), []string{"container:privileged"}, time.Nanosecond, testPolicy())
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	blob, err := EncodeWire(tok)
	require.NoError(t, err)

	_, err = svc.Validate(ctx, blob, "container", "container:privileged")
	assert.ErrorIs(t, err, ErrExpired)
}

func TestValidateRejectsWrongHook(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	tok, err := svc.Issue(ctx, approvedRequest(), []string{"container:privileged"}, 0, testPolicy())
	require.NoError(t, err)
	blob, err := EncodeWire(tok)
	require.NoError(t, err)

	_, err = svc.Validate(ctx, blob, "exec", "container:privileged")
	assert.ErrorIs(t, err, ErrScopeMismatch)
}

func TestValidateRejectsMissingScope(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	tok, err := svc.Issue(ctx, approvedRequest(), []string{"container:privileged"}, 0, testPolicy())
	require.NoError(t, err)
	blob, err := EncodeWire(tok)
	require.NoError(t, err)

	_, err = svc.Validate(ctx, blob, "container", "container:privileged", "container:host-network")
	assert.ErrorIs(t, err, ErrScopeMismatch)
}

func TestRevokePropagates(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	tok, err := svc.Issue(ctx, approvedRequest(), []string{"container:privileged"}, 0, testPolicy())
	require.NoError(t, err)
	blob, err := EncodeWire(tok)
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, tok.ID))

	_, err = svc.Validate(ctx, blob, "container", "container:privileged")
	assert.ErrorIs(t, err, ErrRevoked)
	assert.True(t, svc.Revoked(tok.ID))
}

func TestRevocationSurvivesRestart(t *testing.T) {
	signer, err := NewLocalSigner()
	require.NoError(t, err)
	ledger := newMemLedger()

	svc, err := NewService(signer, ledger, nil)
	require.NoError(t, err)

	tok, err := svc.Issue(context.Background(), approvedRequest(), []string{"container:privileged"}, 0, testPolicy())
	require.NoError(t, err)
	require.NoError(t, svc.Revoke(context.Background(), tok.ID))

	// A second service over the same ledger sees the revocation.
	restarted, err := NewService(signer, ledger, nil)
	require.NoError(t, err)
	assert.True(t, restarted.Revoked(tok.ID))
}

func TestRevokeUnknownTokenDenies(t *testing.T) {
	svc, ledger := newTestService(t)

	require.NoError(t, svc.Revoke(context.Background(), "never-issued"))
	assert.True(t, svc.Revoked("never-issued"))

	until, ok := ledger.revoked["never-issued"]
	require.True(t, ok)
	assert.True(t, until.After(time.Now()), "unknown token deny entry must carry a TTL")
}

func TestSweepDenyList(t *testing.T) {
	svc, ledger := newTestService(t)
	ctx := context.Background()

	tok, err := svc.Issue(ctx, approvedRequest(), []string{"container:privileged"}, time.Nanosecond, testPolicy())
	require.NoError(t, err)
	require.NoError(t, svc.Revoke(ctx, tok.ID))

	removed, err := svc.SweepDenyList(time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.False(t, svc.Revoked(tok.ID))
	assert.Empty(t, ledger.revoked)
}

func TestWireRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)

	tok, err := svc.Issue(context.Background(), approvedRequest(), []string{"container:privileged"}, 0, testPolicy())
	require.NoError(t, err)

	blob, err := EncodeWire(tok)
	require.NoError(t, err)
	require.Equal(t, 2, strings.Count(blob, ".")+1, "wire format is payload.signature")

	decoded, payload, err := DecodeWire(blob)
	require.NoError(t, err)
	assert.Equal(t, tok.ID, decoded.ID)
	assert.Equal(t, tok.GrantedScopes, decoded.GrantedScopes)
	assert.NotEmpty(t, payload)

	// The signed payload never contains the signature itself.
	expected, err := SigningPayload(decoded)
	require.NoError(t, err)
	assert.Equal(t, expected, payload)
}

func TestEncodeWireRequiresSignature(t *testing.T) {
	tok := &types.ElevationToken{ID: "unsigned"}
	_, err := EncodeWire(tok)
	require.Error(t, err)
}

func TestLocalSignerRejectsBadSignature(t *testing.T) {
	signer, err := NewLocalSigner()
	require.NoError(t, err)

	sig, err := signer.Sign(context.Background(), []byte("payload"))
	require.NoError(t, err)
	require.NoError(t, signer.Verify([]byte("payload"), sig))

	err = signer.Verify([]byte("other payload"), sig)
	assert.True(t, errors.Is(err, ErrInvalidSignature))
}

func TestLocalSignerFromSeedDeterministic(t *testing.T) {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i)
	}
	a, err := NewLocalSignerFromSeed(seed)
	require.NoError(t, err)
	b, err := NewLocalSignerFromSeed(seed)
	require.NoError(t, err)

	sig, err := a.Sign(context.Background(), []byte("payload"))
	require.NoError(t, err)
	assert.NoError(t, b.Verify([]byte("payload"), sig))
}
