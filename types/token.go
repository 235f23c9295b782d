package types

import "time"

// Subject is the principal an elevation token was issued to.
type Subject struct {
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`
}

// TokenContext snapshots the conditions under which a token was issued.
// Validation checks the hook type against it; the rest rides along for
// audit and post-hoc review.
type TokenContext struct {
	RiskScore  int    `json:"risk_score"`
	RiskTier   string `json:"risk_tier,omitempty"`
	SourceAddr string `json:"source_addr,omitempty"`
	DeviceID   string `json:"device_id,omitempty"`
	Market     string `json:"market"`
	HookType   string `json:"hook_type"`
}

// ElevationToken is the credential proving an elevation request was
// approved. It is single-purpose: valid only for the hook type and
// scopes it names. The signature covers every other field.
type ElevationToken struct {
	ID                    string       `json:"id"`
	RequestID             string       `json:"request_id"`
	Subject               Subject      `json:"subject"`
	GrantedScopes         []string     `json:"granted_scopes"`
	IssuedAt              time.Time    `json:"issued_at"`
	ExpiresAt             time.Time    `json:"expires_at"`
	Emergency             bool         `json:"emergency,omitempty"`
	RequiresPostHocReview bool         `json:"requires_post_hoc_review,omitempty"`
	Context               TokenContext `json:"context"`
	Signature             []byte       `json:"signature,omitempty"`
}

// HasScope reports whether the token grants the given scope.
func (t *ElevationToken) HasScope(scope string) bool {
	for _, s := range t.GrantedScopes {
		if s == scope {
			return true
		}
	}
	return false
}

// ExpiredAt reports whether the token is expired at the given instant.
func (t *ElevationToken) ExpiredAt(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Lifetime returns the token's total validity window.
func (t *ElevationToken) Lifetime() time.Duration {
	return t.ExpiresAt.Sub(t.IssuedAt)
}
