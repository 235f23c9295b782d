// Package risk estimates how risky an elevation request is. The scorer
// aggregates external signals behind one collaborator interface and
// applies deterministic thresholds; when the collaborator is
// unavailable it degrades to the medium tier, never below.
package risk

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hoistsec/hoist/policy"
	"github.com/hoistsec/hoist/telemetry"
	"github.com/hoistsec/hoist/types"
)

// Tier is the qualitative risk band for a numeric score.
type Tier string

const (
	TierLow      Tier = "low"
	TierMedium   Tier = "medium"
	TierHigh     Tier = "high"
	TierCritical Tier = "critical"
)

// Tier boundaries on the 0-100 score.
const (
	mediumFloor   = 25
	highFloor     = 50
	criticalFloor = 75
)

// Signal weights. Device trust dominates because a compromised device
// invalidates every other signal.
const (
	weightDevice  = 40.0
	weightGeo     = 30.0
	weightAnomaly = 30.0
)

// Signals are the raw external inputs, each normalized to [0, 1]
// where 1 is the riskiest reading.
type Signals struct {
	DeviceTrust float64 `json:"device_trust"` // 1 means fully trusted
	GeoVelocity float64 `json:"geo_velocity"`
	Anomaly     float64 `json:"anomaly"`
}

// SignalSource supplies external risk signals for an actor.
type SignalSource interface {
	Signals(ctx context.Context, actor types.Actor, call types.CallContext) (Signals, error)
}

// Assessment is the scorer's verdict for one request.
type Assessment struct {
	Score    int                `json:"score"`
	Tier     Tier               `json:"tier"`
	Degraded bool               `json:"degraded,omitempty"`
	Factors  map[string]float64 `json:"factors,omitempty"`
}

// Scorer maps external signals to a numeric score and tier.
type Scorer struct {
	source  SignalSource
	timeout time.Duration
	logger  *telemetry.Logger
	tracer  trace.Tracer
}

// Option configures a Scorer.
type Option func(*Scorer)

// WithTimeout bounds how long the scorer waits for the signal source.
func WithTimeout(d time.Duration) Option {
	return func(s *Scorer) { s.timeout = d }
}

// NewScorer creates a scorer backed by the given signal source.
func NewScorer(source SignalSource, opts ...Option) *Scorer {
	s := &Scorer{
		source:  source,
		timeout: 2 * time.Second,
		logger:  telemetry.NewLogger("risk-scorer"),
		tracer:  otel.Tracer("risk-scorer"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Score evaluates the actor and call context. It never fails: a missing
// or erroring signal source degrades to the medium floor so an
// availability failure cannot reduce the security posture.
func (s *Scorer) Score(ctx context.Context, actor types.Actor, call types.CallContext) Assessment {
	ctx, span := s.tracer.Start(ctx, "risk.score",
		trace.WithAttributes(attribute.String("actor", actor.Key())))
	defer span.End()

	if s.source == nil {
		return degradedAssessment()
	}

	sigCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	signals, err := s.source.Signals(sigCtx, actor, call)
	if err != nil {
		s.logger.WithContext(ctx).Warn().
			Err(err).
			Str("actor", actor.Key()).
			Msg("risk signal source unavailable, degrading to medium")
		return degradedAssessment()
	}

	score := weightDevice*(1-clamp01(signals.DeviceTrust)) +
		weightGeo*clamp01(signals.GeoVelocity) +
		weightAnomaly*clamp01(signals.Anomaly)

	assessment := Assessment{
		Score: int(score),
		Tier:  TierFor(int(score)),
		Factors: map[string]float64{
			"device_trust": signals.DeviceTrust,
			"geo_velocity": signals.GeoVelocity,
			"anomaly":      signals.Anomaly,
		},
	}

	span.SetAttributes(
		attribute.Int("risk.score", assessment.Score),
		attribute.String("risk.tier", string(assessment.Tier)))

	return assessment
}

// degradedAssessment is the fail-safe verdict: medium tier floor.
func degradedAssessment() Assessment {
	return Assessment{
		Score:    mediumFloor,
		Tier:     TierMedium,
		Degraded: true,
	}
}

// TierFor maps a 0-100 score to its tier.
func TierFor(score int) Tier {
	switch {
	case score >= criticalFloor:
		return TierCritical
	case score >= highFloor:
		return TierHigh
	case score >= mediumFloor:
		return TierMedium
	default:
		return TierLow
	}
}

// Escalate tightens the resolved policy by one level when the risk tier
// demands it: high forces approval, critical forces dual approval. Low
// and medium leave the policy untouched.
func Escalate(pol policy.EffectivePolicy, tier Tier) policy.EffectivePolicy {
	switch tier {
	case TierHigh:
		pol.ApprovalRequired = true
	case TierCritical:
		pol.ApprovalRequired = true
		pol.DualApproval = true
	}
	return pol
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
