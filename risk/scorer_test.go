package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hoistsec/hoist/policy"
	"github.com/hoistsec/hoist/types"
)

type stubSource struct {
	signals Signals
	err     error
	delay   time.Duration
}

func (s *stubSource) Signals(ctx context.Context, actor types.Actor, call types.CallContext) (Signals, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return Signals{}, ctx.Err()
		}
	}
	return s.signals, s.err
}

func testActor() types.Actor {
	return types.Actor{UserID: "u1", TenantID: "acme", Market: "EU"}
}

func TestTierFor(t *testing.T) {
	tests := []struct {
		score int
		want  Tier
	}{
		{0, TierLow},
		{24, TierLow},
		{25, TierMedium},
		{49, TierMedium},
		{50, TierHigh},
		{74, TierHigh},
		{75, TierCritical},
		{100, TierCritical},
	}
	for _, tt := range tests {
		if got := TierFor(tt.score); got != tt.want {
			t.Errorf("TierFor(%d) = %v, want %v", tt.score, got, tt.want)
		}
	}
}

func TestScoreTrustedDevice(t *testing.T) {
	source := &stubSource{signals: Signals{DeviceTrust: 1.0, GeoVelocity: 0, Anomaly: 0}}
	s := NewScorer(source)

	a := s.Score(context.Background(), testActor(), types.CallContext{})
	if a.Score != 0 {
		t.Errorf("Score = %d, want 0 for fully trusted signals", a.Score)
	}
	if a.Tier != TierLow {
		t.Errorf("Tier = %v, want low", a.Tier)
	}
	if a.Degraded {
		t.Error("assessment should not be degraded")
	}
}

func TestScoreUntrustedEverything(t *testing.T) {
	source := &stubSource{signals: Signals{DeviceTrust: 0, GeoVelocity: 1, Anomaly: 1}}
	s := NewScorer(source)

	a := s.Score(context.Background(), testActor(), types.CallContext{})
	if a.Score != 100 {
		t.Errorf("Score = %d, want 100", a.Score)
	}
	if a.Tier != TierCritical {
		t.Errorf("Tier = %v, want critical", a.Tier)
	}
}

func TestScoreWeights(t *testing.T) {
	// Untrusted device alone lands in medium: 40 points.
	source := &stubSource{signals: Signals{DeviceTrust: 0}}
	s := NewScorer(source)

	a := s.Score(context.Background(), testActor(), types.CallContext{})
	if a.Score != 40 {
		t.Errorf("Score = %d, want 40 from device weight", a.Score)
	}
	if a.Tier != TierMedium {
		t.Errorf("Tier = %v, want medium", a.Tier)
	}
}

func TestScoreClampsSignals(t *testing.T) {
	source := &stubSource{signals: Signals{DeviceTrust: -3, GeoVelocity: 7, Anomaly: 2}}
	s := NewScorer(source)

	a := s.Score(context.Background(), testActor(), types.CallContext{})
	if a.Score != 100 {
		t.Errorf("Score = %d, want 100 after clamping", a.Score)
	}
}

func TestScoreDegradesOnError(t *testing.T) {
	source := &stubSource{err: errors.New("signal backend down")}
	s := NewScorer(source)

	a := s.Score(context.Background(), testActor(), types.CallContext{})
	if !a.Degraded {
		t.Error("expected degraded assessment")
	}
	if a.Tier != TierMedium {
		t.Errorf("Tier = %v, want medium floor", a.Tier)
	}
	if a.Score != 25 {
		t.Errorf("Score = %d, want medium floor 25", a.Score)
	}
}

func TestScoreDegradesOnNilSource(t *testing.T) {
	s := NewScorer(nil)

	a := s.Score(context.Background(), testActor(), types.CallContext{})
	if !a.Degraded || a.Tier != TierMedium {
		t.Errorf("assessment = %+v, want degraded medium", a)
	}
}

func TestScoreDegradesOnTimeout(t *testing.T) {
	source := &stubSource{delay: time.Second, signals: Signals{DeviceTrust: 1}}
	s := NewScorer(source, WithTimeout(10*time.Millisecond))

	a := s.Score(context.Background(), testActor(), types.CallContext{})
	if !a.Degraded {
		t.Error("expected degraded assessment on timeout")
	}
}

func TestEscalate(t *testing.T) {
	base := policy.EffectivePolicy{}

	if got := Escalate(base, TierLow); got.ApprovalRequired {
		t.Error("low tier should not escalate")
	}
	if got := Escalate(base, TierMedium); got.ApprovalRequired {
		t.Error("medium tier should not escalate")
	}

	high := Escalate(base, TierHigh)
	if !high.ApprovalRequired || high.DualApproval {
		t.Errorf("high tier = %+v, want single approval", high)
	}

	critical := Escalate(base, TierCritical)
	if !critical.ApprovalRequired || !critical.DualApproval {
		t.Errorf("critical tier = %+v, want dual approval", critical)
	}
}
