package bidder

import (
	"testing"

	"agentex/app/pkg/types"
)

func TestHighRiskStripsFastPath(t *testing.T) {
	raw := sanitizeBid(`{"confidence":0.9,"reasoning":"knows this","hallucinationRisk":"high","result":"the answer is 42"}`)
	bid := bidFromRaw("a", raw)
	if bid.FastPath != "" {
		t.Fatalf("high-risk bids must not carry a fast-path result, got %q", bid.FastPath)
	}
	if bid.Risk != types.RiskHigh {
		t.Fatalf("risk tag must survive, got %q", bid.Risk)
	}
}

func TestLowRiskKeepsFastPath(t *testing.T) {
	raw := sanitizeBid(`{"confidence":0.95,"hallucinationRisk":"low","result":"It's 4 PM"}`)
	if got := bidFromRaw("a", raw).FastPath; got != "It's 4 PM" {
		t.Fatalf("low-risk fast path must survive, got %q", got)
	}
}

func TestNegationMarkerClampsConfidence(t *testing.T) {
	raw := sanitizeBid(`{"confidence":0.8,"reasoning":"This request falls under the domain of calendar management"}`)
	if got := bidFromRaw("a", raw).Confidence; got != clampedConfidence {
		t.Fatalf("contradictory reasoning must clamp confidence to %v, got %v", clampedConfidence, got)
	}
}

func TestNegationMarkerBelowThresholdUntouched(t *testing.T) {
	raw := sanitizeBid(`{"confidence":0.2,"reasoning":"doesn't match this agent"}`)
	if got := bidFromRaw("a", raw).Confidence; got != 0.2 {
		t.Fatalf("low-confidence bids are not clamped, got %v", got)
	}
}

func TestConfidenceClampedToUnitInterval(t *testing.T) {
	if got := bidFromRaw("a", sanitizeBid(`{"confidence":1.7}`)).Confidence; got != 1 {
		t.Fatalf("confidence above 1 must clamp, got %v", got)
	}
	if got := bidFromRaw("a", sanitizeBid(`{"confidence":-0.4}`)).Confidence; got != 0 {
		t.Fatalf("negative confidence must clamp, got %v", got)
	}
}

func TestUnknownRiskNormalizesToNone(t *testing.T) {
	if got := bidFromRaw("a", sanitizeBid(`{"confidence":0.5,"hallucinationRisk":"severe"}`)).Risk; got != types.RiskNone {
		t.Fatalf("unknown risk tags normalize to none, got %q", got)
	}
}
