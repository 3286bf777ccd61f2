package bidder

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"agentex/app/pkg/types"
)

// Negation markers. An LLM sometimes returns a confident score while the
// reasoning says the opposite; the lexical check corrects the contradiction.
var negationMarkers = []string{
	"does not align",
	"doesn't match",
	"does not match",
	"different domain",
	"falls under the domain of",
	"outside the",
}

const clampedConfidence = 0.05

// sanitizeBid normalizes one raw bid JSON payload in place:
//   - confidence clamped to [0,1]
//   - hallucinationRisk=high strips the fast-path result
//   - negation markers in the reasoning with confidence > 0.3 clamp it to 0.05
//
// The sanitized payload is what gets cached and observed by the auctioneer.
func sanitizeBid(raw string) string {
	conf := gjson.Get(raw, "confidence").Float()
	if conf < 0 {
		conf = 0
	}
	if conf > 1 {
		conf = 1
	}

	if gjson.Get(raw, "hallucinationRisk").String() == string(types.RiskHigh) {
		if gjson.Get(raw, "result").Exists() {
			raw, _ = sjson.Delete(raw, "result")
		}
	}

	if conf > 0.3 {
		reasoning := strings.ToLower(gjson.Get(raw, "reasoning").String())
		for _, marker := range negationMarkers {
			if strings.Contains(reasoning, marker) {
				conf = clampedConfidence
				break
			}
		}
	}

	raw, _ = sjson.Set(raw, "confidence", conf)
	return raw
}

// bidFromRaw materializes a sanitized payload into a Bid for agentID.
func bidFromRaw(agentID, raw string) types.Bid {
	risk := types.HallucinationRisk(gjson.Get(raw, "hallucinationRisk").String())
	switch risk {
	case types.RiskNone, types.RiskLow, types.RiskHigh:
	default:
		risk = types.RiskNone
	}
	return types.Bid{
		AgentID:    agentID,
		Confidence: gjson.Get(raw, "confidence").Float(),
		Plan:       gjson.Get(raw, "plan").String(),
		Reasoning:  gjson.Get(raw, "reasoning").String(),
		Risk:       risk,
		FastPath:   gjson.Get(raw, "result").String(),
	}
}
