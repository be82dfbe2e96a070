// Package gate turns an analysis confidence into a pass/reject decision.
package gate

import (
	"fmt"
	"math"
	"strings"
)

// DefaultThreshold is the pass mark used everywhere a threshold is not
// configured explicitly.
const DefaultThreshold = 0.7

// FallbackSuffix marks provider ids whose confidence came from the keyword
// fallback rather than from the provider.
const FallbackSuffix = "+fallback"

type Decision string

const (
	Pass   Decision = "PASS"
	Reject Decision = "REJECT"
)

// Decide returns Pass iff confidence >= threshold.
func Decide(confidence, threshold float64) Decision {
	if confidence >= threshold {
		return Pass
	}
	return Reject
}

// Verdict is the gate's answer for one analysis outcome.
type Verdict struct {
	Decision   Decision
	Confidence float64
	Threshold  float64
	// Degraded is true when the provider gave no score and the keyword
	// fallback produced Confidence.
	Degraded bool
}

// Reason is the rejection text recorded on the artifact.
func (v Verdict) Reason() string {
	reason := fmt.Sprintf("analysis confidence %g below threshold %g", v.Confidence, v.Threshold)
	if v.Degraded {
		reason += " (keyword fallback)"
	}
	return reason
}

// Keywords drive the fallback score. Matching is case-insensitive
// substring matching; each positive hit adds Step, each negative hit
// subtracts it, starting from Base.
type Keywords struct {
	Positive []string
	Negative []string
}

const (
	fallbackBase = 0.5
	fallbackStep = 0.1
)

// Score computes the deterministic fallback confidence for text.
func (k Keywords) Score(text string) float64 {
	lowered := strings.ToLower(text)
	score := fallbackBase
	for _, kw := range k.Negative {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(lowered, kw) {
			score -= fallbackStep
		}
	}
	for _, kw := range k.Positive {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" || !strings.Contains(lowered, kw) {
			continue
		}
		// "incomplete" must not count as "complete".
		if coveredByNegative(lowered, kw, k.Negative) {
			continue
		}
		score += fallbackStep
	}
	// keep two decimals so repeated additions compare exactly against the threshold
	score = math.Round(score*100) / 100
	return math.Max(0, math.Min(1, score))
}

func coveredByNegative(text, positive string, negatives []string) bool {
	for _, neg := range negatives {
		neg = strings.ToLower(strings.TrimSpace(neg))
		if neg == "" || neg == positive || !strings.Contains(neg, positive) {
			continue
		}
		if strings.Count(text, positive) <= strings.Count(text, neg) {
			return true
		}
	}
	return false
}

// Gate evaluates analysis outcomes against a threshold.
type Gate struct {
	Threshold float64
	Fallback  Keywords
}

func New(threshold float64, fallback Keywords) Gate {
	return Gate{Threshold: threshold, Fallback: fallback}
}

// Evaluate decides on a provider outcome. A nil confidence uses the
// keyword fallback over resultText.
func (g Gate) Evaluate(resultText string, confidence *float64) Verdict {
	v := Verdict{Threshold: g.Threshold}
	if confidence != nil && !math.IsNaN(*confidence) {
		v.Confidence = math.Max(0, math.Min(1, *confidence))
	} else {
		v.Confidence = g.Fallback.Score(resultText)
		v.Degraded = true
	}
	v.Decision = Decide(v.Confidence, g.Threshold)
	return v
}
