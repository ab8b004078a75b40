// Package cts computes the Clear-To-Send score and the auto-post decision for one candidate.
//
// Decide is pure and deterministic. It never returns an error: malformed input fails closed
// with CanAutoPost=false and reason ReasonInvalidInput.
package cts

import (
	"math"

	"github.com/replyflow/engagement/internal/models"
)

// Reason codes, machine-readable for audit entries and UI display.
const (
	ReasonEligible            = "eligible"
	ReasonInvalidInput        = "invalid_input"
	ReasonRiskBlocked         = "risk_blocked"
	ReasonRiskExceedsPolicy   = "risk_level_exceeds_policy"
	ReasonCTAExceedsPolicy    = "cta_level_exceeds_policy"
	ReasonScoreBelowThreshold = "score_below_threshold"
	ReasonUpstreamStageFailed = "upstream_stage_failed"
	ReasonAutomationDisabled  = "automation_disabled"
	ReasonRuleBlocked         = "rule_blocked"
	ReasonRuleAutoPost        = "rule_auto_post"
)

// MaxCTALevel is the strongest call-to-action level.
const MaxCTALevel = 3

const weightTolerance = 1e-6

// DefaultWeights is used when an organization has not configured its own.
var DefaultWeights = models.Weights{Signal: 0.5, Risk: 0.3, CTA: 0.2}

// riskScores maps a risk level to its sub-score. Lower risk scores higher; blocked scores zero.
var riskScores = map[models.RiskLevel]float64{
	models.RiskLow:     1.0,
	models.RiskMedium:  0.6,
	models.RiskHigh:    0.2,
	models.RiskBlocked: 0,
}

// Policy is the subset of an organization policy the engine reads.
type Policy struct {
	Threshold         float64
	AllowedRiskLevels []models.RiskLevel
	MaxCTALevel       int
	Weights           models.Weights
}

// PolicyFrom extracts the engine policy from a stored organization policy.
func PolicyFrom(p models.Policy) Policy {
	return Policy{
		Threshold:         p.CTSThreshold,
		AllowedRiskLevels: p.AllowedRiskLevels,
		MaxCTALevel:       p.MaxCTALevel,
		Weights:           p.Weights,
	}
}

// Decision is the engine's output.
type Decision struct {
	Score       float64          `json:"cts_score"`
	Breakdown   models.Breakdown `json:"breakdown"`
	CanAutoPost bool             `json:"can_auto_post"`
	Reason      string           `json:"reason"`
}

// Decide combines signal confidence, risk level and CTA level under policy.
func Decide(signalConfidence float64, risk models.RiskLevel, ctaLevel int, policy Policy) Decision {
	if !validInput(signalConfidence, risk, ctaLevel, policy) {
		return Decision{Reason: ReasonInvalidInput}
	}

	w := policy.Weights
	b := models.Breakdown{
		Signal:  signalConfidence,
		Risk:    riskScores[risk],
		CTA:     1 - float64(ctaLevel)/MaxCTALevel,
		Weights: w,
	}
	score := clamp(w.Signal*b.Signal + w.Risk*b.Risk + w.CTA*b.CTA)

	d := Decision{Score: score, Breakdown: b}
	switch {
	case risk == models.RiskBlocked:
		d.Reason = ReasonRiskBlocked
	case !allows(policy.AllowedRiskLevels, risk):
		d.Reason = ReasonRiskExceedsPolicy
	case ctaLevel > policy.MaxCTALevel:
		d.Reason = ReasonCTAExceedsPolicy
	case score < policy.Threshold:
		d.Reason = ReasonScoreBelowThreshold
	default:
		d.CanAutoPost = true
		d.Reason = ReasonEligible
	}
	return d
}

// ValidWeights reports whether w is usable: finite, non-negative and summing to 1.
func ValidWeights(w models.Weights) bool {
	for _, x := range []float64{w.Signal, w.Risk, w.CTA} {
		if math.IsNaN(x) || math.IsInf(x, 0) || x < 0 {
			return false
		}
	}
	return math.Abs(w.Signal+w.Risk+w.CTA-1) <= weightTolerance
}

// ValidPolicy reports whether policy would be accepted by Decide.
func ValidPolicy(p Policy) bool {
	if !inUnit(p.Threshold) {
		return false
	}
	if p.MaxCTALevel < 0 || p.MaxCTALevel > MaxCTALevel {
		return false
	}
	for _, l := range p.AllowedRiskLevels {
		if !l.Valid() {
			return false
		}
	}
	return ValidWeights(p.Weights)
}

func validInput(conf float64, risk models.RiskLevel, cta int, p Policy) bool {
	if !inUnit(conf) || !risk.Valid() {
		return false
	}
	if cta < 0 || cta > MaxCTALevel {
		return false
	}
	return ValidPolicy(p)
}

func inUnit(x float64) bool {
	return !math.IsNaN(x) && x >= 0 && x <= 1
}

func allows(levels []models.RiskLevel, risk models.RiskLevel) bool {
	for _, l := range levels {
		if l == risk {
			return true
		}
	}
	return false
}

func clamp(x float64) float64 {
	if math.IsNaN(x) || x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
