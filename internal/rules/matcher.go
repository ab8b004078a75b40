// Package rules evaluates and manages organization automation rules.
package rules

import (
	"strings"

	"github.com/replyflow/engagement/internal/models"
)

// Subject is what a rule is evaluated against.
type Subject struct {
	RiskLevel          models.RiskLevel
	CTALevel           int
	CTSScore           float64
	EmotionalIntensity float64
	Platform           string
}

// SubjectOf builds a match subject from a candidate.
func SubjectOf(c *models.Candidate) Subject {
	return Subject{
		RiskLevel:          c.RiskLevel,
		CTALevel:           c.CTALevel,
		CTSScore:           c.CTSScore,
		EmotionalIntensity: c.EmotionalIntensity,
		Platform:           c.Platform,
	}
}

// MatchedAction is the directive returned for the winning rule.
type MatchedAction struct {
	RuleID   int64             `json:"rule_id"`
	RuleName string            `json:"rule_name"`
	Action   models.RuleAction `json:"action"`
	Priority int               `json:"priority"`
}

// Match returns the action of the highest-priority active rule whose conditions s satisfies,
// breaking priority ties by the lowest rule id. It returns nil when no rule matches.
// Neither s nor rules is modified.
func Match(s Subject, rules []models.AutomationRule) *MatchedAction {
	var best *models.AutomationRule
	for i := range rules {
		r := &rules[i]
		if !r.IsActive || !Satisfies(s, r.Conditions) {
			continue
		}
		if best == nil || r.Priority > best.Priority || (r.Priority == best.Priority && r.ID < best.ID) {
			best = r
		}
	}
	if best == nil {
		return nil
	}
	return &MatchedAction{RuleID: best.ID, RuleName: best.Name, Action: best.Action, Priority: best.Priority}
}

// Satisfies reports whether every present condition holds for s.
func Satisfies(s Subject, c models.RuleConditions) bool {
	if c.RiskLevel != nil && *c.RiskLevel != s.RiskLevel {
		return false
	}
	if c.MaxCTALevel != nil && s.CTALevel > *c.MaxCTALevel {
		return false
	}
	if c.MinCTS != nil && s.CTSScore < *c.MinCTS {
		return false
	}
	if c.MinEmotionalIntensity != nil && s.EmotionalIntensity < *c.MinEmotionalIntensity {
		return false
	}
	if len(c.Platforms) > 0 && !containsFold(c.Platforms, s.Platform) {
		return false
	}
	return true
}

func containsFold(list []string, v string) bool {
	for _, x := range list {
		if strings.EqualFold(strings.TrimSpace(x), v) {
			return true
		}
	}
	return false
}
