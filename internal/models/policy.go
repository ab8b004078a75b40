package models

import (
	"time"

	"github.com/google/uuid"
)

// Weights combine the three CTS sub-scores. They must be non-negative and sum to 1.
type Weights struct {
	Signal float64 `json:"signal"`
	Risk   float64 `json:"risk"`
	CTA    float64 `json:"cta"`
}

// Policy is an organization's auto-post policy.
type Policy struct {
	OrganizationID    uuid.UUID   `json:"organization_id"`
	CTSThreshold      float64     `json:"cts_threshold"`
	AllowedRiskLevels []RiskLevel `json:"allowed_risk_levels"`
	MaxCTALevel       int         `json:"max_cta_level"`
	Weights           Weights     `json:"weights"`
	AutomationEnabled bool        `json:"automation_enabled"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// AllowsRisk reports whether level is in the policy's allowed set.
func (p Policy) AllowsRisk(level RiskLevel) bool {
	for _, l := range p.AllowedRiskLevels {
		if l == level {
			return true
		}
	}
	return false
}
