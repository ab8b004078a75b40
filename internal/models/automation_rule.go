package models

import (
	"time"

	"github.com/google/uuid"
)

// RuleAction is what a matching automation rule forces.
type RuleAction string

const (
	RuleActionAutoPost RuleAction = "auto_post"
	RuleActionNotify   RuleAction = "notify"
	RuleActionBlock    RuleAction = "block"
	RuleActionEscalate RuleAction = "escalate"
)

// Valid reports whether a is a known rule action.
func (a RuleAction) Valid() bool {
	switch a {
	case RuleActionAutoPost, RuleActionNotify, RuleActionBlock, RuleActionEscalate:
		return true
	}
	return false
}

// RuleConditions are independently optional; a nil or empty field matches anything.
type RuleConditions struct {
	RiskLevel             *RiskLevel `json:"risk_level,omitempty"`
	MaxCTALevel           *int       `json:"max_cta_level,omitempty"`
	MinCTS                *float64   `json:"min_cts,omitempty"`
	MinEmotionalIntensity *float64   `json:"min_emotional_intensity,omitempty"`
	Platforms             []string   `json:"platforms,omitempty"`
}

// AutomationRule is an organization-defined override evaluated ahead of the CTS default.
type AutomationRule struct {
	ID             int64          `json:"id"`
	OrganizationID uuid.UUID      `json:"organization_id"`
	Name           string         `json:"name"`
	Conditions     RuleConditions `json:"conditions"`
	Action         RuleAction     `json:"action"`
	Priority       int            `json:"priority"`
	IsActive       bool           `json:"is_active"`
	CreatedBy      *uuid.UUID     `json:"created_by,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}
