package models

import (
	"time"

	"github.com/google/uuid"
)

// RiskLevel is the ordinal risk classification of posting a response.
type RiskLevel string

const (
	RiskLow     RiskLevel = "low"
	RiskMedium  RiskLevel = "medium"
	RiskHigh    RiskLevel = "high"
	RiskBlocked RiskLevel = "blocked"
)

// Valid reports whether r is a known risk level.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh, RiskBlocked:
		return true
	}
	return false
}

// CandidateStatus is the review lifecycle of a generated response.
type CandidateStatus string

const (
	CandidatePending  CandidateStatus = "pending"
	CandidateApproved CandidateStatus = "approved"
	CandidateRejected CandidateStatus = "rejected"
	CandidateEdited   CandidateStatus = "edited"
	CandidatePosted   CandidateStatus = "posted"
	CandidateFailed   CandidateStatus = "failed"
)

// Postable reports whether a candidate in status s may be submitted to the platform.
func (s CandidateStatus) Postable() bool {
	return s == CandidateApproved || s == CandidateEdited
}

// Response variant types produced by the response generation stage.
const (
	ResponseTypeValueFirst = "value_first"
	ResponseTypeSoftCTA    = "soft_cta"
	ResponseTypeContextual = "contextual"
)

// Breakdown holds the named CTS sub-scores and the weights that combined them.
type Breakdown struct {
	Signal  float64 `json:"signal"`
	Risk    float64 `json:"risk"`
	CTA     float64 `json:"cta"`
	Weights Weights `json:"weights"`
}

// Variants are the alternative response drafts.
type Variants struct {
	ValueFirst string `json:"value_first"`
	SoftCTA    string `json:"soft_cta"`
	Contextual string `json:"contextual"`
}

// Text returns the draft for a variant type, or "" if unknown.
func (v Variants) Text(kind string) string {
	switch kind {
	case ResponseTypeValueFirst:
		return v.ValueFirst
	case ResponseTypeSoftCTA:
		return v.SoftCTA
	case ResponseTypeContextual:
		return v.Contextual
	}
	return ""
}

// Candidate is one post's generated response awaiting an auto-post or review decision.
type Candidate struct {
	ID                 uuid.UUID       `json:"id"`
	OrganizationID     uuid.UUID       `json:"organization_id"`
	PostID             uuid.UUID       `json:"post_id"`
	Platform           string          `json:"platform"`
	SignalConfidence   float64         `json:"signal_confidence"`
	EmotionalIntensity float64         `json:"emotional_intensity"`
	RiskLevel          RiskLevel       `json:"risk_level"`
	CTALevel           int             `json:"cta_level"`
	CTSScore           float64         `json:"cts_score"`
	CTSBreakdown       Breakdown       `json:"cts_breakdown"`
	CanAutoPost        bool            `json:"can_auto_post"`
	DecisionReason     string          `json:"decision_reason"`
	MatchedRuleID      *int64          `json:"matched_rule_id,omitempty"`
	ResponseText       string          `json:"response_text"`
	SelectedType       string          `json:"selected_type"`
	Variants           Variants        `json:"variants"`
	EditedResponse     *string         `json:"edited_response,omitempty"`
	Status             CandidateStatus `json:"status"`
	ReviewNotes        string          `json:"review_notes,omitempty"`
	RejectReason       string          `json:"reject_reason,omitempty"`
	ReviewedBy         *uuid.UUID      `json:"reviewed_by,omitempty"`
	ReviewedAt         *time.Time      `json:"reviewed_at,omitempty"`
	PostedAt           *time.Time      `json:"posted_at,omitempty"`
	PostError          string          `json:"post_error,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// FinalText is the text that will be posted: the edit if any, otherwise the selected draft.
func (c *Candidate) FinalText() string {
	if c.EditedResponse != nil {
		return *c.EditedResponse
	}
	return c.ResponseText
}
