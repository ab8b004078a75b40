package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Stage names one external analysis step.
type Stage string

const (
	StageSignal   Stage = "signal"
	StageRisk     Stage = "risk"
	StageResponse Stage = "response"
	StageCTA      Stage = "cta"
)

// Stages lists the analysis steps in execution order.
var Stages = []Stage{StageSignal, StageRisk, StageResponse, StageCTA}

// StageStatus is the lifecycle of one stage result.
type StageStatus string

const (
	StageStatusPending   StageStatus = "pending"
	StageStatusRunning   StageStatus = "running"
	StageStatusCompleted StageStatus = "completed"
	StageStatusFailed    StageStatus = "failed"
)

// StageResult is what one external stage produced for one post.
type StageResult struct {
	PostID      uuid.UUID       `json:"post_id"`
	Stage       Stage           `json:"stage"`
	Status      StageStatus     `json:"status"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// SignalOutput is the SignalAnalysis contract result.
type SignalOutput struct {
	ProblemCategory    string   `json:"problem_category"`
	EmotionalIntensity float64  `json:"emotional_intensity"`
	Keywords           []string `json:"keywords"`
	Confidence         float64  `json:"confidence"`
}

// RiskOutput is the RiskScoring contract result.
type RiskOutput struct {
	RiskLevel   RiskLevel `json:"risk_level"`
	RiskScore   float64   `json:"risk_score"`
	RiskFactors []string  `json:"risk_factors"`
}

// ResponseOutput is the ResponseGeneration contract result.
type ResponseOutput struct {
	ValueFirst       string `json:"value_first"`
	SoftCTA          string `json:"soft_cta"`
	Contextual       string `json:"contextual"`
	SelectedResponse string `json:"selected_response"`
	SelectedType     string `json:"selected_type"`
}

// CTAOutput is the CTAClassification contract result.
type CTAOutput struct {
	CTALevel int    `json:"cta_level"`
	Analysis string `json:"analysis"`
}
