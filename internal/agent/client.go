// Package agent is the HTTP client for the external analysis service that runs the four
// pipeline stages. Every call goes through a circuit breaker; there is no retry policy, a
// failed call fails its stage.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"go.uber.org/zap"

	"github.com/replyflow/engagement/config"
	"github.com/replyflow/engagement/internal/apperr"
	"github.com/replyflow/engagement/internal/models"
)

const maxResponseBody = 1 << 20

// SignalRequest is the input of the signal stage.
type SignalRequest struct {
	Text           string `json:"text"`
	OrganizationID string `json:"organization_id"`
}

// RiskRequest is the input of the risk stage.
type RiskRequest struct {
	Text               string   `json:"text"`
	EmotionalIntensity float64  `json:"emotional_intensity"`
	ContextFlags       []string `json:"context_flags"`
}

// ResponseRequest is the input of the response generation stage.
type ResponseRequest struct {
	PostText        string           `json:"post_text"`
	ProblemCategory string           `json:"problem_category"`
	RiskLevel       models.RiskLevel `json:"risk_level"`
	Platform        string           `json:"platform"`
}

// CTARequest is the input of the CTA classification stage.
type CTARequest struct {
	ResponseText string `json:"response_text"`
}

// Client calls the analysis service. It is safe for concurrent use.
type Client struct {
	baseURL  string
	apiKey   string
	timeout  time.Duration
	http     *http.Client
	breaker  circuitbreaker.CircuitBreaker[any]
	executor failsafe.Executor[any]
	logger   *zap.Logger
}

// New creates a client. A nil httpClient uses a default one. The breaker opens when
// BreakerRatio of the last BreakerMinReqs calls failed and half-opens after BreakerDelay.
func New(cfg config.UpstreamConfig, httpClient *http.Client, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.BreakerMinReqs == 0 {
		cfg.BreakerMinReqs = 10
	}
	if cfg.BreakerRatio <= 0 || cfg.BreakerRatio > 1 {
		cfg.BreakerRatio = 0.5
	}
	if cfg.BreakerDelay <= 0 {
		cfg.BreakerDelay = 30 * time.Second
	}

	threshold := uint(float64(cfg.BreakerMinReqs) * cfg.BreakerRatio)
	if threshold < 1 {
		threshold = 1
	}
	breaker := circuitbreaker.NewBuilder[any]().
		WithFailureThresholdRatio(threshold, uint(cfg.BreakerMinReqs)).
		WithDelay(cfg.BreakerDelay).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			logger.Warn("agent circuit breaker state change",
				zap.String("from_state", stateName(e.OldState)),
				zap.String("to_state", stateName(e.NewState)))
		}).
		Build()

	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:   cfg.APIKey,
		timeout:  cfg.Timeout,
		http:     httpClient,
		breaker:  breaker,
		executor: failsafe.With[any](breaker),
		logger:   logger,
	}
}

// BreakerState reports the circuit breaker state (closed, open, half-open).
func (c *Client) BreakerState() string {
	return stateName(c.breaker.State())
}

func stateName(s circuitbreaker.State) string {
	switch s {
	case circuitbreaker.OpenState:
		return "open"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	default:
		return "closed"
	}
}

// AnalyzeSignal runs the signal stage.
func (c *Client) AnalyzeSignal(ctx context.Context, req SignalRequest) (*models.SignalOutput, error) {
	var out models.SignalOutput
	if err := c.call(ctx, models.StageSignal, req, &out); err != nil {
		return nil, err
	}
	if !unit(out.Confidence) || !unit(out.EmotionalIntensity) {
		return nil, invalid(models.StageSignal, "confidence and emotional_intensity must be within [0,1]")
	}
	return &out, nil
}

// ScoreRisk runs the risk stage.
func (c *Client) ScoreRisk(ctx context.Context, req RiskRequest) (*models.RiskOutput, error) {
	var out models.RiskOutput
	if err := c.call(ctx, models.StageRisk, req, &out); err != nil {
		return nil, err
	}
	if !out.RiskLevel.Valid() {
		return nil, invalid(models.StageRisk, fmt.Sprintf("unknown risk_level %q", out.RiskLevel))
	}
	if !unit(out.RiskScore) {
		return nil, invalid(models.StageRisk, "risk_score must be within [0,1]")
	}
	return &out, nil
}

// GenerateResponse runs the response generation stage.
func (c *Client) GenerateResponse(ctx context.Context, req ResponseRequest) (*models.ResponseOutput, error) {
	var out models.ResponseOutput
	if err := c.call(ctx, models.StageResponse, req, &out); err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.SelectedResponse) == "" {
		return nil, invalid(models.StageResponse, "selected_response is empty")
	}
	switch out.SelectedType {
	case models.ResponseTypeValueFirst, models.ResponseTypeSoftCTA, models.ResponseTypeContextual:
	default:
		return nil, invalid(models.StageResponse, fmt.Sprintf("unknown selected_type %q", out.SelectedType))
	}
	return &out, nil
}

// ClassifyCTA runs the CTA classification stage.
func (c *Client) ClassifyCTA(ctx context.Context, req CTARequest) (*models.CTAOutput, error) {
	var out models.CTAOutput
	if err := c.call(ctx, models.StageCTA, req, &out); err != nil {
		return nil, err
	}
	if out.CTALevel < 0 || out.CTALevel > 3 {
		return nil, invalid(models.StageCTA, fmt.Sprintf("cta_level %d outside [0,3]", out.CTALevel))
	}
	return &out, nil
}

func (c *Client) call(ctx context.Context, stage models.Stage, in, out any) error {
	_, err := c.executor.WithContext(ctx).Get(func() (any, error) {
		return nil, c.do(ctx, stage, in, out)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, circuitbreaker.ErrOpen) {
		c.logger.Warn("agent call rejected, circuit open", zap.String("stage", string(stage)))
		return apperr.Upstream(string(stage), errors.New("circuit open"))
	}
	if apperr.Kind(err) != nil {
		return err
	}
	return apperr.Upstream(string(stage), err)
}

func (c *Client) do(ctx context.Context, stage models.Stage, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/"+string(stage), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	c.logger.Debug("agent call",
		zap.String("stage", string(stage)),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func invalid(stage models.Stage, msg string) error {
	return apperr.Upstream(string(stage), errors.New("invalid output: "+msg))
}

func unit(x float64) bool {
	return x >= 0 && x <= 1
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
