package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/replyflow/engagement/config"
	"github.com/replyflow/engagement/internal/models"
	"github.com/replyflow/engagement/pkg/jobs"
)

const maxOutboundBody = 64 << 10

// NewOutbound picks the poster and notifier for cfg: HTTP when a URL is set, logging otherwise.
func NewOutbound(cfg config.WorkerConfig, logger *zap.Logger) (Poster, Notifier) {
	var poster Poster = NewLogPoster(logger)
	if cfg.PosterURL != "" {
		poster = NewHTTPPoster(cfg.PosterURL, cfg.HTTPTimeout, logger)
	}
	var notifier Notifier = NewLogNotifier(logger)
	if cfg.NotifyWebhookURL != "" {
		notifier = NewWebhookNotifier(cfg.NotifyWebhookURL, cfg.HTTPTimeout)
	}
	return poster, notifier
}

// PostRequest is the body sent to the platform poster.
type PostRequest struct {
	CandidateID    string `json:"candidate_id"`
	OrganizationID string `json:"organization_id"`
	PostID         string `json:"post_id"`
	Platform       string `json:"platform"`
	Text           string `json:"text"`
}

// HTTPPoster submits responses to a poster service. The candidate id is sent as the
// Idempotency-Key so a retried job does not post twice.
type HTTPPoster struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

// NewHTTPPoster creates a poster for url.
func NewHTTPPoster(url string, timeout time.Duration, logger *zap.Logger) *HTTPPoster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPPoster{url: url, client: &http.Client{Timeout: timeout}, logger: logger}
}

// Post implements Poster.
func (p *HTTPPoster) Post(ctx context.Context, c *models.Candidate) (string, error) {
	body := PostRequest{
		CandidateID:    c.ID.String(),
		OrganizationID: c.OrganizationID.String(),
		PostID:         c.PostID.String(),
		Platform:       c.Platform,
		Text:           c.FinalText(),
	}
	raw, err := postJSON(ctx, p.client, p.url, c.ID.String(), body)
	if err != nil {
		return "", err
	}
	var out struct {
		ExternalRef string `json:"external_ref"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode poster response: %w", err)
	}
	if out.ExternalRef == "" {
		return "", fmt.Errorf("poster returned no external_ref")
	}
	return out.ExternalRef, nil
}

// LogPoster only logs. Used when no poster service is configured.
type LogPoster struct {
	logger *zap.Logger
}

// NewLogPoster creates a LogPoster.
func NewLogPoster(logger *zap.Logger) *LogPoster {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPoster{logger: logger}
}

// Post implements Poster.
func (p *LogPoster) Post(_ context.Context, c *models.Candidate) (string, error) {
	p.logger.Info("post response (no poster configured)",
		zap.String("candidate_id", c.ID.String()),
		zap.String("platform", c.Platform),
		zap.Int("length", len(c.FinalText())))
	return "log:" + c.ID.String(), nil
}

// WebhookNotifier posts notifications as JSON to a webhook.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier creates a notifier for url.
func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	return &WebhookNotifier{url: url, client: &http.Client{Timeout: timeout}}
}

// Notify implements Notifier.
func (n *WebhookNotifier) Notify(ctx context.Context, p jobs.NotifyPayload) error {
	_, err := postJSON(ctx, n.client, n.url, "", p)
	return err
}

// LogNotifier only logs.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(_ context.Context, p jobs.NotifyPayload) error {
	n.logger.Info("reviewer notification",
		zap.String("organization_id", p.OrganizationID.String()),
		zap.String("candidate_id", p.CandidateID.String()),
		zap.Int64("rule_id", p.RuleID),
		zap.String("action", p.Action),
		zap.String("reason", p.Reason))
	return nil
}

func postJSON(ctx context.Context, client *http.Client, url, idempotencyKey string, in any) ([]byte, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxOutboundBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return raw, nil
}
