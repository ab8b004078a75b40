package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replyflow/engagement/config"
	"github.com/replyflow/engagement/internal/apperr"
	"github.com/replyflow/engagement/internal/models"
)

func TestAnalyzeSignal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/signal", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		var req SignalRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "my build is broken", req.Text)
		_ = json.NewEncoder(w).Encode(models.SignalOutput{ProblemCategory: "ci", EmotionalIntensity: 0.7, Confidence: 0.9})
	}))
	defer srv.Close()

	c := New(config.UpstreamConfig{BaseURL: srv.URL + "/", APIKey: "k"}, srv.Client(), nil)
	out, err := c.AnalyzeSignal(context.Background(), SignalRequest{Text: "my build is broken"})
	require.NoError(t, err)
	assert.Equal(t, "ci", out.ProblemCategory)
	assert.Equal(t, 0.9, out.Confidence)
}

func TestOutputValidation(t *testing.T) {
	tests := []struct {
		name string
		body any
		call func(*Client) error
	}{
		{"confidence above one", models.SignalOutput{Confidence: 1.5}, func(c *Client) error {
			_, err := c.AnalyzeSignal(context.Background(), SignalRequest{})
			return err
		}},
		{"unknown risk", models.RiskOutput{RiskLevel: "severe"}, func(c *Client) error {
			_, err := c.ScoreRisk(context.Background(), RiskRequest{})
			return err
		}},
		{"empty response", models.ResponseOutput{SelectedType: models.ResponseTypeSoftCTA}, func(c *Client) error {
			_, err := c.GenerateResponse(context.Background(), ResponseRequest{})
			return err
		}},
		{"cta too high", models.CTAOutput{CTALevel: 4}, func(c *Client) error {
			_, err := c.ClassifyCTA(context.Background(), CTARequest{})
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				_ = json.NewEncoder(w).Encode(tt.body)
			}))
			defer srv.Close()
			err := tt.call(New(config.UpstreamConfig{BaseURL: srv.URL}, srv.Client(), nil))
			assert.ErrorIs(t, err, apperr.ErrUpstreamStage)
		})
	}
}

func TestServerErrorIsUpstream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := New(config.UpstreamConfig{BaseURL: srv.URL}, srv.Client(), nil).ScoreRisk(context.Background(), RiskRequest{})
	assert.ErrorIs(t, err, apperr.ErrUpstreamStage)
	assert.Contains(t, err.Error(), "503")
}

func TestTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	c := New(config.UpstreamConfig{BaseURL: srv.URL, Timeout: 20 * time.Millisecond}, srv.Client(), nil)
	_, err := c.ClassifyCTA(context.Background(), CTARequest{ResponseText: "x"})
	assert.ErrorIs(t, err, apperr.ErrUpstreamStage)
}

func TestBreakerOpensAndShortCircuits(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(config.UpstreamConfig{BaseURL: srv.URL, BreakerMinReqs: 2, BreakerRatio: 1, BreakerDelay: time.Minute}, srv.Client(), nil)
	for i := 0; i < 2; i++ {
		_, err := c.ClassifyCTA(context.Background(), CTARequest{})
		require.Error(t, err)
	}
	assert.Equal(t, "open", c.BreakerState())

	_, err := c.ClassifyCTA(context.Background(), CTARequest{})
	assert.ErrorIs(t, err, apperr.ErrUpstreamStage)
	assert.Contains(t, err.Error(), "circuit open")
	assert.Equal(t, int32(2), hits.Load())
}
