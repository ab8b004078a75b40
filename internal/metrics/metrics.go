// Package metrics exposes Prometheus collectors for the decision pipeline and HTTP layer.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the service's metrics. A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	decisions     *prometheus.CounterVec
	ctsScores     prometheus.Histogram
	queueActions  *prometheus.CounterVec
	stageFailures *prometheus.CounterVec
	jobs          *prometheus.CounterVec
}

// New creates a collector on its own registry.
func New(service string) *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: service + "_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    service + "_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: service + "_decisions_total",
			Help: "Pipeline decisions by outcome and reason",
		}, []string{"outcome", "reason"}),
		ctsScores: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    service + "_cts_score",
			Help:    "Distribution of computed CTS scores",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		queueActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: service + "_queue_actions_total",
			Help: "Reviewer queue actions by action and result",
		}, []string{"action", "result"}),
		stageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: service + "_stage_failures_total",
			Help: "Upstream analysis stage failures",
		}, []string{"stage"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: service + "_jobs_total",
			Help: "Background jobs processed by type and result",
		}, []string{"type", "result"}),
	}
	reg.MustRegister(c.httpRequests, c.httpDuration, c.decisions, c.ctsScores, c.queueActions, c.stageFailures, c.jobs)
	return c
}

// Registry returns the underlying registry (for tests and custom collectors).
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in Prometheus exposition format.
func (c *Collector) Handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
	return gin.WrapH(h)
}

// Middleware records request count and latency per route template.
func (c *Collector) Middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if c == nil {
			ctx.Next()
			return
		}
		start := time.Now()
		ctx.Next()
		endpoint := ctx.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		method := ctx.Request.Method
		c.httpRequests.WithLabelValues(method, endpoint, strconv.Itoa(ctx.Writer.Status())).Inc()
		c.httpDuration.WithLabelValues(method, endpoint).Observe(time.Since(start).Seconds())
	}
}

// Decision records one pipeline outcome (auto_post, queued, blocked).
func (c *Collector) Decision(outcome, reason string, score float64) {
	if c == nil {
		return
	}
	c.decisions.WithLabelValues(outcome, reason).Inc()
	c.ctsScores.Observe(score)
}

// QueueAction records a reviewer action result (success, conflict, forbidden, error).
func (c *Collector) QueueAction(action, result string) {
	if c == nil {
		return
	}
	c.queueActions.WithLabelValues(action, result).Inc()
}

// StageFailure records one failed upstream stage call.
func (c *Collector) StageFailure(stage string) {
	if c == nil {
		return
	}
	c.stageFailures.WithLabelValues(stage).Inc()
}

// Job records a processed background job.
func (c *Collector) Job(jobType, result string) {
	if c == nil {
		return
	}
	c.jobs.WithLabelValues(jobType, result).Inc()
}
