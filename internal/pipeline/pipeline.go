// Package pipeline turns a detected post into either an auto-approved response, a rejected
// one, or a review queue entry.
package pipeline

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/replyflow/engagement/config"
	"github.com/replyflow/engagement/internal/apperr"
	"github.com/replyflow/engagement/internal/cts"
	"github.com/replyflow/engagement/internal/metrics"
	"github.com/replyflow/engagement/internal/models"
	"github.com/replyflow/engagement/internal/rules"
	"github.com/replyflow/engagement/internal/stages"
	"github.com/replyflow/engagement/pkg/jobs"
)

const maxPostLength = 40000

// Decision outcomes.
const (
	OutcomeAutoPosted = "auto_posted"
	OutcomeQueued     = "queued"
	OutcomeBlocked    = "blocked"
)

// Policies resolves the policy in force for an organization.
type Policies interface {
	EffectivePolicy(ctx context.Context, orgID uuid.UUID) (*models.Policy, error)
}

// Rules returns an organization's active automation rules.
type Rules interface {
	Active(ctx context.Context, orgID uuid.UUID) ([]models.AutomationRule, error)
}

// Queue stores decided candidates.
type Queue interface {
	Enqueue(ctx context.Context, c *models.Candidate, priority int) (*models.QueueEntry, error)
	Record(ctx context.Context, c *models.Candidate, actionType string, payload any) error
}

// Analyzer runs the external stages for a post.
type Analyzer interface {
	Run(ctx context.Context, post *models.Post) (*stages.Analysis, error)
}

// Notifier schedules reviewer notifications for notify and escalate rules.
type Notifier interface {
	EnqueueNotify(ctx context.Context, payload jobs.NotifyPayload) error
}

// Outcome reports what happened to one post.
type Outcome struct {
	PostID      uuid.UUID              `json:"post_id"`
	CandidateID uuid.UUID              `json:"candidate_id"`
	EntryID     *uuid.UUID             `json:"entry_id,omitempty"`
	Outcome     string                 `json:"outcome"`
	Status      models.CandidateStatus `json:"status"`
	Reason      string                 `json:"reason"`
	Score       float64                `json:"cts_score"`
	Rule        *rules.MatchedAction   `json:"rule,omitempty"`
	FailedStage models.Stage           `json:"failed_stage,omitempty"`
}

// Pipeline wires analysis, scoring, rule matching and the queue.
type Pipeline struct {
	posts    stages.PostStore
	results  stages.Store
	analyzer Analyzer
	policies Policies
	rules    Rules
	queue    Queue
	notifier Notifier
	cfg      config.PipelineConfig
	metrics  *metrics.Collector
	logger   *zap.Logger
	now      func() time.Time
}

// Deps are the collaborators of a Pipeline. Notifier and Metrics may be nil.
type Deps struct {
	Posts    stages.PostStore
	Results  stages.Store
	Analyzer Analyzer
	Policies Policies
	Rules    Rules
	Queue    Queue
	Notifier Notifier
	Metrics  *metrics.Collector
}

// New creates a pipeline.
func New(d Deps, cfg config.PipelineConfig, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		posts:    d.Posts,
		results:  d.Results,
		analyzer: d.Analyzer,
		policies: d.Policies,
		rules:    d.Rules,
		queue:    d.Queue,
		notifier: d.Notifier,
		cfg:      cfg,
		metrics:  d.Metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// Ingest validates and stores post, runs the analysis stages and decides.
func (p *Pipeline) Ingest(ctx context.Context, post *models.Post) (*Outcome, error) {
	if err := validatePost(post); err != nil {
		return nil, err
	}
	if post.ID == uuid.Nil {
		post.ID = uuid.New()
	}
	post.CreatedAt = p.now().UTC()
	if err := p.posts.CreatePost(ctx, post); err != nil {
		return nil, storeErr("create post", err)
	}
	if _, err := p.analyzer.Run(ctx, post); err != nil {
		return nil, err
	}
	return p.Decide(ctx, post)
}

// Decide reads the stage results of post and applies the decision. A post whose stages are
// not all completed is queued for manual review and never auto-posted.
func (p *Pipeline) Decide(ctx context.Context, post *models.Post) (*Outcome, error) {
	set, err := p.results.Get(ctx, post.ID)
	if err != nil {
		return nil, storeErr("get stage results", err)
	}
	c := &models.Candidate{
		ID:             uuid.New(),
		OrganizationID: post.OrganizationID,
		PostID:         post.ID,
		Platform:       post.Platform,
		Status:         models.CandidatePending,
	}
	if !set.Ready() {
		return p.decideIncomplete(ctx, post, set, c)
	}

	var (
		sig  models.SignalOutput
		risk models.RiskOutput
		resp models.ResponseOutput
		cta  models.CTAOutput
	)
	for stage, v := range map[models.Stage]any{
		models.StageSignal: &sig, models.StageRisk: &risk, models.StageResponse: &resp, models.StageCTA: &cta,
	} {
		if err := set.Decode(stage, v); err != nil {
			return nil, apperr.Persistence("decode stage output", err)
		}
	}
	fillSignal(c, &sig)
	fillRisk(c, &risk)
	fillResponse(c, &resp)
	c.CTALevel = cta.CTALevel

	policy, err := p.policies.EffectivePolicy(ctx, post.OrganizationID)
	if err != nil {
		return nil, storeErr("load policy", err)
	}
	d := cts.Decide(sig.Confidence, risk.RiskLevel, cta.CTALevel, cts.PolicyFrom(*policy))
	c.CTSScore = d.Score
	c.CTSBreakdown = d.Breakdown

	active, err := p.rules.Active(ctx, post.OrganizationID)
	if err != nil {
		return nil, storeErr("load rules", err)
	}
	match := rules.Match(rules.SubjectOf(c), active)

	autoPost, reason := d.CanAutoPost, d.Reason
	if match != nil {
		id := match.RuleID
		c.MatchedRuleID = &id
		switch match.Action {
		case models.RuleActionBlock:
			return p.block(ctx, post, c, match)
		case models.RuleActionAutoPost:
			if c.RiskLevel == models.RiskBlocked {
				autoPost, reason = false, cts.ReasonRiskBlocked
			} else {
				autoPost, reason = true, cts.ReasonRuleAutoPost
			}
		}
	}
	if autoPost && !policy.AutomationEnabled {
		autoPost, reason = false, cts.ReasonAutomationDisabled
	}
	c.CanAutoPost = autoPost
	c.DecisionReason = reason

	var out *Outcome
	if autoPost {
		out, err = p.autoApprove(ctx, c, d, match)
	} else {
		priority := p.priorityOf(post)
		if match != nil && match.Action == models.RuleActionEscalate {
			priority += p.cfg.EscalationBoost
		}
		out, err = p.enqueue(ctx, c, priority)
	}
	if err != nil {
		return nil, err
	}
	out.Rule = match
	if match != nil && (match.Action == models.RuleActionNotify || match.Action == models.RuleActionEscalate) {
		p.notify(ctx, c, match)
	}
	return out, nil
}

func (p *Pipeline) decideIncomplete(ctx context.Context, post *models.Post, set *stages.StageSet, c *models.Candidate) (*Outcome, error) {
	// Missing outputs take their most conservative values.
	c.RiskLevel = models.RiskHigh
	c.CTALevel = cts.MaxCTALevel
	var sig models.SignalOutput
	if set.Decode(models.StageSignal, &sig) == nil {
		fillSignal(c, &sig)
	}
	var risk models.RiskOutput
	if set.Decode(models.StageRisk, &risk) == nil {
		fillRisk(c, &risk)
	}
	var resp models.ResponseOutput
	if set.Decode(models.StageResponse, &resp) == nil {
		fillResponse(c, &resp)
	}
	c.CanAutoPost = false
	c.DecisionReason = cts.ReasonUpstreamStageFailed

	out, err := p.enqueue(ctx, c, p.priorityOf(post))
	if err != nil {
		return nil, err
	}
	if failed := set.Failed(); len(failed) > 0 {
		out.FailedStage = failed[0]
	}
	p.logger.Warn("post queued with incomplete analysis",
		zap.String("post_id", post.ID.String()),
		zap.String("failed_stage", string(out.FailedStage)))
	return out, nil
}

func (p *Pipeline) block(ctx context.Context, post *models.Post, c *models.Candidate, m *rules.MatchedAction) (*Outcome, error) {
	c.CanAutoPost = false
	c.DecisionReason = cts.ReasonRuleBlocked
	c.Status = models.CandidateRejected
	c.RejectReason = cts.ReasonRuleBlocked
	payload := map[string]any{"rule_id": m.RuleID, "rule_name": m.RuleName, "cts_score": c.CTSScore}
	if err := p.queue.Record(ctx, c, models.AuditResponseBlocked, payload); err != nil {
		return nil, err
	}
	p.metrics.Decision(OutcomeBlocked, c.DecisionReason, c.CTSScore)
	p.logger.Info("response blocked by rule",
		zap.String("post_id", post.ID.String()),
		zap.Int64("rule_id", m.RuleID))
	return &Outcome{
		PostID:      c.PostID,
		CandidateID: c.ID,
		Outcome:     OutcomeBlocked,
		Status:      c.Status,
		Reason:      c.DecisionReason,
		Score:       c.CTSScore,
		Rule:        m,
	}, nil
}

func (p *Pipeline) autoApprove(ctx context.Context, c *models.Candidate, d cts.Decision, m *rules.MatchedAction) (*Outcome, error) {
	c.Status = models.CandidateApproved
	payload := map[string]any{"reason": c.DecisionReason, "cts_score": d.Score, "breakdown": d.Breakdown}
	if m != nil {
		payload["rule_id"] = m.RuleID
	}
	if err := p.queue.Record(ctx, c, models.AuditResponseAutoApproved, payload); err != nil {
		return nil, err
	}
	p.metrics.Decision(OutcomeAutoPosted, c.DecisionReason, c.CTSScore)
	return &Outcome{
		PostID:      c.PostID,
		CandidateID: c.ID,
		Outcome:     OutcomeAutoPosted,
		Status:      c.Status,
		Reason:      c.DecisionReason,
		Score:       c.CTSScore,
	}, nil
}

func (p *Pipeline) enqueue(ctx context.Context, c *models.Candidate, priority int) (*Outcome, error) {
	entry, err := p.queue.Enqueue(ctx, c, priority)
	if err != nil {
		return nil, err
	}
	p.metrics.Decision(OutcomeQueued, c.DecisionReason, c.CTSScore)
	return &Outcome{
		PostID:      c.PostID,
		CandidateID: c.ID,
		EntryID:     &entry.ID,
		Outcome:     OutcomeQueued,
		Status:      c.Status,
		Reason:      c.DecisionReason,
		Score:       c.CTSScore,
	}, nil
}

func (p *Pipeline) notify(ctx context.Context, c *models.Candidate, m *rules.MatchedAction) {
	if p.notifier == nil {
		return
	}
	err := p.notifier.EnqueueNotify(ctx, jobs.NotifyPayload{
		OrganizationID: c.OrganizationID,
		CandidateID:    c.ID,
		RuleID:         m.RuleID,
		Action:         string(m.Action),
		Reason:         c.DecisionReason,
	})
	if err != nil {
		p.logger.Warn("enqueue notification failed", zap.String("candidate_id", c.ID.String()), zap.Error(err))
	}
}

func (p *Pipeline) priorityOf(post *models.Post) int {
	if post.Priority != nil {
		return *post.Priority
	}
	return p.cfg.DefaultPriority
}

func fillSignal(c *models.Candidate, s *models.SignalOutput) {
	c.SignalConfidence = s.Confidence
	c.EmotionalIntensity = s.EmotionalIntensity
}

func fillRisk(c *models.Candidate, r *models.RiskOutput) {
	c.RiskLevel = r.RiskLevel
}

func fillResponse(c *models.Candidate, r *models.ResponseOutput) {
	c.ResponseText = r.SelectedResponse
	c.SelectedType = r.SelectedType
	c.Variants = models.Variants{ValueFirst: r.ValueFirst, SoftCTA: r.SoftCTA, Contextual: r.Contextual}
}

func validatePost(p *models.Post) error {
	if p == nil || p.OrganizationID == uuid.Nil {
		return apperr.Validation("organization_id is required")
	}
	p.Platform = strings.ToLower(strings.TrimSpace(p.Platform))
	if p.Platform == "" {
		return apperr.Validation("platform is required")
	}
	if strings.TrimSpace(p.Text) == "" {
		return apperr.Validation("text is required")
	}
	if utf8.RuneCountInString(p.Text) > maxPostLength {
		return apperr.Validation("text is longer than %d characters", maxPostLength)
	}
	if p.Priority != nil && *p.Priority < 0 {
		return apperr.Validation("priority must not be negative")
	}
	return nil
}

func storeErr(op string, err error) error {
	if apperr.Kind(err) != nil {
		return err
	}
	return apperr.Persistence(op, err)
}
