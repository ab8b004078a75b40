package stages

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/replyflow/engagement/internal/agent"
	"github.com/replyflow/engagement/internal/apperr"
	"github.com/replyflow/engagement/internal/metrics"
	"github.com/replyflow/engagement/internal/models"
)

// Agent runs the four analysis stages. *agent.Client implements it.
type Agent interface {
	AnalyzeSignal(ctx context.Context, req agent.SignalRequest) (*models.SignalOutput, error)
	ScoreRisk(ctx context.Context, req agent.RiskRequest) (*models.RiskOutput, error)
	GenerateResponse(ctx context.Context, req agent.ResponseRequest) (*models.ResponseOutput, error)
	ClassifyCTA(ctx context.Context, req agent.CTARequest) (*models.CTAOutput, error)
}

// Analysis is what the stages produced for one post. Outputs of stages that did not complete
// are nil.
type Analysis struct {
	Signal   *models.SignalOutput
	Risk     *models.RiskOutput
	Response *models.ResponseOutput
	CTA      *models.CTAOutput
	// FailedStage is set when a stage call failed and stopped the chain.
	FailedStage models.Stage
}

// Complete reports whether every stage produced an output.
func (a *Analysis) Complete() bool {
	return a.Signal != nil && a.Risk != nil && a.Response != nil && a.CTA != nil
}

// Analyzer runs the stages in order, recording each in the store.
type Analyzer struct {
	agent   Agent
	store   Store
	metrics *metrics.Collector
	logger  *zap.Logger
	now     func() time.Time
}

// NewAnalyzer creates an analyzer.
func NewAnalyzer(a Agent, store Store, m *metrics.Collector, logger *zap.Logger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{agent: a, store: store, metrics: m, logger: logger, now: time.Now}
}

// Run analyzes post. A failed stage is marked failed, later stages stay pending, and the
// returned Analysis has FailedStage set with a nil error. Errors are store failures only.
func (a *Analyzer) Run(ctx context.Context, post *models.Post) (*Analysis, error) {
	out := &Analysis{}

	err := a.step(ctx, post, models.StageSignal, func() (any, error) {
		res, err := a.agent.AnalyzeSignal(ctx, agent.SignalRequest{Text: post.Text, OrganizationID: post.OrganizationID.String()})
		out.Signal = res
		return res, err
	})
	if err == nil {
		err = a.step(ctx, post, models.StageRisk, func() (any, error) {
			res, err := a.agent.ScoreRisk(ctx, agent.RiskRequest{
				Text:               post.Text,
				EmotionalIntensity: out.Signal.EmotionalIntensity,
				ContextFlags:       post.ContextFlags,
			})
			out.Risk = res
			return res, err
		})
	}
	if err == nil {
		err = a.step(ctx, post, models.StageResponse, func() (any, error) {
			res, err := a.agent.GenerateResponse(ctx, agent.ResponseRequest{
				PostText:        post.Text,
				ProblemCategory: out.Signal.ProblemCategory,
				RiskLevel:       out.Risk.RiskLevel,
				Platform:        post.Platform,
			})
			out.Response = res
			return res, err
		})
	}
	if err == nil {
		err = a.step(ctx, post, models.StageCTA, func() (any, error) {
			res, err := a.agent.ClassifyCTA(ctx, agent.CTARequest{ResponseText: out.Response.SelectedResponse})
			out.CTA = res
			return res, err
		})
	}

	var failed *stageError
	if errors.As(err, &failed) {
		out.FailedStage = failed.stage
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

type stageError struct {
	stage models.Stage
	err   error
}

func (e *stageError) Error() string { return e.err.Error() }

func (a *Analyzer) step(ctx context.Context, post *models.Post, stage models.Stage, call func() (any, error)) error {
	if err := a.store.Begin(ctx, post.ID, stage, a.now().UTC()); err != nil {
		return apperr.Persistence("begin stage", err)
	}
	res, err := call()
	if err != nil {
		a.metrics.StageFailure(string(stage))
		a.logger.Warn("analysis stage failed",
			zap.String("post_id", post.ID.String()),
			zap.String("stage", string(stage)),
			zap.Error(err))
		if ferr := a.store.Fail(ctx, post.ID, stage, err.Error(), a.now().UTC()); ferr != nil {
			return apperr.Persistence("fail stage", ferr)
		}
		return &stageError{stage: stage, err: err}
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return apperr.Persistence("encode stage output", err)
	}
	if err := a.store.Complete(ctx, post.ID, stage, raw, a.now().UTC()); err != nil {
		return apperr.Persistence("complete stage", err)
	}
	return nil
}
