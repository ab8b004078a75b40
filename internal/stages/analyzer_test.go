package stages

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replyflow/engagement/internal/agent"
	"github.com/replyflow/engagement/internal/apperr"
	"github.com/replyflow/engagement/internal/models"
)

type fakeAgent struct {
	failAt models.Stage
	calls  []models.Stage
	gotCTA agent.CTARequest
}

func (f *fakeAgent) fail(stage models.Stage) error {
	f.calls = append(f.calls, stage)
	if f.failAt == stage {
		return apperr.Upstream(string(stage), errors.New("timeout"))
	}
	return nil
}

func (f *fakeAgent) AnalyzeSignal(_ context.Context, _ agent.SignalRequest) (*models.SignalOutput, error) {
	if err := f.fail(models.StageSignal); err != nil {
		return nil, err
	}
	return &models.SignalOutput{ProblemCategory: "billing", EmotionalIntensity: 0.4, Confidence: 0.9}, nil
}

func (f *fakeAgent) ScoreRisk(_ context.Context, _ agent.RiskRequest) (*models.RiskOutput, error) {
	if err := f.fail(models.StageRisk); err != nil {
		return nil, err
	}
	return &models.RiskOutput{RiskLevel: models.RiskLow, RiskScore: 0.1}, nil
}

func (f *fakeAgent) GenerateResponse(_ context.Context, _ agent.ResponseRequest) (*models.ResponseOutput, error) {
	if err := f.fail(models.StageResponse); err != nil {
		return nil, err
	}
	return &models.ResponseOutput{SelectedResponse: "try the export page", SelectedType: models.ResponseTypeValueFirst}, nil
}

func (f *fakeAgent) ClassifyCTA(_ context.Context, req agent.CTARequest) (*models.CTAOutput, error) {
	f.gotCTA = req
	if err := f.fail(models.StageCTA); err != nil {
		return nil, err
	}
	return &models.CTAOutput{CTALevel: 0}, nil
}

func testPost() *models.Post {
	return &models.Post{ID: uuid.New(), OrganizationID: uuid.New(), Platform: "reddit", Text: "exports keep failing", CreatedAt: time.Now()}
}

func TestAnalyzerRunsAllStages(t *testing.T) {
	store := NewMemoryStore()
	fa := &fakeAgent{}
	post := testPost()

	out, err := NewAnalyzer(fa, store, nil, nil).Run(context.Background(), post)
	require.NoError(t, err)
	assert.True(t, out.Complete())
	assert.Empty(t, out.FailedStage)
	assert.Equal(t, models.Stages, fa.calls)
	assert.Equal(t, "try the export page", fa.gotCTA.ResponseText)

	set, err := store.Get(context.Background(), post.ID)
	require.NoError(t, err)
	assert.True(t, set.Ready())
	assert.Empty(t, set.Failed())

	var sig models.SignalOutput
	require.NoError(t, set.Decode(models.StageSignal, &sig))
	assert.Equal(t, "billing", sig.ProblemCategory)
}

func TestAnalyzerStopsAtFirstFailure(t *testing.T) {
	store := NewMemoryStore()
	fa := &fakeAgent{failAt: models.StageRisk}
	post := testPost()

	out, err := NewAnalyzer(fa, store, nil, nil).Run(context.Background(), post)
	require.NoError(t, err)
	assert.False(t, out.Complete())
	assert.Equal(t, models.StageRisk, out.FailedStage)
	assert.NotNil(t, out.Signal)
	assert.Nil(t, out.Risk)
	assert.Equal(t, []models.Stage{models.StageSignal, models.StageRisk}, fa.calls)

	set, err := store.Get(context.Background(), post.ID)
	require.NoError(t, err)
	assert.False(t, set.Ready())
	assert.Equal(t, []models.Stage{models.StageRisk}, set.Failed())
	assert.Equal(t, models.StageStatusCompleted, set.Result(models.StageSignal).Status)
	assert.Contains(t, set.Result(models.StageRisk).Error, "timeout")
	assert.Equal(t, models.StageStatusPending, set.Result(models.StageResponse).Status)
	assert.Equal(t, models.StageStatusPending, set.Result(models.StageCTA).Status)
	assert.Error(t, set.Decode(models.StageRisk, &models.RiskOutput{}))
}

func TestStageSetMissingStagesPending(t *testing.T) {
	store := NewMemoryStore()
	id := uuid.New()
	now := time.Now()
	require.NoError(t, store.Begin(context.Background(), id, models.StageSignal, now))

	set, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, set.Results, 4)
	assert.Equal(t, models.StageStatusRunning, set.Result(models.StageSignal).Status)
	for _, st := range models.Stages[1:] {
		assert.Equal(t, models.StageStatusPending, set.Result(st).Status)
	}
	assert.False(t, set.Ready())
}

func TestMemoryPosts(t *testing.T) {
	store := NewMemoryStore()
	p := testPost()
	p.ContextFlags = []string{"competitor"}
	require.NoError(t, store.CreatePost(context.Background(), p))
	assert.ErrorIs(t, store.CreatePost(context.Background(), p), apperr.ErrConflict)

	p.ContextFlags[0] = "mutated"
	got, err := store.GetPost(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"competitor"}, got.ContextFlags)

	_, err = store.GetPost(context.Background(), uuid.New())
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
