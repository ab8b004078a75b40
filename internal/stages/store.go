// Package stages records the per-post results of the external analysis stages and runs them
// in order through the agent client.
package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/replyflow/engagement/internal/models"
)

// Store persists stage results. Begin, Complete and Fail are upserts keyed by (post, stage).
type Store interface {
	Begin(ctx context.Context, postID uuid.UUID, stage models.Stage, at time.Time) error
	Complete(ctx context.Context, postID uuid.UUID, stage models.Stage, output json.RawMessage, at time.Time) error
	Fail(ctx context.Context, postID uuid.UUID, stage models.Stage, reason string, at time.Time) error
	Get(ctx context.Context, postID uuid.UUID) (*StageSet, error)
}

// PostStore persists detected posts.
type PostStore interface {
	CreatePost(ctx context.Context, p *models.Post) error
	GetPost(ctx context.Context, id uuid.UUID) (*models.Post, error)
}

// StageSet holds the result of every stage for one post. Stages that never started are
// reported pending.
type StageSet struct {
	PostID  uuid.UUID            `json:"post_id"`
	Results []models.StageResult `json:"results"`
}

// newStageSet fills in pending results for the stages missing from found.
func newStageSet(postID uuid.UUID, found map[models.Stage]models.StageResult) *StageSet {
	set := &StageSet{PostID: postID, Results: make([]models.StageResult, 0, len(models.Stages))}
	for _, st := range models.Stages {
		r, ok := found[st]
		if !ok {
			r = models.StageResult{PostID: postID, Stage: st, Status: models.StageStatusPending}
		}
		set.Results = append(set.Results, r)
	}
	return set
}

// Result returns the result for stage.
func (s *StageSet) Result(stage models.Stage) models.StageResult {
	for _, r := range s.Results {
		if r.Stage == stage {
			return r
		}
	}
	return models.StageResult{PostID: s.PostID, Stage: stage, Status: models.StageStatusPending}
}

// Ready reports whether all four stages completed.
func (s *StageSet) Ready() bool {
	for _, st := range models.Stages {
		if s.Result(st).Status != models.StageStatusCompleted {
			return false
		}
	}
	return true
}

// Failed lists the failed stages in execution order.
func (s *StageSet) Failed() []models.Stage {
	var failed []models.Stage
	for _, st := range models.Stages {
		if s.Result(st).Status == models.StageStatusFailed {
			failed = append(failed, st)
		}
	}
	return failed
}

// Decode unmarshals the output of a completed stage into v.
func (s *StageSet) Decode(stage models.Stage, v any) error {
	r := s.Result(stage)
	if r.Status != models.StageStatusCompleted {
		return fmt.Errorf("stage %s is %s", stage, r.Status)
	}
	return json.Unmarshal(r.Output, v)
}
