package stages

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/replyflow/engagement/internal/apperr"
	"github.com/replyflow/engagement/internal/models"
)

// MemoryStore keeps posts and stage results in process. It implements Store and PostStore.
type MemoryStore struct {
	mu      sync.RWMutex
	posts   map[uuid.UUID]models.Post
	results map[uuid.UUID]map[models.Stage]models.StageResult
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		posts:   make(map[uuid.UUID]models.Post),
		results: make(map[uuid.UUID]map[models.Stage]models.StageResult),
	}
}

func (s *MemoryStore) CreatePost(_ context.Context, p *models.Post) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.posts[p.ID]; ok {
		return apperr.Conflict("post %s already exists", p.ID)
	}
	cp := *p
	cp.ContextFlags = append([]string(nil), p.ContextFlags...)
	s.posts[p.ID] = cp
	return nil
}

func (s *MemoryStore) GetPost(_ context.Context, id uuid.UUID) (*models.Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.posts[id]
	if !ok {
		return nil, apperr.NotFound("post")
	}
	return &p, nil
}

func (s *MemoryStore) Begin(_ context.Context, postID uuid.UUID, stage models.Stage, at time.Time) error {
	s.put(postID, models.StageResult{PostID: postID, Stage: stage, Status: models.StageStatusRunning, StartedAt: &at})
	return nil
}

func (s *MemoryStore) Complete(_ context.Context, postID uuid.UUID, stage models.Stage, output json.RawMessage, at time.Time) error {
	s.update(postID, stage, func(r *models.StageResult) {
		r.Status = models.StageStatusCompleted
		r.Output = append(json.RawMessage(nil), output...)
		r.Error = ""
		r.CompletedAt = &at
	})
	return nil
}

func (s *MemoryStore) Fail(_ context.Context, postID uuid.UUID, stage models.Stage, reason string, at time.Time) error {
	s.update(postID, stage, func(r *models.StageResult) {
		r.Status = models.StageStatusFailed
		r.Error = reason
		r.Output = nil
		r.CompletedAt = &at
	})
	return nil
}

func (s *MemoryStore) Get(_ context.Context, postID uuid.UUID) (*StageSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	found := make(map[models.Stage]models.StageResult, len(s.results[postID]))
	for k, v := range s.results[postID] {
		found[k] = v
	}
	return newStageSet(postID, found), nil
}

func (s *MemoryStore) put(postID uuid.UUID, r models.StageResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.results[postID] == nil {
		s.results[postID] = make(map[models.Stage]models.StageResult)
	}
	s.results[postID][r.Stage] = r
}

func (s *MemoryStore) update(postID uuid.UUID, stage models.Stage, fn func(*models.StageResult)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.results[postID] == nil {
		s.results[postID] = make(map[models.Stage]models.StageResult)
	}
	r, ok := s.results[postID][stage]
	if !ok {
		r = models.StageResult{PostID: postID, Stage: stage}
	}
	fn(&r)
	s.results[postID][stage] = r
}
