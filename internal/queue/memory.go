package queue

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/replyflow/engagement/internal/apperr"
	"github.com/replyflow/engagement/internal/audit"
	"github.com/replyflow/engagement/internal/models"
)

// MemoryStore is an in-process Store. One mutex serializes every transition, which makes
// the compare-and-set trivially atomic. Audit entries go to the supplied appender while the
// lock is held; if the append fails nothing is applied.
type MemoryStore struct {
	mu          sync.Mutex
	audit       audit.Appender
	candidates  map[uuid.UUID]*models.Candidate
	entries     map[uuid.UUID]*models.QueueEntry
	byCandidate map[uuid.UUID]uuid.UUID
}

// NewMemoryStore creates an empty store that appends audit entries to a.
func NewMemoryStore(a audit.Appender) *MemoryStore {
	return &MemoryStore{
		audit:       a,
		candidates:  make(map[uuid.UUID]*models.Candidate),
		entries:     make(map[uuid.UUID]*models.QueueEntry),
		byCandidate: make(map[uuid.UUID]uuid.UUID),
	}
}

func (s *MemoryStore) Create(ctx context.Context, c *models.Candidate, entry *models.QueueEntry, a *models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.candidates[c.ID]; ok {
		return apperr.Conflict("candidate %s already exists", c.ID)
	}
	if entry != nil {
		if _, ok := s.entries[entry.ID]; ok {
			return apperr.Conflict("queue entry %s already exists", entry.ID)
		}
	}
	if err := s.appendAudit(ctx, a); err != nil {
		return err
	}
	cc := *c
	s.candidates[c.ID] = &cc
	if entry != nil {
		ec := *entry
		s.entries[entry.ID] = &ec
		s.byCandidate[c.ID] = entry.ID
	}
	return nil
}

func (s *MemoryStore) GetEntry(_ context.Context, id uuid.UUID) (*models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, apperr.NotFound("queue entry")
	}
	ec := *e
	return &ec, nil
}

func (s *MemoryStore) GetEntryByCandidate(_ context.Context, candidateID uuid.UUID) (*models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byCandidate[candidateID]
	if !ok {
		return nil, apperr.NotFound("queue entry")
	}
	ec := *s.entries[id]
	return &ec, nil
}

func (s *MemoryStore) GetCandidate(_ context.Context, id uuid.UUID) (*models.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.candidates[id]
	if !ok {
		return nil, apperr.NotFound("response")
	}
	cc := *c
	return &cc, nil
}

func (s *MemoryStore) List(_ context.Context, orgID uuid.UUID, f Filter, offset, limit int) ([]models.QueueItem, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var items []models.QueueItem
	for _, e := range s.entries {
		if e.OrganizationID != orgID {
			continue
		}
		c := s.candidates[e.CandidateID]
		if !matches(f, e, c) {
			continue
		}
		items = append(items, models.QueueItem{Entry: *e, Candidate: *c})
	}
	sort.Slice(items, func(i, j int) bool { return less(&items[i].Entry, &items[j].Entry) })

	total := len(items)
	if offset >= total {
		return []models.QueueItem{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return items[offset:end], total, nil
}

func (s *MemoryStore) Review(ctx context.Context, r Review) (*models.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[r.EntryID]
	if !ok {
		return nil, apperr.NotFound("queue entry")
	}
	c := s.candidates[e.CandidateID]
	if e.Status != models.EntryQueued || c.Status != models.CandidatePending {
		return nil, apperr.Conflict("entry is %s and response is %s", e.Status, c.Status)
	}
	if err := s.appendAudit(ctx, r.Audit); err != nil {
		return nil, err
	}

	e.Status = models.EntryCompleted
	e.UpdatedAt = r.ReviewedAt

	reviewer := r.ReviewedBy
	at := r.ReviewedAt
	c.Status = r.Status
	c.ReviewedBy = &reviewer
	c.ReviewedAt = &at
	c.EditedResponse = r.EditedResponse
	c.ReviewNotes = r.Notes
	c.RejectReason = r.RejectReason
	if r.SelectedType != "" {
		c.SelectedType = r.SelectedType
	}
	if r.ResponseText != "" {
		c.ResponseText = r.ResponseText
	}
	c.UpdatedAt = at

	return &models.QueueItem{Entry: *e, Candidate: *c}, nil
}

func (s *MemoryStore) Skip(ctx context.Context, entryID uuid.UUID, at time.Time, a *models.AuditEntry) (*models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[entryID]
	if !ok {
		return nil, apperr.NotFound("queue entry")
	}
	if e.Status != models.EntryQueued {
		return nil, apperr.Conflict("entry is %s", e.Status)
	}
	if err := s.appendAudit(ctx, a); err != nil {
		return nil, err
	}
	e.Status = models.EntrySkipped
	e.UpdatedAt = at
	ec := *e
	return &ec, nil
}

func (s *MemoryStore) Dispatch(ctx context.Context, d Dispatch) (*models.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.candidates[d.CandidateID]
	if !ok {
		return nil, apperr.NotFound("response")
	}
	if !c.Status.Postable() {
		return nil, apperr.Conflict("response is %s", c.Status)
	}
	if err := s.appendAudit(ctx, d.Audit); err != nil {
		return nil, err
	}
	c.Status = d.Status
	c.PostError = d.Error
	if d.Status == models.CandidatePosted {
		at := d.At
		c.PostedAt = &at
	}
	c.UpdatedAt = d.At
	cc := *c
	return &cc, nil
}

func (s *MemoryStore) appendAudit(ctx context.Context, a *models.AuditEntry) error {
	if a == nil {
		return nil
	}
	if err := s.audit.Append(ctx, a); err != nil {
		return apperr.Persistence("append audit entry", err)
	}
	return nil
}

func matches(f Filter, e *models.QueueEntry, c *models.Candidate) bool {
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.RiskLevel != "" && c.RiskLevel != f.RiskLevel {
		return false
	}
	if f.MinCTS != nil && c.CTSScore < *f.MinCTS {
		return false
	}
	if f.MaxCTS != nil && c.CTSScore > *f.MaxCTS {
		return false
	}
	return true
}

// less is the queue order: priority DESC, created_at ASC, id ASC.
func less(a, b *models.QueueEntry) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return bytes.Compare(a.ID[:], b.ID[:]) < 0
}
