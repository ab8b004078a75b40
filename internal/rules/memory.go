package rules

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/replyflow/engagement/internal/apperr"
	"github.com/replyflow/engagement/internal/audit"
	"github.com/replyflow/engagement/internal/models"
)

// MemoryStore is an in-process Store. Audit entries are appended under the lock before the
// change is applied; a failed append leaves the rules untouched.
type MemoryStore struct {
	mu     sync.Mutex
	audit  audit.Appender
	nextID int64
	rules  map[int64]models.AutomationRule
}

// NewMemoryStore creates an empty store that appends audit entries to a.
func NewMemoryStore(a audit.Appender) *MemoryStore {
	return &MemoryStore{audit: a, rules: make(map[int64]models.AutomationRule)}
}

func (s *MemoryStore) List(_ context.Context, orgID uuid.UUID, activeOnly bool) ([]models.AutomationRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.AutomationRule, 0)
	for _, r := range s.rules {
		if r.OrganizationID != orgID || (activeOnly && !r.IsActive) {
			continue
		}
		out = append(out, clone(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) Get(_ context.Context, orgID uuid.UUID, id int64) (*models.AutomationRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok || r.OrganizationID != orgID {
		return nil, apperr.NotFound("automation rule")
	}
	c := clone(r)
	return &c, nil
}

func (s *MemoryStore) Create(ctx context.Context, r *models.AutomationRule, build AuditFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.ID = s.nextID + 1
	a, err := build(r)
	if err != nil {
		r.ID = 0
		return err
	}
	if err := s.appendAudit(ctx, a); err != nil {
		r.ID = 0
		return err
	}
	s.nextID = r.ID
	s.rules[r.ID] = clone(*r)
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, r *models.AutomationRule, a *models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.rules[r.ID]
	if !ok || cur.OrganizationID != r.OrganizationID {
		return apperr.NotFound("automation rule")
	}
	if err := s.appendAudit(ctx, a); err != nil {
		return err
	}
	s.rules[r.ID] = clone(*r)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, orgID uuid.UUID, id int64, a *models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.rules[id]
	if !ok || cur.OrganizationID != orgID {
		return apperr.NotFound("automation rule")
	}
	if err := s.appendAudit(ctx, a); err != nil {
		return err
	}
	delete(s.rules, id)
	return nil
}

func (s *MemoryStore) appendAudit(ctx context.Context, a *models.AuditEntry) error {
	if a == nil || s.audit == nil {
		return nil
	}
	if err := s.audit.Append(ctx, a); err != nil {
		return apperr.Persistence("append audit entry", err)
	}
	return nil
}

func clone(r models.AutomationRule) models.AutomationRule {
	r.Conditions.Platforms = append([]string(nil), r.Conditions.Platforms...)
	return r
}
