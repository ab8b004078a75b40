package audit

import (
	"bytes"
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/replyflow/engagement/internal/models"
)

// MemoryStore is an in-process audit ledger.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []models.AuditEntry
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append stores a copy of e.
func (s *MemoryStore) Append(_ context.Context, e *models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, cloneEntry(*e))
	return nil
}

// List returns entries for orgID, newest first.
func (s *MemoryStore) List(_ context.Context, orgID uuid.UUID, offset, limit int) ([]models.AuditEntry, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []models.AuditEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].OrganizationID == orgID {
			matched = append(matched, cloneEntry(s.entries[i]))
		}
	}
	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

// Count returns the number of entries for orgID.
func (s *MemoryStore) Count(_ context.Context, orgID uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for i := range s.entries {
		if s.entries[i].OrganizationID == orgID {
			n++
		}
	}
	return n, nil
}

// cloneEntry copies the raw JSON fields so stored entries share no memory with callers.
func cloneEntry(e models.AuditEntry) models.AuditEntry {
	e.ActionData = bytes.Clone(e.ActionData)
	e.BeforeState = bytes.Clone(e.BeforeState)
	e.AfterState = bytes.Clone(e.AfterState)
	if e.ActorID != nil {
		id := *e.ActorID
		e.ActorID = &id
	}
	return e
}
