package queue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/replyflow/engagement/internal/models"
)

// Filter narrows a queue listing. Zero values mean "any".
type Filter struct {
	Status    models.EntryStatus
	RiskLevel models.RiskLevel
	MinCTS    *float64
	MaxCTS    *float64
}

// Review is a compare-and-set transition of a queued entry and its pending candidate.
type Review struct {
	EntryID    uuid.UUID
	Status     models.CandidateStatus
	ReviewedBy uuid.UUID
	ReviewedAt time.Time
	// SelectedType and ResponseText replace the chosen draft when non-empty.
	SelectedType   string
	ResponseText   string
	EditedResponse *string
	Notes          string
	RejectReason   string
	Audit          *models.AuditEntry
}

// Dispatch records the platform outcome of an approved or edited candidate.
type Dispatch struct {
	CandidateID uuid.UUID
	Status      models.CandidateStatus
	At          time.Time
	Error       string
	Audit       *models.AuditEntry
}

// Store persists candidates and queue entries. Every mutating method writes its audit
// entry in the same atomic unit: either both are visible or neither is.
//
// GetX methods return apperr.ErrNotFound for unknown ids. Transitions return
// apperr.ErrConflict when the precondition no longer holds and never overwrite.
type Store interface {
	// Create stores a candidate and, when entry is non-nil, its queue entry.
	Create(ctx context.Context, c *models.Candidate, entry *models.QueueEntry, a *models.AuditEntry) error
	GetEntry(ctx context.Context, id uuid.UUID) (*models.QueueEntry, error)
	GetEntryByCandidate(ctx context.Context, candidateID uuid.UUID) (*models.QueueEntry, error)
	GetCandidate(ctx context.Context, id uuid.UUID) (*models.Candidate, error)
	// List orders by priority DESC, created_at ASC, id ASC. Items and total come from one snapshot.
	List(ctx context.Context, orgID uuid.UUID, f Filter, offset, limit int) ([]models.QueueItem, int, error)
	// Review requires entry queued and candidate pending; the entry becomes completed.
	Review(ctx context.Context, r Review) (*models.QueueItem, error)
	// Skip requires entry queued; the candidate is left pending.
	Skip(ctx context.Context, entryID uuid.UUID, at time.Time, a *models.AuditEntry) (*models.QueueEntry, error)
	// Dispatch requires candidate approved or edited.
	Dispatch(ctx context.Context, d Dispatch) (*models.Candidate, error)
}
