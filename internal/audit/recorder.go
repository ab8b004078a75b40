// Package audit records the append-only trail of every mutating action.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/replyflow/engagement/internal/apperr"
	"github.com/replyflow/engagement/internal/models"
	"github.com/replyflow/engagement/pkg/pagination"
)

// Appender appends one entry. Implementations never update or delete.
type Appender interface {
	Append(ctx context.Context, e *models.AuditEntry) error
}

// Store is the durable audit ledger.
type Store interface {
	Appender
	// List returns entries for an organization, newest first.
	List(ctx context.Context, orgID uuid.UUID, offset, limit int) ([]models.AuditEntry, int, error)
	Count(ctx context.Context, orgID uuid.UUID) (int, error)
}

// Input describes one action to record. Payload, Before and After are marshalled to JSON.
type Input struct {
	OrganizationID uuid.UUID
	ActorID        *uuid.UUID
	ActionType     string
	EntityType     string
	EntityID       string
	Payload        any
	Before         any
	After          any
}

// Page is one page of the activity feed.
type Page struct {
	Items      []models.AuditEntry `json:"items"`
	Total      int                 `json:"total"`
	TotalPages int                 `json:"total_pages"`
	Page       int                 `json:"page"`
	PageSize   int                 `json:"page_size"`
}

// Recorder builds and appends audit entries.
type Recorder struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// NewRecorder creates an audit recorder over store.
func NewRecorder(store Store, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{store: store, logger: logger, now: time.Now}
}

// Build validates in and returns the entry without storing it, for stores that append
// inside their own transaction.
func (r *Recorder) Build(in Input) (*models.AuditEntry, error) {
	return Build(in, r.now())
}

// Record builds and appends an entry. If the append fails the caller must treat the
// triggering action as failed.
func (r *Recorder) Record(ctx context.Context, in Input) (*models.AuditEntry, error) {
	e, err := r.Build(in)
	if err != nil {
		return nil, err
	}
	if err := r.store.Append(ctx, e); err != nil {
		r.logger.Error("audit append failed", zap.String("action_type", e.ActionType), zap.String("entity_id", e.EntityID), zap.Error(err))
		return nil, apperr.Persistence("append audit entry", err)
	}
	return e, nil
}

// List returns one page of an organization's activity feed.
func (r *Recorder) List(ctx context.Context, orgID uuid.UUID, page, pageSize int) (*Page, error) {
	p, err := pagination.New(page, pageSize)
	if err != nil {
		return nil, apperr.Validation("%s", err.Error())
	}
	items, total, err := r.store.List(ctx, orgID, p.Offset(), p.Limit())
	if err != nil {
		return nil, apperr.Persistence("list audit entries", err)
	}
	if items == nil {
		items = []models.AuditEntry{}
	}
	return &Page{
		Items:      items,
		Total:      total,
		TotalPages: pagination.TotalPages(total, p.PageSize),
		Page:       p.Page,
		PageSize:   p.PageSize,
	}, nil
}

// Count returns how many entries an organization has.
func (r *Recorder) Count(ctx context.Context, orgID uuid.UUID) (int, error) {
	n, err := r.store.Count(ctx, orgID)
	if err != nil {
		return 0, apperr.Persistence("count audit entries", err)
	}
	return n, nil
}

// Build validates in and stamps a new id and createdAt.
func Build(in Input, now time.Time) (*models.AuditEntry, error) {
	if in.OrganizationID == uuid.Nil {
		return nil, apperr.Validation("audit entry requires organization_id")
	}
	if in.ActionType == "" || in.EntityType == "" || in.EntityID == "" {
		return nil, apperr.Validation("audit entry requires action_type, entity_type and entity_id")
	}
	e := &models.AuditEntry{
		ID:             uuid.New(),
		OrganizationID: in.OrganizationID,
		ActorID:        in.ActorID,
		ActionType:     in.ActionType,
		EntityType:     in.EntityType,
		EntityID:       in.EntityID,
		CreatedAt:      now.UTC(),
	}
	var err error
	if e.ActionData, err = marshalOptional(in.Payload); err != nil {
		return nil, fmt.Errorf("marshal action data: %w", err)
	}
	if e.BeforeState, err = marshalOptional(in.Before); err != nil {
		return nil, fmt.Errorf("marshal before state: %w", err)
	}
	if e.AfterState, err = marshalOptional(in.After); err != nil {
		return nil, fmt.Errorf("marshal after state: %w", err)
	}
	return e, nil
}

func marshalOptional(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}
