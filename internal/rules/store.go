package rules

import (
	"context"

	"github.com/google/uuid"

	"github.com/replyflow/engagement/internal/models"
)

// AuditFunc builds the audit entry for a rule once the store has assigned its id.
type AuditFunc func(r *models.AutomationRule) (*models.AuditEntry, error)

// Store persists automation rules. Every mutation appends its audit entry atomically with
// the rule change.
type Store interface {
	// List returns an organization's rules ordered by priority DESC, id ASC.
	List(ctx context.Context, orgID uuid.UUID, activeOnly bool) ([]models.AutomationRule, error)
	Get(ctx context.Context, orgID uuid.UUID, id int64) (*models.AutomationRule, error)
	Create(ctx context.Context, r *models.AutomationRule, build AuditFunc) error
	Update(ctx context.Context, r *models.AutomationRule, a *models.AuditEntry) error
	Delete(ctx context.Context, orgID uuid.UUID, id int64, a *models.AuditEntry) error
}
