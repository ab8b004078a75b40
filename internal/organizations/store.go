// Package organizations manages tenants, their members and roles, and the auto-post policy.
package organizations

import (
	"context"

	"github.com/google/uuid"

	"github.com/replyflow/engagement/internal/models"
	"github.com/replyflow/engagement/internal/rbac"
)

// Store persists organizations, memberships and policies. Mutations append their audit
// entry atomically with the change. Role changes and removals are compare-and-set on the
// member's current role.
type Store interface {
	Create(ctx context.Context, org *models.Organization, owner *models.Membership, policy *models.Policy, a *models.AuditEntry) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Organization, error)
	ListForUser(ctx context.Context, userID uuid.UUID) ([]models.Organization, error)

	GetRole(ctx context.Context, orgID, userID uuid.UUID) (rbac.Role, error)
	ListMembers(ctx context.Context, orgID uuid.UUID) ([]models.Member, error)
	AddMember(ctx context.Context, m *models.Membership, a *models.AuditEntry) error
	UpdateRole(ctx context.Context, orgID, userID uuid.UUID, from, to rbac.Role, a *models.AuditEntry) error
	RemoveMember(ctx context.Context, orgID, userID uuid.UUID, role rbac.Role, a *models.AuditEntry) error

	GetPolicy(ctx context.Context, orgID uuid.UUID) (*models.Policy, error)
	PutPolicy(ctx context.Context, p *models.Policy, a *models.AuditEntry) error
}

// UserDirectory resolves users. auth.Store implements it.
type UserDirectory interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
}
