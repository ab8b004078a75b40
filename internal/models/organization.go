package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/replyflow/engagement/internal/rbac"
)

// Organization represents a tenant. Every candidate, rule and audit entry belongs to exactly one.
type Organization struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Membership links a user to an organization with a role.
type Membership struct {
	ID             uuid.UUID `json:"id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	UserID         uuid.UUID `json:"user_id"`
	Role           rbac.Role `json:"role"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Member is a membership joined with user details (for GET /organizations/:id/members).
type Member struct {
	UserID   uuid.UUID `json:"user_id"`
	Email    string    `json:"email"`
	FullName string    `json:"full_name"`
	Role     rbac.Role `json:"role"`
	AddedAt  time.Time `json:"added_at"`
}
