package rbac

import (
	"github.com/google/uuid"

	"github.com/replyflow/engagement/internal/apperr"
)

// Actor is an authenticated user acting inside one organization.
type Actor struct {
	UserID         uuid.UUID
	OrganizationID uuid.UUID
	Role           Role
	// DeviceType is informational only ("desktop", "mobile").
	DeviceType string
}

// Can reports whether the actor's role grants perm.
func (a Actor) Can(perm Permission) bool {
	return HasPermission(a.Role, perm)
}

// Require returns nil when the actor holds perm.
func (a Actor) Require(perm Permission) error {
	if a.Can(perm) {
		return nil
	}
	return &DeniedError{Role: a.Role, Permission: perm}
}

// DeniedError reports a missing permission. It matches apperr.ErrAuthorization.
type DeniedError struct {
	Role       Role
	Permission Permission
}

func (e *DeniedError) Error() string {
	return "role " + string(e.Role) + " lacks permission " + string(e.Permission)
}

func (e *DeniedError) Unwrap() error { return apperr.ErrAuthorization }
