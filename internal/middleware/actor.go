package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/replyflow/engagement/internal/rbac"
	"github.com/replyflow/engagement/pkg/response"
)

const (
	// ContextOrgID is the key for the organization resolved from the route.
	ContextOrgID = "organization_id"
	// ContextOrgRole is the key for the caller's role in that organization.
	ContextOrgRole = "org_role"
	// HeaderDeviceType lets clients report the device an action came from.
	HeaderDeviceType = "X-Device-Type"
)

// Actor builds the acting user from context set by JWT and org access middleware.
func Actor(c *gin.Context) rbac.Actor {
	a := rbac.Actor{DeviceType: strings.ToLower(strings.TrimSpace(c.GetHeader(HeaderDeviceType)))}
	if v, ok := c.Get(ContextUserID); ok {
		a.UserID, _ = v.(uuid.UUID)
	}
	if v, ok := c.Get(ContextOrgID); ok {
		a.OrganizationID, _ = v.(uuid.UUID)
	}
	if v, ok := c.Get(ContextOrgRole); ok {
		a.Role, _ = v.(rbac.Role)
	}
	if a.DeviceType == "" {
		a.DeviceType = "desktop"
	}
	return a
}

// RequirePermission allows the request only if the caller's organization role grants perm.
// It must run after the org access middleware.
func RequirePermission(perm rbac.Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := c.Get(ContextOrgRole); !ok {
			response.Unauthorized(c, "missing organization context")
			c.Abort()
			return
		}
		if err := Actor(c).Require(perm); err != nil {
			response.Error(c, err)
			c.Abort()
			return
		}
		c.Next()
	}
}
