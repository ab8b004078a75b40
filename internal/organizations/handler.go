package organizations

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/replyflow/engagement/internal/apperr"
	"github.com/replyflow/engagement/internal/middleware"
	"github.com/replyflow/engagement/internal/rbac"
	"github.com/replyflow/engagement/pkg/response"
)

// Handler handles organization HTTP endpoints.
type Handler struct {
	svc *Service
}

// NewHandler creates an organizations handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// CreateOrganizationRequest is the body for POST /organizations.
type CreateOrganizationRequest struct {
	Name string `json:"name" binding:"required"`
	Slug string `json:"slug" binding:"required"`
}

// AddMemberRequest is the body for POST /organizations/:id/members.
type AddMemberRequest struct {
	Email string    `json:"email" binding:"required"`
	Role  rbac.Role `json:"role"`
}

// ChangeRoleRequest is the body for PATCH /organizations/:id/members/:userId.
type ChangeRoleRequest struct {
	Role rbac.Role `json:"role" binding:"required"`
}

// RequireOrgAccess resolves the caller's role in the :id organization and stores it for
// Actor and RequirePermission. It must run after the JWT middleware.
func (h *Handler) RequireOrgAccess() gin.HandlerFunc {
	return func(c *gin.Context) {
		orgID, err := uuid.Parse(c.Param("id"))
		if err != nil {
			response.BadRequest(c, "invalid organization id")
			c.Abort()
			return
		}
		userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
		actor, err := h.svc.ActorFor(c.Request.Context(), userID, orgID)
		if err != nil {
			response.Error(c, err)
			c.Abort()
			return
		}
		c.Set(middleware.ContextOrgID, actor.OrganizationID)
		c.Set(middleware.ContextOrgRole, actor.Role)
		c.Next()
	}
}

// CreateOrganization handles POST /organizations. Creates org and adds current user as owner.
func (h *Handler) CreateOrganization(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	var body CreateOrganizationRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "name and slug required")
		return
	}
	org, err := h.svc.Create(c.Request.Context(), userID, body.Name, body.Slug)
	if err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			response.Conflict(c, "An organization with this slug already exists")
			return
		}
		response.Error(c, err)
		return
	}
	response.Created(c, org)
}

// ListMyOrganizations handles GET /organizations. Returns orgs the current user is a member of.
func (h *Handler) ListMyOrganizations(c *gin.Context) {
	userID := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	orgs, err := h.svc.ListMine(c.Request.Context(), userID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, orgs)
}

// ListMembers handles GET /organizations/:id/members.
func (h *Handler) ListMembers(c *gin.Context) {
	members, err := h.svc.Members(c.Request.Context(), middleware.Actor(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, members)
}

// AddMember handles POST /organizations/:id/members.
func (h *Handler) AddMember(c *gin.Context) {
	var body AddMemberRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "email required")
		return
	}
	m, err := h.svc.AddMember(c.Request.Context(), middleware.Actor(c), body.Email, body.Role)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, m)
}

// ChangeRole handles PATCH /organizations/:id/members/:userId.
func (h *Handler) ChangeRole(c *gin.Context) {
	userID, ok := userParam(c)
	if !ok {
		return
	}
	var body ChangeRoleRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "role required")
		return
	}
	if err := h.svc.ChangeRole(c.Request.Context(), middleware.Actor(c), userID, body.Role); err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{"user_id": userID, "role": body.Role})
}

// RemoveMember handles DELETE /organizations/:id/members/:userId.
func (h *Handler) RemoveMember(c *gin.Context) {
	userID, ok := userParam(c)
	if !ok {
		return
	}
	if err := h.svc.RemoveMember(c.Request.Context(), middleware.Actor(c), userID); err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{"removed": userID})
}

// GetPolicy handles GET /organizations/:id/policy.
func (h *Handler) GetPolicy(c *gin.Context) {
	p, err := h.svc.Policy(c.Request.Context(), middleware.Actor(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, p)
}

// UpdatePolicy handles PUT /organizations/:id/policy.
func (h *Handler) UpdatePolicy(c *gin.Context) {
	var body PolicyInput
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "invalid policy body")
		return
	}
	p, err := h.svc.UpdatePolicy(c.Request.Context(), middleware.Actor(c), body)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, p)
}

// Activity handles GET /organizations/:id/activity.
func (h *Handler) Activity(c *gin.Context) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil {
		response.BadRequest(c, "page must be an integer")
		return
	}
	pageSize, err := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if err != nil {
		response.BadRequest(c, "page_size must be an integer")
		return
	}
	out, err := h.svc.Activity(c.Request.Context(), middleware.Actor(c), page, pageSize)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, out)
}

// RequestExport handles POST /organizations/:id/audit/export.
func (h *Handler) RequestExport(c *gin.Context) {
	out, err := h.svc.RequestExport(c.Request.Context(), middleware.Actor(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, out)
}

func userParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("userId"))
	if err != nil {
		response.BadRequest(c, "invalid userId")
		return uuid.Nil, false
	}
	return id, true
}
