package rules

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/replyflow/engagement/internal/middleware"
	"github.com/replyflow/engagement/pkg/response"
)

// Handler handles automation rule endpoints under /organizations/:id/rules.
type Handler struct {
	svc *Service
}

// NewHandler creates a rule handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// List handles GET /organizations/:id/rules.
func (h *Handler) List(c *gin.Context) {
	rules, err := h.svc.List(c.Request.Context(), middleware.Actor(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, rules)
}

// Create handles POST /organizations/:id/rules.
func (h *Handler) Create(c *gin.Context) {
	var body Input
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "invalid rule body")
		return
	}
	rule, err := h.svc.Create(c.Request.Context(), middleware.Actor(c), body)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, rule)
}

// Update handles PUT /organizations/:id/rules/:ruleId.
func (h *Handler) Update(c *gin.Context) {
	id, ok := ruleID(c)
	if !ok {
		return
	}
	var body Input
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "invalid rule body")
		return
	}
	rule, err := h.svc.Update(c.Request.Context(), middleware.Actor(c), id, body)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, rule)
}

// Delete handles DELETE /organizations/:id/rules/:ruleId.
func (h *Handler) Delete(c *gin.Context) {
	id, ok := ruleID(c)
	if !ok {
		return
	}
	if err := h.svc.Delete(c.Request.Context(), middleware.Actor(c), id); err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{"deleted": id})
}

func ruleID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("ruleId"), 10, 64)
	if err != nil || id <= 0 {
		response.BadRequest(c, "invalid ruleId")
		return 0, false
	}
	return id, true
}
