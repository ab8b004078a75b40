package pipeline

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/replyflow/engagement/internal/models"
	"github.com/replyflow/engagement/pkg/response"
)

// Handler exposes the service-to-service ingest endpoint.
type Handler struct {
	pipeline *Pipeline
}

// NewHandler creates an ingest handler.
func NewHandler(p *Pipeline) *Handler {
	return &Handler{pipeline: p}
}

// IngestRequest is the body for POST /ingest/posts.
type IngestRequest struct {
	OrganizationID uuid.UUID `json:"organization_id" binding:"required"`
	Platform       string    `json:"platform" binding:"required"`
	ExternalID     string    `json:"external_id"`
	Author         string    `json:"author"`
	Text           string    `json:"text" binding:"required"`
	URL            string    `json:"url"`
	Priority       *int      `json:"priority"`
	ContextFlags   []string  `json:"context_flags"`
}

// Ingest handles POST /ingest/posts.
func (h *Handler) Ingest(c *gin.Context) {
	var req IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "organization_id, platform and text required")
		return
	}
	post := &models.Post{
		OrganizationID: req.OrganizationID,
		Platform:       req.Platform,
		ExternalID:     req.ExternalID,
		Author:         req.Author,
		Text:           req.Text,
		URL:            req.URL,
		Priority:       req.Priority,
		ContextFlags:   req.ContextFlags,
	}
	out, err := h.pipeline.Ingest(c.Request.Context(), post)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, out)
}
