package queue

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/replyflow/engagement/internal/middleware"
	"github.com/replyflow/engagement/internal/models"
	"github.com/replyflow/engagement/pkg/response"
)

// Handler handles review queue HTTP endpoints under /organizations/:id.
type Handler struct {
	svc *Service
}

// NewHandler creates a queue handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// ActRequest is the body for POST /queue/:entryId/act.
type ActRequest struct {
	Action Action `json:"action" binding:"required"`
	ActInput
}

// BulkRequest is the body for POST /queue/bulk.
type BulkRequest struct {
	EntryIDs []uuid.UUID `json:"entry_ids" binding:"required"`
	Action   Action      `json:"action" binding:"required"`
	Notes    string      `json:"notes"`
	Reason   string      `json:"reason"`
}

// SkipRequest is the body for POST /queue/:entryId/skip.
type SkipRequest struct {
	Reason string `json:"reason"`
}

// List handles GET /organizations/:id/queue.
func (h *Handler) List(c *gin.Context) {
	f := Filter{
		Status:    models.EntryStatus(c.Query("status")),
		RiskLevel: models.RiskLevel(c.Query("risk_level")),
	}
	var err error
	if f.MinCTS, err = optionalFloat(c, "min_cts"); err != nil {
		response.BadRequest(c, "min_cts must be a number")
		return
	}
	if f.MaxCTS, err = optionalFloat(c, "max_cts"); err != nil {
		response.BadRequest(c, "max_cts must be a number")
		return
	}
	page, err := optionalInt(c, "page")
	if err != nil {
		response.BadRequest(c, "page must be an integer")
		return
	}
	pageSize, err := optionalInt(c, "page_size")
	if err != nil {
		response.BadRequest(c, "page_size must be an integer")
		return
	}
	out, err := h.svc.List(c.Request.Context(), middleware.Actor(c), f, page, pageSize)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, out)
}

// Count handles GET /organizations/:id/queue/count.
func (h *Handler) Count(c *gin.Context) {
	n, err := h.svc.Count(c.Request.Context(), middleware.Actor(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{"count": n})
}

// Get handles GET /organizations/:id/queue/:entryId.
func (h *Handler) Get(c *gin.Context) {
	entryID, ok := parseID(c, "entryId")
	if !ok {
		return
	}
	item, err := h.svc.Get(c.Request.Context(), middleware.Actor(c), entryID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, item)
}

// Act handles POST /organizations/:id/queue/:entryId/act.
func (h *Handler) Act(c *gin.Context) {
	entryID, ok := parseID(c, "entryId")
	if !ok {
		return
	}
	var body ActRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "action required")
		return
	}
	item, err := h.svc.Act(c.Request.Context(), entryID, body.Action, middleware.Actor(c), body.ActInput)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, item)
}

// Bulk handles POST /organizations/:id/queue/bulk.
func (h *Handler) Bulk(c *gin.Context) {
	var body BulkRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "entry_ids and action required")
		return
	}
	results, err := h.svc.BulkAct(c.Request.Context(), body.EntryIDs, body.Action, middleware.Actor(c), ActInput{Notes: body.Notes, Reason: body.Reason})
	if err != nil {
		response.Error(c, err)
		return
	}
	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
		}
	}
	response.OK(c, gin.H{"results": results, "succeeded": succeeded, "failed": len(results) - succeeded})
}

// Skip handles POST /organizations/:id/queue/:entryId/skip.
func (h *Handler) Skip(c *gin.Context) {
	entryID, ok := parseID(c, "entryId")
	if !ok {
		return
	}
	var body SkipRequest
	if !bindOptional(c, &body) {
		return
	}
	entry, err := h.svc.Skip(c.Request.Context(), entryID, middleware.Actor(c), body.Reason)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, entry)
}

// GetResponse handles GET /organizations/:id/responses/:candidateId.
func (h *Handler) GetResponse(c *gin.Context) {
	candidateID, ok := parseID(c, "candidateId")
	if !ok {
		return
	}
	cand, err := h.svc.GetCandidate(c.Request.Context(), middleware.Actor(c), candidateID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, cand)
}

// Approve handles POST /organizations/:id/responses/:candidateId/approve.
func (h *Handler) Approve(c *gin.Context) {
	candidateID, ok := parseID(c, "candidateId")
	if !ok {
		return
	}
	var body ActInput
	if !bindOptional(c, &body) {
		return
	}
	item, err := h.svc.Approve(c.Request.Context(), candidateID, middleware.Actor(c), body)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, item)
}

// Reject handles POST /organizations/:id/responses/:candidateId/reject.
func (h *Handler) Reject(c *gin.Context) {
	candidateID, ok := parseID(c, "candidateId")
	if !ok {
		return
	}
	var body ActInput
	if !bindOptional(c, &body) {
		return
	}
	item, err := h.svc.Reject(c.Request.Context(), candidateID, middleware.Actor(c), body)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, item)
}

// bindOptional binds a JSON body that may be omitted. A body that is present but malformed
// is answered with 400.
func bindOptional(c *gin.Context, dst any) bool {
	if c.Request.Body == nil || c.Request.Body == http.NoBody {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		response.BadRequest(c, "invalid request body")
		return false
	}
	return true
}

func parseID(c *gin.Context, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(param))
	if err != nil {
		response.BadRequest(c, "invalid "+param)
		return uuid.Nil, false
	}
	return id, true
}

func optionalFloat(c *gin.Context, key string) (*float64, error) {
	s := c.Query(key)
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func optionalInt(c *gin.Context, key string) (int, error) {
	s := c.Query(key)
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}
