package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/replyflow/engagement/internal/apperr"
	"github.com/replyflow/engagement/internal/rbac"
)

// Body is the standard API response envelope.
type Body struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
}

// OK sends a 200 JSON response with data.
func OK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Body{Success: true, Data: data})
}

// Created sends a 201 JSON response with data.
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Body{Success: true, Data: data})
}

// Accepted sends a 202 JSON response with data.
func Accepted(c *gin.Context, data interface{}) {
	c.JSON(http.StatusAccepted, Body{Success: true, Data: data})
}

// NoContent sends 204.
func NoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

// BadRequest sends 400 with error message.
func BadRequest(c *gin.Context, err string) {
	c.JSON(http.StatusBadRequest, Body{Success: false, Error: err, Code: "validation_error"})
}

// Unauthorized sends 401.
func Unauthorized(c *gin.Context, err string) {
	c.JSON(http.StatusUnauthorized, Body{Success: false, Error: err, Code: "unauthorized"})
}

// Forbidden sends 403.
func Forbidden(c *gin.Context, err string) {
	c.JSON(http.StatusForbidden, Body{Success: false, Error: err, Code: "forbidden"})
}

// NotFound sends 404.
func NotFound(c *gin.Context, err string) {
	c.JSON(http.StatusNotFound, Body{Success: false, Error: err, Code: "not_found"})
}

// Conflict sends 409.
func Conflict(c *gin.Context, err string) {
	c.JSON(http.StatusConflict, Body{Success: false, Error: err, Code: "conflict"})
}

// ServiceUnavailable sends 503.
func ServiceUnavailable(c *gin.Context, err string) {
	c.JSON(http.StatusServiceUnavailable, Body{Success: false, Error: err, Code: "persistence_error"})
}

// Internal sends 500.
func Internal(c *gin.Context, err string) {
	c.JSON(http.StatusInternalServerError, Body{Success: false, Error: err, Code: "internal_error"})
}

// Error maps a service error onto its HTTP status. Unclassified errors become a generic 500
// so internal details are not leaked.
func Error(c *gin.Context, err error) {
	c.JSON(StatusFor(err), Body{Success: false, Error: messageFor(err), Code: apperr.Code(err)})
}

// StatusFor returns the HTTP status for a service error.
func StatusFor(err error) int {
	switch apperr.Kind(err) {
	case apperr.ErrValidation:
		return http.StatusBadRequest
	case apperr.ErrAuthorization:
		return http.StatusForbidden
	case apperr.ErrNotFound:
		return http.StatusNotFound
	case apperr.ErrConflict:
		return http.StatusConflict
	case apperr.ErrUpstreamStage:
		return http.StatusBadGateway
	case apperr.ErrPersistence:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func messageFor(err error) string {
	var denied *rbac.DeniedError
	switch {
	case errors.As(err, &denied):
		return "insufficient permissions"
	case errors.Is(err, apperr.ErrPersistence):
		return "storage unavailable, retry with the same Idempotency-Key"
	case apperr.Kind(err) == nil:
		return "internal error"
	}
	return err.Error()
}
