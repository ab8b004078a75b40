package response

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replyflow/engagement/internal/apperr"
	"github.com/replyflow/engagement/internal/rbac"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{apperr.Validation("bad"), http.StatusBadRequest},
		{apperr.Authorization("no"), http.StatusForbidden},
		{&rbac.DeniedError{Role: rbac.RoleMember, Permission: rbac.PermQueueApprove}, http.StatusForbidden},
		{apperr.NotFound("entry"), http.StatusNotFound},
		{apperr.Conflict("moved"), http.StatusConflict},
		{apperr.Upstream("risk", errors.New("timeout")), http.StatusBadGateway},
		{apperr.Persistence("insert", errors.New("down")), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.err), tt.err.Error())
	}
}

func TestErrorHidesInternalDetails(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)

	Error(c, errors.New("pq: password authentication failed"))

	var body Body
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Success)
	assert.Equal(t, "internal error", body.Error)
	assert.Equal(t, "internal_error", body.Code)
}

func TestErrorConflictCode(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)

	Error(c, apperr.Conflict("entry is completed"))

	assert.Equal(t, http.StatusConflict, rec.Code)
	var body Body
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "conflict", body.Code)
}
