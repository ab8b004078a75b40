package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"validation", Validation("bad %s", "page"), ErrValidation},
		{"authorization", Authorization("nope"), ErrAuthorization},
		{"conflict wrapped twice", fmt.Errorf("act: %w", Conflict("already acted")), ErrConflict},
		{"not found", NotFound("queue entry"), ErrNotFound},
		{"upstream", Upstream("risk", errors.New("timeout")), ErrUpstreamStage},
		{"persistence", Persistence("insert", errors.New("conn reset")), ErrPersistence},
		{"plain", errors.New("boom"), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Kind(tt.err))
		})
	}
}

func TestMessagesKeepDetail(t *testing.T) {
	err := Validation("page_size must be <= %d", 100)
	assert.Equal(t, "validation error: page_size must be <= 100", err.Error())
}

func TestCode(t *testing.T) {
	assert.Equal(t, "conflict", Code(Conflict("x")))
	assert.Equal(t, "forbidden", Code(Authorization("x")))
	assert.Equal(t, "internal_error", Code(errors.New("x")))
	assert.Equal(t, "internal_error", Code(nil))
}
