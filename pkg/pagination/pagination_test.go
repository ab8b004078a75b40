package pagination

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	p, err := New(0, 0)
	require.NoError(t, err)
	assert.Equal(t, Params{Page: 1, PageSize: DefaultPageSize}, p)

	p, err = New(3, 10)
	require.NoError(t, err)
	assert.Equal(t, 20, p.Offset())
	assert.Equal(t, 10, p.Limit())

	_, err = New(-1, 10)
	assert.Error(t, err)
	_, err = New(1, MaxPageSize+1)
	assert.Error(t, err)
	_, err = New(1, -5)
	assert.Error(t, err)
}

func TestTotalPages(t *testing.T) {
	assert.Equal(t, 0, TotalPages(0, 20))
	assert.Equal(t, 1, TotalPages(20, 20))
	assert.Equal(t, 2, TotalPages(21, 20))
	assert.Equal(t, 0, TotalPages(5, 0))
}

func TestWindow(t *testing.T) {
	p := Params{Page: 2, PageSize: 3}
	start, end := p.Window(5)
	assert.Equal(t, 3, start)
	assert.Equal(t, 5, end)

	start, end = Params{Page: 4, PageSize: 3}.Window(5)
	assert.Equal(t, 5, start)
	assert.Equal(t, 5, end)
}
