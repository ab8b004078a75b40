// Package pagination provides offset pagination helpers for list endpoints.
// Pages are 1-based; a page is stable for one snapshot read because every listing
// orders by a total key ending in the row id.
package pagination

import (
	"fmt"
)

const (
	// DefaultPageSize is used when the caller does not specify one.
	DefaultPageSize = 20
	// MaxPageSize is the largest accepted page size.
	MaxPageSize = 100
)

// Params is a validated page request.
type Params struct {
	Page     int
	PageSize int
}

// Offset returns the number of rows to skip.
func (p Params) Offset() int {
	return (p.Page - 1) * p.PageSize
}

// Limit returns the number of rows to read.
func (p Params) Limit() int {
	return p.PageSize
}

// New validates page and pageSize. Zero values fall back to page 1 and DefaultPageSize.
func New(page, pageSize int) (Params, error) {
	if page == 0 {
		page = 1
	}
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	if page < 1 {
		return Params{}, fmt.Errorf("page must be >= 1, got %d", page)
	}
	if pageSize < 1 || pageSize > MaxPageSize {
		return Params{}, fmt.Errorf("page_size must be within 1..%d, got %d", MaxPageSize, pageSize)
	}
	return Params{Page: page, PageSize: pageSize}, nil
}

// TotalPages returns how many pages of pageSize are needed for total rows.
func TotalPages(total, pageSize int) int {
	if total <= 0 || pageSize <= 0 {
		return 0
	}
	return (total + pageSize - 1) / pageSize
}

// Window returns the [start, end) slice bounds of p inside n rows.
func (p Params) Window(n int) (int, int) {
	start := p.Offset()
	if start > n {
		start = n
	}
	end := start + p.PageSize
	if end > n {
		end = n
	}
	return start, end
}
