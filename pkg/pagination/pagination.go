// Package pagination parses page query parameters and builds typed result pages
// for the call history timeline.
package pagination

import (
	"fmt"
	"strconv"
)

const (
	DefaultPage  = 1
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params is a validated page request
type Params struct {
	Page  int
	Limit int
}

// Parse reads page and limit query values. Empty values take the defaults,
// a page below 1 becomes 1 and the limit is clamped to [1, MaxLimit].
func Parse(pageStr, limitStr string) (Params, error) {
	p := Params{Page: DefaultPage, Limit: DefaultLimit}

	if pageStr != "" {
		n, err := strconv.Atoi(pageStr)
		if err != nil {
			return Params{}, fmt.Errorf("invalid page parameter: %w", err)
		}
		if n > 1 {
			p.Page = n
		}
	}

	if limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil {
			return Params{}, fmt.Errorf("invalid limit parameter: %w", err)
		}
		switch {
		case n < 1:
			p.Limit = 1
		case n > MaxLimit:
			p.Limit = MaxLimit
		default:
			p.Limit = n
		}
	}
	return p, nil
}

// Offset is the number of items before the requested page
func (p Params) Offset() int {
	return (p.Page - 1) * p.Limit
}

// Page is one page of items, newest first
type Page[T any] struct {
	Items      []T   `json:"items"`
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasMore    bool  `json:"has_more"`
}

// NewPage assembles the page for p out of total items. A nil items slice is
// returned as empty so it encodes as [].
func NewPage[T any](p Params, total int64, items []T) *Page[T] {
	if items == nil {
		items = []T{}
	}
	pages := TotalPages(total, p.Limit)
	return &Page[T]{
		Items:      items,
		Page:       p.Page,
		Limit:      p.Limit,
		Total:      total,
		TotalPages: pages,
		HasMore:    p.Page < pages,
	}
}

// TotalPages returns how many pages of limit items hold total
func TotalPages(total int64, limit int) int {
	if limit <= 0 || total <= 0 {
		return 0
	}
	return int((total + int64(limit) - 1) / int64(limit))
}
