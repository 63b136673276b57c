package api

import (
	"net/http"
	"strconv"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

// PaginationMeta accompanies every list response.
type PaginationMeta struct {
	TotalCount int  `json:"total_count"`
	Limit      int  `json:"limit"`
	Offset     int  `json:"offset"`
	HasMore    bool `json:"has_more"`
}

type pageRequest struct {
	limit  int
	offset int
}

// parsePage reads limit and offset query parameters. Missing, invalid or
// non-positive values fall back to defaults and limit is capped.
func parsePage(r *http.Request) pageRequest {
	q := r.URL.Query()
	p := pageRequest{limit: defaultPageLimit}
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		p.limit = min(n, maxPageLimit)
	}
	if n, err := strconv.Atoi(q.Get("offset")); err == nil && n > 0 {
		p.offset = n
	}
	return p
}

// paginate returns the requested window of items. An offset past the end
// yields an empty, non-nil page.
func paginate[T any](items []T, p pageRequest) ([]T, PaginationMeta) {
	total := len(items)
	start := min(p.offset, total)
	end := min(start+p.limit, total)
	out := make([]T, end-start)
	copy(out, items[start:end])
	return out, PaginationMeta{
		TotalCount: total,
		Limit:      p.limit,
		Offset:     p.offset,
		HasMore:    end < total,
	}
}
