package common

import (
	"net/http"
	"strconv"
)

// Page is a 1-based page request.
type Page struct {
	Number int
	Size   int
}

// Offset is the number of rows to skip.
func (p Page) Offset() int { return (p.Number - 1) * p.Size }

// PageInfo is the pagination block of list responses.
type PageInfo struct {
	Page    int `json:"page"`
	PerPage int `json:"perPage"`
	Total   int `json:"total"`
}

// Info pairs the page with a total row count.
func (p Page) Info(total int) PageInfo {
	return PageInfo{Page: p.Number, PerPage: p.Size, Total: total}
}

// ParsePage reads ?page and ?limit. Missing or invalid values fall back to
// page 1 and def; limit is capped at max.
func ParsePage(r *http.Request, def, max int) Page {
	p := Page{Number: 1, Size: def}
	q := r.URL.Query()
	if n, err := strconv.Atoi(q.Get("page")); err == nil && n > 0 {
		p.Number = n
	}
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		p.Size = n
	}
	if max > 0 && p.Size > max {
		p.Size = max
	}
	return p
}
