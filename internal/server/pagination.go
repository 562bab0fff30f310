package server

import (
	"net/http"
	"strconv"
)

// paginationMeta holds pagination metadata for API responses.
type paginationMeta struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	Total  int `json:"total"`
}

// parsePaginationParams parses ?offset=20&limit=10 from the request.
// An out of range limit falls back to the default.
func parsePaginationParams(r *http.Request, defaultLimit, maxLimit int) (int, int) {
	query := r.URL.Query()

	limit, _ := strconv.Atoi(query.Get("limit"))
	if limit <= 0 || limit > maxLimit {
		limit = defaultLimit
	}

	offset, _ := strconv.Atoi(query.Get("offset"))
	if offset < 0 {
		offset = 0
	}

	return limit, offset
}
