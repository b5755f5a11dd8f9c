package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/JakeFAU/paper-harvester/internal/harvest"
)

const (
	defaultFailureLimit = 100
	maxFailureLimit     = 1000
)

type failureDTO struct {
	Year  string `json:"year"`
	File  string `json:"file"`
	Error string `json:"error"`
}

type failurePage struct {
	Total    int          `json:"total"`
	Limit    int          `json:"limit"`
	Offset   int          `json:"offset"`
	Failures []failureDTO `json:"failures"`
}

// progress handles GET /v1/progress.
func (s *Server) progress(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Progress == nil {
		s.writeError(w, http.StatusServiceUnavailable, "progress unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Progress.Snapshot())
}

// failures handles GET /v1/failures?limit=&offset=, returning failed ledger
// entries in the order they were recorded.
func (s *Server) failures(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ledger == nil {
		s.writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultFailureLimit, maxFailureLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var all []failureDTO
	for _, e := range s.deps.Ledger.Entries() {
		if e.Outcome != harvest.OutcomeFailed {
			continue
		}
		all = append(all, failureDTO{Year: e.Partition, File: e.Filename, Error: e.Detail})
	}
	page := failurePage{Total: len(all), Limit: limit, Offset: offset, Failures: []failureDTO{}}
	if offset < len(all) {
		end := min(offset+limit, len(all))
		page.Failures = all[offset:end]
	}
	s.writeJSON(w, http.StatusOK, page)
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			return 0, 0, errors.New("limit must be a positive integer")
		}
		limit = min(v, maxLimit)
	}
	offset := 0
	if raw := strings.TrimSpace(q.Get("offset")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return 0, 0, errors.New("offset must be a non-negative integer")
		}
		offset = v
	}
	return limit, offset, nil
}
