package api

import (
	"net/http"
	"strconv"
	"time"

	"idbridge/internal/audit"
)

// handleAuditList serves GET /auditz for logged-in users.
// Query params: limit, offset, action, provider, user_id, since, until.
func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	_, user := s.currentSession(r)
	if user == nil {
		s.writeErr(w, r, http.StatusUnauthorized, "authentication required", "")
		return
	}

	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > 1000 {
		limit = 1000
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	opts := audit.ListOptions{
		Limit:    limit,
		Offset:   offset,
		Action:   q.Get("action"),
		Provider: q.Get("provider"),
		UserID:   q.Get("user_id"),
	}
	if v := q.Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			opts.Since = &t
		}
	}
	if v := q.Get("until"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			opts.Until = &t
		}
	}

	events, total, err := s.recorder.List(r.Context(), opts)
	if err != nil {
		s.writeErr(w, r, http.StatusInternalServerError, "failed to list audit events", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Events []*audit.Event `json:"events"`
		Total  int            `json:"total"`
		Limit  int            `json:"limit"`
		Offset int            `json:"offset"`
	}{events, total, limit, offset})
}
