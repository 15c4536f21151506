package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/partimap/bg2/internal/activity"
	"github.com/partimap/bg2/internal/permission"
)

// activityHandler serves the activity log.
type activityHandler struct {
	store ActivityLister
}

func newActivityHandler(store ActivityLister) *activityHandler {
	return &activityHandler{store: store}
}

// List handles GET /api/v1/activity. source=local returns the session's
// in-memory log. Otherwise the stored log is queried; callers without
// canViewActivityLogs only see their own entries.
func (h *activityHandler) List(w http.ResponseWriter, r *http.Request) {
	m := ManagerFromContext(r.Context())
	u := m.State().User
	if u == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "not authenticated")
		return
	}

	q := r.URL.Query()
	if q.Get("source") == "local" || h.store == nil {
		entries := m.Activity().Entries()
		writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries, "next_cursor": ""})
		return
	}

	query, err := parseActivityQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}
	if !m.HasPermission(permission.CanViewActivityLogs) {
		query.UserID = u.ID
	}

	entries, next, err := h.store.List(r.Context(), query)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list activity")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries, "next_cursor": next})
}

// Export handles GET /api/v1/activity/export: the session's in-memory log
// as a dated JSON download.
func (h *activityHandler) Export(w http.ResponseWriter, r *http.Request) {
	m := ManagerFromContext(r.Context())
	logger := m.Activity()
	entries := logger.Entries()

	data, filename, err := activity.Export(entries, time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to export activity")
		return
	}
	logger.LogDataExported(r.Context(), "activity_logs", len(entries))

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func parseActivityQuery(r *http.Request) (activity.Query, error) {
	v := r.URL.Query()
	q := activity.Query{
		UserID:    v.Get("user_id"),
		CompanyID: v.Get("company_id"),
		Action:    v.Get("action"),
		Cursor:    v.Get("cursor"),
	}
	if s := v.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return q, fmt.Errorf("limit must be a non-negative integer")
		}
		q.Limit = n
	}
	for name, dst := range map[string]*time.Time{"from": &q.From, "to": &q.To} {
		s := v.Get(name)
		if s == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return q, fmt.Errorf("%s must be an RFC 3339 timestamp", name)
		}
		*dst = t
	}
	return q, nil
}
