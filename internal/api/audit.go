package api

import (
	"log/slog"
	"net/http"

	"github.com/partimap/bg2/internal/ratelimit"
)

// auditLog emits a structured audit log entry for a session action.
func auditLog(r *http.Request, action string, detail ...any) {
	attrs := []any{
		"action", action,
		"ip", ratelimit.ClientIP(r),
		"request_id", RequestIDFromContext(r.Context()),
	}

	if m := ManagerFromContext(r.Context()); m != nil {
		if u := m.State().User; u != nil {
			attrs = append(attrs, "user_id", u.ID, "user_email", u.Email)
		}
	}

	attrs = append(attrs, detail...)
	slog.Info("audit", attrs...)
}
