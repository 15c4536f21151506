package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/partimap/bg2/internal/accounts"
	"github.com/partimap/bg2/internal/identity"
	"github.com/partimap/bg2/internal/remote"
	"github.com/partimap/bg2/internal/session"
)

// maxBodySize is the maximum allowed request body size (1 MB).
const maxBodySize = 1 << 20

// errorEnvelope is the standard error response shape.
type errorEnvelope struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError writes a JSON error response with the given status code.
func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorEnvelope{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// writeJSON writes a JSON response with the given status code and data.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// readJSON decodes the request body into v, enforcing a size limit.
func readJSON(r *http.Request, v interface{}) error {
	lr := io.LimitReader(r.Body, maxBodySize)
	return json.NewDecoder(lr).Decode(v)
}

// writeDomainError maps session, identity and backend failures onto a
// status code. The message is the user-facing text when one exists.
func writeDomainError(w http.ResponseWriter, err error) {
	var serr *session.Error
	msg := err.Error()
	if errors.As(err, &serr) {
		msg = serr.Message
	}

	switch {
	case errors.Is(err, session.ErrNotSignedIn), errors.Is(err, identity.ErrNoSession):
		writeError(w, http.StatusUnauthorized, "unauthorized", "not authenticated")
	case errors.Is(err, accounts.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", msg)
	case errors.Is(err, accounts.ErrNoPassword):
		writeError(w, http.StatusNotFound, "no_password", msg)
	default:
		switch remote.KindOf(err) {
		case remote.KindAuth:
			writeError(w, http.StatusUnauthorized, "auth_error", msg)
		case remote.KindNotFound:
			writeError(w, http.StatusNotFound, "not_found", msg)
		case remote.KindNetwork:
			writeError(w, http.StatusServiceUnavailable, "upstream_unavailable", session.TranslateMessage(session.MsgNetworkFailed))
		default:
			if serr != nil {
				writeError(w, http.StatusBadRequest, "request_failed", msg)
				return
			}
			writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		}
	}
}
