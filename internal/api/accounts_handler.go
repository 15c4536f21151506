package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/partimap/bg2/internal/accounts"
	"github.com/partimap/bg2/internal/session"
)

// requireDeviceID rejects requests without an X-Device-ID header.
func requireDeviceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Device-ID"))
		if id == "" || len(id) > 128 {
			writeError(w, http.StatusBadRequest, "missing_device_id", "X-Device-ID header is required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), deviceIDKey, id)))
	})
}

func deviceID(r *http.Request) string {
	id, _ := r.Context().Value(deviceIDKey).(string)
	return id
}

// accountsHandler serves the per-device saved accounts list.
type accountsHandler struct {
	store *accounts.Store
	hub   *session.Hub
}

func newAccountsHandler(store *accounts.Store, hub *session.Hub) *accountsHandler {
	return &accountsHandler{store: store, hub: hub}
}

func (h *accountsHandler) available(w http.ResponseWriter) bool {
	if h.store == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "saved accounts are not configured")
		return false
	}
	return true
}

// List handles GET /api/v1/accounts.
func (h *accountsHandler) List(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	list, err := h.store.List(r.Context(), deviceID(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load saved accounts")
		return
	}
	out := make([]map[string]interface{}, 0, len(list))
	for _, a := range list {
		out = append(out, accountView(a))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"accounts": out})
}

// Remember handles POST /api/v1/accounts.
func (h *accountsHandler) Remember(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	var req struct {
		ID        string `json:"id"`
		Email     string `json:"email"`
		Name      string `json:"name"`
		AvatarURL string `json:"avatar_url"`
		Password  string `json:"password"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if req.ID == "" || req.Email == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "id and email are required")
		return
	}

	acct, err := h.store.Remember(r.Context(), deviceID(r), accounts.SavedAccount{
		ID:        req.ID,
		Email:     strings.TrimSpace(strings.ToLower(req.Email)),
		Name:      req.Name,
		AvatarURL: req.AvatarURL,
	}, req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to save account")
		return
	}
	writeJSON(w, http.StatusCreated, accountView(acct))
}

// Forget handles DELETE /api/v1/accounts/{id}.
func (h *accountsHandler) Forget(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	if err := h.store.Forget(r.Context(), deviceID(r), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Login handles POST /api/v1/accounts/{id}/login: signs in with the
// password remembered for the account.
func (h *accountsHandler) Login(w http.ResponseWriter, r *http.Request) {
	if !h.available(w) {
		return
	}
	id := chi.URLParam(r, "id")
	list, err := h.store.List(r.Context(), deviceID(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load saved accounts")
		return
	}
	var email string
	for _, a := range list {
		if a.ID == id {
			email = a.Email
		}
	}
	if email == "" {
		writeDomainError(w, accounts.ErrNotFound)
		return
	}
	password, err := h.store.Password(r.Context(), deviceID(r), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	m, token, err := h.hub.Login(r.Context(), email, password)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	v := viewOf(m)
	v.AccessToken = token
	v.TokenType = "bearer"
	writeJSON(w, http.StatusOK, v)
}

// accountView hides the sealed password blob.
func accountView(a accounts.SavedAccount) map[string]interface{} {
	return map[string]interface{}{
		"id":           a.ID,
		"email":        a.Email,
		"name":         a.Name,
		"avatar_url":   a.AvatarURL,
		"last_login":   a.LastLogin,
		"has_password": a.HasPassword(),
	}
}
