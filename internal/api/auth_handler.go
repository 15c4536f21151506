package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/partimap/bg2/internal/identity"
	"github.com/partimap/bg2/internal/permission"
	"github.com/partimap/bg2/internal/profile"
	"github.com/partimap/bg2/internal/remote"
	"github.com/partimap/bg2/internal/session"
)

// authHandler groups session HTTP handlers.
type authHandler struct {
	hub *session.Hub
}

func newAuthHandler(hub *session.Hub) *authHandler {
	return &authHandler{hub: hub}
}

// sessionView is the body returned by login and me.
type sessionView struct {
	AccessToken   string                  `json:"access_token,omitempty"`
	TokenType     string                  `json:"token_type,omitempty"`
	User          *identity.User          `json:"user"`
	Profile       *profile.Profile        `json:"profile"`
	Permissions   *permission.Permissions `json:"permissions"`
	ActiveCompany *profile.Company        `json:"active_company"`
	Unlinked      bool                    `json:"is_unlinked"`
	Loading       bool                    `json:"loading"`
	IsLoggingOut  bool                    `json:"is_logging_out"`
}

func viewOf(m *session.Manager) sessionView {
	st := m.State()
	perms := m.Permissions()
	return sessionView{
		User:          st.User,
		Profile:       st.Profile,
		Permissions:   perms,
		ActiveCompany: perms.ActiveCompany(),
		Unlinked:      perms.IsUnlinkedUser(),
		Loading:       st.Loading,
		IsLoggingOut:  st.IsLoggingOut,
	}
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
}

func (c *credentials) normalize() {
	c.Email = strings.TrimSpace(strings.ToLower(c.Email))
}

// Login handles POST /api/v1/auth/login.
func (h *authHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	req.normalize()
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "email and password are required")
		return
	}

	m, token, err := h.hub.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		auditLog(r, "login_failed", "email", req.Email)
		writeDomainError(w, err)
		return
	}

	v := viewOf(m)
	v.AccessToken = token
	v.TokenType = "bearer"
	auditLog(r, "login", "user_id", v.User.ID)
	writeJSON(w, http.StatusOK, v)
}

// SignUp handles POST /api/v1/auth/signup.
func (h *authHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	req.normalize()
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "email and password are required")
		return
	}

	u, err := h.hub.SignUp(r.Context(), req.Email, req.Password, strings.TrimSpace(req.FullName))
	if err != nil {
		var serr *session.Error
		if !errors.As(err, &serr) || remote.IsNetwork(err) {
			writeDomainError(w, err)
			return
		}
		writeError(w, http.StatusUnprocessableEntity, "signup_failed", serr.Message)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"user": u})
}

// ResetPassword handles POST /api/v1/auth/reset-password. The response
// does not reveal whether the email is registered.
func (h *authHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	req.normalize()
	if req.Email == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "email is required")
		return
	}
	if err := h.hub.ResetPassword(r.Context(), req.Email); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Recover handles POST /api/v1/auth/recover: exchanges the token of a
// reset link for a recovery session.
func (h *authHandler) Recover(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "token is required")
		return
	}
	m, token, err := h.hub.Recover(r.Context(), req.Token)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	v := viewOf(m)
	v.AccessToken = token
	v.TokenType = "bearer"
	writeJSON(w, http.StatusOK, v)
}

// Logout handles POST /api/v1/auth/logout.
func (h *authHandler) Logout(w http.ResponseWriter, r *http.Request) {
	token := extractBearerToken(r)
	if token == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := h.hub.Logout(r.Context(), token); err != nil {
		writeDomainError(w, err)
		return
	}
	auditLog(r, "logout")
	w.WriteHeader(http.StatusNoContent)
}

// Me handles GET /api/v1/auth/me.
func (h *authHandler) Me(w http.ResponseWriter, r *http.Request) {
	m := ManagerFromContext(r.Context())
	if m.State().User == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "not authenticated")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(m))
}

// Refresh handles POST /api/v1/auth/refresh.
func (h *authHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	token, err := h.hub.Refresh(r.Context(), tokenFromContext(r.Context()))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"access_token": token, "token_type": "bearer"})
}

// UpdatePassword handles PUT /api/v1/auth/password.
func (h *authHandler) UpdatePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if req.Password == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "password is required")
		return
	}
	if err := ManagerFromContext(r.Context()).UpdatePassword(r.Context(), req.Password); err != nil {
		writeDomainError(w, err)
		return
	}
	auditLog(r, "password_changed")
	w.WriteHeader(http.StatusNoContent)
}

// UpdateProfile handles PATCH /api/v1/profile.
func (h *authHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var in profile.Update
	if err := readJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if in.Empty() {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "no fields to update")
		return
	}
	m := ManagerFromContext(r.Context())
	// Changing one's own global role is an administrative action.
	if in.Role != nil && !m.HasPermission(permission.CanManageUsers) {
		writeError(w, http.StatusForbidden, "forbidden", "not allowed to change role")
		return
	}
	p, err := m.UpdateProfile(r.Context(), in)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	auditLog(r, "profile_updated")
	writeJSON(w, http.StatusOK, p)
}

// RefreshProfile handles POST /api/v1/profile/refresh.
func (h *authHandler) RefreshProfile(w http.ResponseWriter, r *http.Request) {
	m := ManagerFromContext(r.Context())
	if _, err := m.RefreshProfile(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(m))
}

// CheckPermission handles GET /api/v1/permissions/check.
func (h *authHandler) CheckPermission(w http.ResponseWriter, r *http.Request) {
	perm := r.URL.Query().Get("permission")
	companyID := r.URL.Query().Get("company_id")
	if perm == "" && companyID == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "permission or company_id is required")
		return
	}

	p := ManagerFromContext(r.Context()).Permissions()
	var allowed bool
	switch {
	case companyID != "" && perm != "":
		allowed = p.HasCompanyPermission(companyID, perm)
	case companyID != "":
		allowed = p.CanAccessCompany(companyID)
	default:
		allowed = p.HasPermission(perm)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"permission": perm,
		"company_id": companyID,
		"allowed":    allowed,
	})
}
