package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/partimap/bg2/internal/accounts"
	"github.com/partimap/bg2/internal/activity"
	"github.com/partimap/bg2/internal/identity"
	"github.com/partimap/bg2/internal/kv"
	"github.com/partimap/bg2/internal/metrics"
	"github.com/partimap/bg2/internal/profile"
	"github.com/partimap/bg2/internal/ratelimit"
	"github.com/partimap/bg2/internal/remote"
	"github.com/partimap/bg2/internal/session"
)

// ---------------------------------------------------------------------------
// In-memory backends
// ---------------------------------------------------------------------------

// memBackend implements identity.Backend and profile.Repository.
type memBackend struct {
	mu       sync.Mutex
	seq      int
	users    map[string]*identity.User
	sessions map[string]*identity.SessionRecord
	resets   map[string]string
	profiles map[string]*profile.Profile
}

func newMemBackend() *memBackend {
	return &memBackend{
		users:    make(map[string]*identity.User),
		sessions: make(map[string]*identity.SessionRecord),
		resets:   make(map[string]string),
		profiles: make(map[string]*profile.Profile),
	}
}

func (b *memBackend) CreateUser(_ context.Context, email, hash string, metadata map[string]any, confirmed bool) (*identity.User, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	email = strings.ToLower(email)
	for _, u := range b.users {
		if u.Email == email {
			return nil, identity.ErrEmailTaken
		}
	}
	b.seq++
	u := &identity.User{ID: fmt.Sprintf("user-%d", b.seq), Email: email, PasswordHash: hash, EmailConfirmed: confirmed, Metadata: metadata}
	b.users[u.ID] = u
	return u, nil
}

func (b *memBackend) GetUserByID(_ context.Context, id string) (*identity.User, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if u, ok := b.users[id]; ok {
		return u, nil
	}
	return nil, remote.NotFound("user")
}

func (b *memBackend) GetUserByEmail(_ context.Context, email string) (*identity.User, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, u := range b.users {
		if u.Email == strings.ToLower(email) {
			return u, nil
		}
	}
	return nil, remote.NotFound("user")
}

func (b *memBackend) UpdateUser(_ context.Context, id string, hash *string, data map[string]any) (*identity.User, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.users[id]
	if !ok {
		return nil, remote.NotFound("user")
	}
	next := *u
	if hash != nil {
		next.PasswordHash = *hash
	}
	b.users[id] = &next
	return &next, nil
}

func (b *memBackend) CreateSession(_ context.Context, userID string, expiresAt time.Time) (*identity.SessionRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	rec := &identity.SessionRecord{ID: fmt.Sprintf("sess-%d", b.seq), UserID: userID, ExpiresAt: expiresAt}
	b.sessions[rec.ID] = rec
	return rec, nil
}

func (b *memBackend) GetSession(_ context.Context, id string) (*identity.SessionRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if rec, ok := b.sessions[id]; ok {
		return rec, nil
	}
	return nil, remote.NotFound("session")
}

func (b *memBackend) ExtendSession(_ context.Context, id string, expiresAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.sessions[id]
	if !ok {
		return remote.NotFound("session")
	}
	rec.ExpiresAt = expiresAt
	return nil
}

func (b *memBackend) DeleteSession(_ context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, id)
	return nil
}

func (b *memBackend) CreatePasswordReset(_ context.Context, tokenHash, userID, _ string, _ time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resets[tokenHash] = userID
	return nil
}

func (b *memBackend) ConsumePasswordReset(_ context.Context, tokenHash string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.resets[tokenHash]
	if !ok {
		return "", remote.NotFound("password reset")
	}
	delete(b.resets, tokenHash)
	return id, nil
}

func (b *memBackend) GetProfile(_ context.Context, userID string) (*profile.Profile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.profiles[userID]; ok {
		return p.Clone(), nil
	}
	return nil, remote.NotFound("profile")
}

func (b *memBackend) GetProfileByEmail(_ context.Context, email string) (*profile.Profile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range b.profiles {
		if p.Email == email {
			return p.Clone(), nil
		}
	}
	return nil, remote.NotFound("profile")
}

func (b *memBackend) ActiveMemberships(_ context.Context, userID string) ([]profile.CompanyMembership, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.profiles[userID]; ok {
		return p.Clone().UserCompanies, nil
	}
	return nil, nil
}

func (b *memBackend) UpdateProfile(_ context.Context, userID string, in profile.Update) (*profile.Profile, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.profiles[userID]
	if !ok {
		return nil, remote.NotFound("profile")
	}
	if in.FullName != nil {
		p.FullName = *in.FullName
	}
	if in.Email != nil {
		p.Email = *in.Email
	}
	if in.Role != nil {
		p.Role = *in.Role
	}
	return p.Clone(), nil
}

func (b *memBackend) TouchLastLogin(context.Context, string, time.Time) error { return nil }

func (b *memBackend) putProfile(p *profile.Profile) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.profiles[p.ID] = p
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

// fakeActivity records the last query it was asked.
type fakeActivity struct {
	mu   sync.Mutex
	last activity.Query
}

func (f *fakeActivity) List(_ context.Context, q activity.Query) ([]activity.Entry, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = q
	return []activity.Entry{{ID: "e1", UserID: q.UserID, Action: activity.ActionLogin}}, "", nil
}

func (f *fakeActivity) query() activity.Query {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

// ---------------------------------------------------------------------------
// Test environment
// ---------------------------------------------------------------------------

type testEnv struct {
	t        *testing.T
	backend  *memBackend
	provider *identity.Provider
	hub      *session.Hub
	metrics  *metrics.Metrics
	activity *fakeActivity
	handler  http.Handler

	mu         sync.Mutex
	resetLinks []string
}

type envOption func(*RouterDeps)

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	backend := newMemBackend()
	tokens, err := identity.NewTokens("test-secret", "bg2", time.Hour)
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	provider := identity.NewProvider(backend, tokens, identity.Options{AutoConfirm: true, BcryptCost: 4})
	env := &testEnv{t: t, backend: backend, provider: provider, metrics: metrics.New(), activity: &fakeActivity{}}
	provider.SetResetNotifier(func(_ context.Context, _ string, link string) {
		env.mu.Lock()
		env.resetLinks = append(env.resetLinks, link)
		env.mu.Unlock()
	})

	profiles := profile.NewService(backend, profile.NewCache(0, 0), profile.Options{EnrichDelay: time.Millisecond})
	store := kv.NewMemory()
	env.hub = session.NewHub(session.HubDeps{
		Clients:  session.ProviderClients(provider),
		Profiles: profiles,
		Store:    store,
		Options:  session.Options{MinLogoutDuration: time.Millisecond, ResetRedirectURL: "https://app.example.com/reset"},
	})
	sealer, err := accounts.NewSealer(strings.Repeat("ab", 32))
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}

	deps := RouterDeps{
		Hub:            env.hub,
		Activity:       env.activity,
		Accounts:       accounts.NewStore(store, sealer),
		Metrics:        env.metrics,
		AllowedOrigins: []string{"https://app.example.com"},
	}
	for _, o := range opts {
		o(&deps)
	}
	env.handler = NewRouter(deps)

	t.Cleanup(func() {
		env.hub.Close()
		profiles.Close()
	})
	return env
}

// addUser creates an account and, when role is set, its profile row.
func (e *testEnv) addUser(email, password, role string) *identity.User {
	e.t.Helper()
	u, err := e.provider.SignUp(context.Background(), email, password, map[string]any{"full_name": "Test " + role})
	if err != nil {
		e.t.Fatalf("SignUp: %v", err)
	}
	if role != "" {
		e.backend.putProfile(&profile.Profile{
			ID: u.ID, Email: email, FullName: "Test " + role, Role: role,
			UserCompanies: []profile.CompanyMembership{{
				CompanyID: "acme", Role: profile.RoleUser, IsActive: true, Permissions: []string{"canEditMatrix"},
				Company: &profile.Company{ID: "acme", Name: "Acme"}, ActivatedAt: time.Now(),
			}},
		})
	}
	return u
}

func (e *testEnv) do(method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	e.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			e.t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "192.0.2.10:4000"
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) login(email, password string) string {
	e.t.Helper()
	rec := e.do(http.MethodPost, "/api/v1/auth/login", map[string]string{"email": email, "password": password})
	if rec.Code != http.StatusOK {
		e.t.Fatalf("login: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		AccessToken string `json:"access_token"`
	}
	decode(e.t, rec, &body)
	if body.AccessToken == "" {
		e.t.Fatal("login returned no access token")
	}
	return body.AccessToken
}

func bearer(token string) []string { return []string{"Authorization", "Bearer " + token} }

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decoding %q: %v", rec.Body.String(), err)
	}
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) (string, string) {
	t.Helper()
	var env errorEnvelope
	decode(t, rec, &env)
	return env.Error.Code, env.Error.Message
}

// ---------------------------------------------------------------------------
// Health, manifest, middleware
// ---------------------------------------------------------------------------

func TestHealthCheck(t *testing.T) {
	tests := []struct {
		name       string
		db         Pinger
		wantStatus int
		wantDB     string
	}{
		{"no database", nil, http.StatusOK, "connected"},
		{"database up", fakePinger{}, http.StatusOK, "connected"},
		{"database down", fakePinger{err: errors.New("refused")}, http.StatusServiceUnavailable, "unreachable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, func(d *RouterDeps) { d.DB = tt.db })
			rec := env.do(http.MethodGet, "/health", nil)
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d", tt.wantStatus, rec.Code)
			}
			var body map[string]string
			decode(t, rec, &body)
			if body["database"] != tt.wantDB {
				t.Errorf("expected database=%s, got %q", tt.wantDB, body["database"])
			}
		})
	}
}

func TestWellKnownHandler(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/.well-known/bg2.json", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var manifest map[string]interface{}
	decode(t, rec, &manifest)
	for _, field := range []string{"name", "version", "api_base", "auth", "endpoints", "health"} {
		if _, ok := manifest[field]; !ok {
			t.Errorf("manifest missing %q", field)
		}
	}
}

func TestMiddleware_RequestIDAndSecureHeaders(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/health", nil)
	if id := rec.Header().Get("X-Request-ID"); len(id) != 36 {
		t.Errorf("expected a generated uuid request id, got %q", id)
	}
	if rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("expected secure headers")
	}

	rec = env.do(http.MethodGet, "/health", nil, "X-Request-ID", "abc-123")
	if id := rec.Header().Get("X-Request-ID"); id != "abc-123" {
		t.Errorf("expected the caller's request id, got %q", id)
	}
}

func TestMiddleware_CORS(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodOptions, "/api/v1/auth/login", nil, "Origin", "https://app.example.com")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight: expected 204, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("expected allowed origin echoed, got %q", got)
	}

	rec = env.do(http.MethodOptions, "/api/v1/auth/login", nil, "Origin", "https://evil.example.com")
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("unlisted origin must not be allowed, got %q", got)
	}
}

// ---------------------------------------------------------------------------
// Auth flow
// ---------------------------------------------------------------------------

func TestAuth_SignUpLoginMeLogout(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/v1/auth/signup", map[string]string{
		"email": "Ana@Example.com", "password": "secret1", "full_name": "Ana",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("signup: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	token := env.login("ana@example.com", "secret1")

	rec = env.do(http.MethodGet, "/api/v1/auth/me", nil, bearer(token)...)
	if rec.Code != http.StatusOK {
		t.Fatalf("me: expected 200, got %d", rec.Code)
	}
	var me struct {
		User        *identity.User   `json:"user"`
		Profile     *profile.Profile `json:"profile"`
		Permissions map[string]bool  `json:"permissions"`
	}
	decode(t, rec, &me)
	if me.User == nil || me.User.Email != "ana@example.com" {
		t.Fatalf("unexpected user %+v", me.User)
	}
	// No profile row yet: the basic profile stands in.
	if me.Profile == nil || !me.Profile.Placeholder || me.Profile.Role != profile.RoleUser {
		t.Errorf("expected placeholder profile, got %+v", me.Profile)
	}
	if !me.Permissions["canViewUsers"] || me.Permissions["canManageUsers"] {
		t.Errorf("unexpected permissions %+v", me.Permissions)
	}

	rec = env.do(http.MethodPost, "/api/v1/auth/logout", nil, bearer(token)...)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("logout: expected 204, got %d", rec.Code)
	}
	if env.hub.Len() != 0 {
		t.Errorf("expected no held sessions, got %d", env.hub.Len())
	}

	rec = env.do(http.MethodGet, "/api/v1/auth/me", nil, bearer(token)...)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("revoked token: expected 401, got %d", rec.Code)
	}
}

func TestAuth_LoginErrors(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("bia@example.com", "secret1", profile.RoleUser)

	tests := []struct {
		name       string
		body       interface{}
		wantStatus int
		wantMsg    string
	}{
		{"wrong password", map[string]string{"email": "bia@example.com", "password": "nope"}, http.StatusUnauthorized, "Email ou senha incorretos"},
		{"unknown user", map[string]string{"email": "who@example.com", "password": "secret1"}, http.StatusUnauthorized, "Email ou senha incorretos"},
		{"missing password", map[string]string{"email": "bia@example.com"}, http.StatusUnprocessableEntity, "email and password are required"},
		{"bad body", "not-an-object", http.StatusBadRequest, "failed to parse request body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(http.MethodPost, "/api/v1/auth/login", tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d", tt.wantStatus, rec.Code)
			}
			if _, msg := errorCode(t, rec); msg != tt.wantMsg {
				t.Errorf("expected message %q, got %q", tt.wantMsg, msg)
			}
		})
	}
}

func TestAuth_SignUpErrorsAreTranslated(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("taken@example.com", "secret1", "")

	rec := env.do(http.MethodPost, "/api/v1/auth/signup", map[string]string{"email": "taken@example.com", "password": "secret1"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
	if _, msg := errorCode(t, rec); msg != "Este email já está cadastrado" {
		t.Errorf("unexpected message %q", msg)
	}

	rec = env.do(http.MethodPost, "/api/v1/auth/signup", map[string]string{"email": "new@example.com", "password": "123"})
	if _, msg := errorCode(t, rec); msg != "A senha deve ter pelo menos 6 caracteres" {
		t.Errorf("unexpected message %q", msg)
	}
}

func TestAuth_MeRequiresToken(t *testing.T) {
	env := newTestEnv(t)
	if rec := env.do(http.MethodGet, "/api/v1/auth/me", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", rec.Code)
	}
	if rec := env.do(http.MethodGet, "/api/v1/auth/me", nil, bearer("garbage")...); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for a bad token, got %d", rec.Code)
	}
}

func TestAuth_RevokedSessionIsRejected(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("rui@example.com", "secret1", profile.RoleUser)
	token := env.login("rui@example.com", "secret1")

	if rec := env.do(http.MethodGet, "/api/v1/auth/me", nil, bearer(token)...); rec.Code != http.StatusOK {
		t.Fatalf("me: expected 200, got %d", rec.Code)
	}

	// Another instance signs the session out.
	env.backend.mu.Lock()
	for id := range env.backend.sessions {
		delete(env.backend.sessions, id)
	}
	env.backend.mu.Unlock()

	if rec := env.do(http.MethodGet, "/api/v1/auth/me", nil, bearer(token)...); rec.Code != http.StatusUnauthorized {
		t.Fatalf("revoked session: expected 401, got %d", rec.Code)
	}
	if env.hub.Len() != 0 {
		t.Errorf("revoked session should be dropped, got %d held", env.hub.Len())
	}
}

func TestAuth_RefreshRotatesToken(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("caio@example.com", "secret1", profile.RoleUser)
	token := env.login("caio@example.com", "secret1")

	// Tokens carry second precision; make sure the rotated one differs.
	time.Sleep(1100 * time.Millisecond)
	rec := env.do(http.MethodPost, "/api/v1/auth/refresh", nil, bearer(token)...)
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	decode(t, rec, &body)
	next := body["access_token"]
	if next == "" || next == token {
		t.Fatalf("expected a rotated token, got %q", next)
	}
	if rec := env.do(http.MethodGet, "/api/v1/auth/me", nil, bearer(next)...); rec.Code != http.StatusOK {
		t.Errorf("new token: expected 200, got %d", rec.Code)
	}
}

func TestAuth_PasswordResetAndRecovery(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("duda@example.com", "secret1", profile.RoleUser)

	rec := env.do(http.MethodPost, "/api/v1/auth/reset-password", map[string]string{"email": "duda@example.com"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("reset: expected 202, got %d", rec.Code)
	}
	// Unknown addresses look the same.
	if rec := env.do(http.MethodPost, "/api/v1/auth/reset-password", map[string]string{"email": "nobody@example.com"}); rec.Code != http.StatusAccepted {
		t.Errorf("unknown email: expected 202, got %d", rec.Code)
	}

	env.mu.Lock()
	links := append([]string(nil), env.resetLinks...)
	env.mu.Unlock()
	if len(links) != 1 {
		t.Fatalf("expected one reset link, got %v", links)
	}
	link, err := url.Parse(links[0])
	if err != nil || link.Host != "app.example.com" {
		t.Fatalf("unexpected link %q", links[0])
	}
	resetToken := link.Query().Get("token")

	rec = env.do(http.MethodPost, "/api/v1/auth/recover", map[string]string{"token": resetToken})
	if rec.Code != http.StatusOK {
		t.Fatalf("recover: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		AccessToken string `json:"access_token"`
	}
	decode(t, rec, &body)

	rec = env.do(http.MethodPut, "/api/v1/auth/password", map[string]string{"password": "newpass1"}, bearer(body.AccessToken)...)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("password: expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	env.login("duda@example.com", "newpass1")

	// Reset tokens are single-use.
	if rec := env.do(http.MethodPost, "/api/v1/auth/recover", map[string]string{"token": resetToken}); rec.Code != http.StatusUnauthorized {
		t.Errorf("reused token: expected 401, got %d", rec.Code)
	}
}

func TestAuth_LoginRateLimited(t *testing.T) {
	env := newTestEnv(t, func(d *RouterDeps) {
		d.Limiter = ratelimit.New(100, time.Minute)
		d.LoginPolicy = ratelimit.Policy{Scope: "login", PerIP: 2}
	})
	creds := map[string]string{"email": "x@example.com", "password": "wrong12"}

	for i := 0; i < 2; i++ {
		if rec := env.do(http.MethodPost, "/api/v1/auth/login", creds); rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i+1, rec.Code)
		}
	}
	rec := env.do(http.MethodPost, "/api/v1/auth/login", creds)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if _, msg := errorCode(t, rec); msg != "Muitas tentativas. Aguarde alguns minutos." {
		t.Errorf("unexpected message %q", msg)
	}
	s, err := env.metrics.Summarize()
	if err != nil {
		t.Fatal(err)
	}
	if s.RateLimit.Rejections != 1 {
		t.Errorf("expected one recorded rejection, got %v", s.RateLimit.Rejections)
	}
}

// ---------------------------------------------------------------------------
// Profile and permissions
// ---------------------------------------------------------------------------

func TestProfile_UpdateAndRoleGuard(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("eva@example.com", "secret1", profile.RoleUser)
	token := env.login("eva@example.com", "secret1")

	rec := env.do(http.MethodPatch, "/api/v1/profile", map[string]string{"full_name": "Eva Souza"}, bearer(token)...)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var p profile.Profile
	decode(t, rec, &p)
	if p.FullName != "Eva Souza" {
		t.Errorf("expected updated name, got %q", p.FullName)
	}

	rec = env.do(http.MethodPatch, "/api/v1/profile", map[string]string{"role": profile.RoleSuperAdmin}, bearer(token)...)
	if rec.Code != http.StatusForbidden {
		t.Errorf("role change: expected 403, got %d", rec.Code)
	}
	rec = env.do(http.MethodPatch, "/api/v1/profile", map[string]string{}, bearer(token)...)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("empty update: expected 422, got %d", rec.Code)
	}
}

func TestPermissions_Check(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("fabio@example.com", "secret1", profile.RoleConsultant)
	token := env.login("fabio@example.com", "secret1")

	tests := []struct {
		query string
		want  bool
	}{
		{"permission=canManageUsers", true},
		{"permission=canDeleteUsers", false},
		{"company_id=acme", true},
		{"company_id=other", false},
		{"company_id=acme&permission=canEditMatrix", true},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rec := env.do(http.MethodGet, "/api/v1/permissions/check?"+tt.query, nil, bearer(token)...)
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", rec.Code)
			}
			var body struct {
				Allowed bool `json:"allowed"`
			}
			decode(t, rec, &body)
			if body.Allowed != tt.want {
				t.Errorf("allowed = %v, want %v", body.Allowed, tt.want)
			}
		})
	}

	if rec := env.do(http.MethodGet, "/api/v1/permissions/check", nil, bearer(token)...); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("missing query: expected 422, got %d", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// Activity
// ---------------------------------------------------------------------------

func TestActivity_LocalAndStored(t *testing.T) {
	env := newTestEnv(t)
	u := env.addUser("gil@example.com", "secret1", profile.RoleUser)
	token := env.login("gil@example.com", "secret1")

	rec := env.do(http.MethodGet, "/api/v1/activity?source=local", nil, bearer(token)...)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var local struct {
		Entries []activity.Entry `json:"entries"`
	}
	decode(t, rec, &local)
	var sawLogin bool
	for _, e := range local.Entries {
		sawLogin = sawLogin || (e.Action == activity.ActionLogin && e.UserID == u.ID)
	}
	if !sawLogin {
		t.Errorf("expected a login entry, got %+v", local.Entries)
	}

	// A plain user asking for someone else's entries only gets their own.
	rec = env.do(http.MethodGet, "/api/v1/activity?user_id=someone-else&limit=10", nil, bearer(token)...)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if q := env.activity.query(); q.UserID != u.ID || q.Limit != 10 {
		t.Errorf("expected query scoped to %s, got %+v", u.ID, q)
	}

	if rec := env.do(http.MethodGet, "/api/v1/activity?from=yesterday", nil, bearer(token)...); rec.Code != http.StatusBadRequest {
		t.Errorf("bad timestamp: expected 400, got %d", rec.Code)
	}
}

func TestActivity_Export(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("hugo@example.com", "secret1", profile.RoleCompanyAdmin)
	token := env.login("hugo@example.com", "secret1")

	rec := env.do(http.MethodGet, "/api/v1/activity/export", nil, bearer(token)...)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	want := fmt.Sprintf("attachment; filename=%q", activity.ExportFilename(time.Now()))
	if got := rec.Header().Get("Content-Disposition"); got != want {
		t.Errorf("Content-Disposition = %q, want %q", got, want)
	}
	var entries []activity.Entry
	decode(t, rec, &entries)
	if len(entries) == 0 {
		t.Error("expected exported entries")
	}
}

// ---------------------------------------------------------------------------
// Saved accounts
// ---------------------------------------------------------------------------

func TestAccounts_RememberLoginForget(t *testing.T) {
	env := newTestEnv(t)
	u := env.addUser("ivo@example.com", "secret1", profile.RoleUser)
	device := []string{"X-Device-ID", "device-1"}

	if rec := env.do(http.MethodGet, "/api/v1/accounts", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing device id: expected 400, got %d", rec.Code)
	}

	rec := env.do(http.MethodPost, "/api/v1/accounts", map[string]string{
		"id": u.ID, "email": "ivo@example.com", "name": "Ivo", "password": "secret1",
	}, device...)
	if rec.Code != http.StatusCreated {
		t.Fatalf("remember: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(http.MethodGet, "/api/v1/accounts", nil, device...)
	var list struct {
		Accounts []map[string]interface{} `json:"accounts"`
	}
	decode(t, rec, &list)
	if len(list.Accounts) != 1 || list.Accounts[0]["has_password"] != true {
		t.Fatalf("unexpected accounts %+v", list.Accounts)
	}
	if _, leaked := list.Accounts[0]["encrypted_password"]; leaked {
		t.Error("sealed password must not be exposed")
	}

	rec = env.do(http.MethodPost, "/api/v1/accounts/"+u.ID+"/login", nil, device...)
	if rec.Code != http.StatusOK {
		t.Fatalf("saved login: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// Other devices do not see the account.
	if rec := env.do(http.MethodPost, "/api/v1/accounts/"+u.ID+"/login", nil, "X-Device-ID", "device-2"); rec.Code != http.StatusNotFound {
		t.Errorf("other device: expected 404, got %d", rec.Code)
	}

	if rec := env.do(http.MethodDelete, "/api/v1/accounts/"+u.ID, nil, device...); rec.Code != http.StatusNoContent {
		t.Fatalf("forget: expected 204, got %d", rec.Code)
	}
	if rec := env.do(http.MethodDelete, "/api/v1/accounts/"+u.ID, nil, device...); rec.Code != http.StatusNotFound {
		t.Errorf("forget twice: expected 404, got %d", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

func TestMetricsEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("jon@example.com", "secret1", profile.RoleUser)
	env.login("jon@example.com", "secret1")

	rec := env.do(http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `bg2_http_requests_total{method="POST",path_pattern="/api/v1/auth/login",status_code="200"} 1`) {
		t.Error("expected the login request to be counted under its route pattern")
	}

	rec = env.do(http.MethodGet, "/api/v1/metrics/live", nil)
	var s metrics.Summary
	decode(t, rec, &s)
	if s.HTTP.TotalRequests < 2 {
		t.Errorf("expected at least two requests counted, got %v", s.HTTP.TotalRequests)
	}
}

// ---------------------------------------------------------------------------
// Session event stream
// ---------------------------------------------------------------------------

func TestEvents_StreamsInitialSession(t *testing.T) {
	env := newTestEnv(t)
	env.addUser("kim@example.com", "secret1", profile.RoleUser)
	token := env.login("kim@example.com", "secret1")

	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/auth/events"
	header := http.Header{"Authorization": []string{"Bearer " + token}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial: %v (response %v)", err, resp)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg streamMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != "session" || msg.Event == nil || msg.Event.Type != identity.EventInitialSession {
		t.Fatalf("expected the initial session event first, got %+v", msg)
	}
	if msg.Event.Session == nil || msg.Event.Session.User.Email != "kim@example.com" {
		t.Errorf("initial event should carry the current session, got %+v", msg.Event.Session)
	}
}

func TestEvents_RejectsAnonymous(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/auth/events"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected the handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %v", resp)
	}
}
