package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/partimap/bg2/internal/activity"
	"github.com/partimap/bg2/internal/identity"
	"github.com/partimap/bg2/internal/kv"
	"github.com/partimap/bg2/internal/profile"
	"github.com/partimap/bg2/internal/remote"
)

// Clients creates identity clients for new and resumed sessions.
type Clients interface {
	New() Auth
	Resume(ctx context.Context, token string) (Auth, error)
	Recover(ctx context.Context, resetToken string) (Auth, error)
	// Validate checks token against its session row and returns the session.
	Validate(ctx context.Context, token string) (*identity.Session, error)
}

type providerClients struct {
	p *identity.Provider
}

// ProviderClients adapts an identity.Provider to Clients.
func ProviderClients(p *identity.Provider) Clients {
	return providerClients{p: p}
}

func (c providerClients) New() Auth { return c.p.NewClient() }

func (c providerClients) Resume(ctx context.Context, token string) (Auth, error) {
	client, err := c.p.ResumeClient(ctx, token)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (c providerClients) Validate(ctx context.Context, token string) (*identity.Session, error) {
	return c.p.Resume(ctx, token)
}

func (c providerClients) Recover(ctx context.Context, resetToken string) (Auth, error) {
	client := c.p.NewClient()
	if _, err := client.Recover(ctx, resetToken); err != nil {
		return nil, err
	}
	return client, nil
}

// HubMetrics is an optional interface for recording hub metrics.
type HubMetrics interface {
	SetActiveSessions(n int)
}

// HubDeps holds what every Manager created by the Hub shares.
type HubDeps struct {
	Clients  Clients
	Profiles *profile.Service
	Sink     activity.Sink
	Store    kv.Store
	Options  Options
	// ValidateEvery is how long a token is trusted after it was last checked
	// against its session row. Zero checks on every Get.
	ValidateEvery time.Duration
}

type hubEntry struct {
	m         *Manager
	lastSeen  time.Time
	expiresAt time.Time // zero when the session carries no expiry
	validated time.Time
}

// Hub keeps one Manager per access token for the HTTP surface.
type Hub struct {
	deps    HubDeps
	metrics HubMetrics
	now     func() time.Time

	mu       sync.Mutex
	managers map[string]*hubEntry
}

// NewHub creates an empty Hub.
func NewHub(deps HubDeps) *Hub {
	return &Hub{
		deps:     deps,
		now:      time.Now,
		managers: make(map[string]*hubEntry),
	}
}

// SetMetrics sets the optional metrics recorder.
func (h *Hub) SetMetrics(m HubMetrics) {
	h.metrics = m
}

func (h *Hub) newManager(auth Auth) *Manager {
	opts := h.deps.Options
	opts.SharedProfiles = true
	return NewManager(auth, h.deps.Profiles, activity.NewLogger(h.deps.Sink, h.deps.Store), opts)
}

// Login signs in with a fresh client and registers the resulting Manager
// under its access token.
func (h *Hub) Login(ctx context.Context, email, password string) (*Manager, string, error) {
	m := h.newManager(h.deps.Clients.New())
	if err := m.Start(ctx); err != nil {
		return nil, "", err
	}
	if _, err := m.SignIn(ctx, email, password); err != nil {
		m.Close()
		return nil, "", err
	}
	sess, err := m.Session(ctx)
	if err != nil || sess == nil {
		m.Close()
		return nil, "", errors.New("session missing after sign-in")
	}
	h.put(sess, m)
	return m, sess.AccessToken, nil
}

// SignUp creates an account through a throwaway client.
func (h *Hub) SignUp(ctx context.Context, email, password, fullName string) (*identity.User, error) {
	m := h.newManager(h.deps.Clients.New())
	defer m.Close()
	return m.SignUp(ctx, email, password, fullName)
}

// ResetPassword requests a reset link for email through a throwaway client.
func (h *Hub) ResetPassword(ctx context.Context, email string) error {
	m := h.newManager(h.deps.Clients.New())
	defer m.Close()
	return m.ResetPassword(ctx, email)
}

// Recover consumes a password reset token and registers a Manager for the
// recovery session it opens, so the user can set a new password.
func (h *Hub) Recover(ctx context.Context, resetToken string) (*Manager, string, error) {
	auth, err := h.deps.Clients.Recover(ctx, resetToken)
	if err != nil {
		return nil, "", translate(err)
	}
	return h.register(ctx, auth)
}

// Get returns the Manager for token, resuming the session when the hub
// has not seen the token yet. A registered token stops working once its
// session expires or its session row is gone; its Manager is then dropped.
func (h *Hub) Get(ctx context.Context, token string) (*Manager, error) {
	now := h.now()
	h.mu.Lock()
	if e, ok := h.managers[token]; ok {
		if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
			h.mu.Unlock()
			h.drop(token, e.m)
			return nil, translate(remote.Auth(identity.MsgInvalidSession))
		}
		if h.deps.ValidateEvery > 0 && now.Sub(e.validated) < h.deps.ValidateEvery {
			e.lastSeen = now
			h.mu.Unlock()
			return e.m, nil
		}
		h.mu.Unlock()
		return h.revalidate(ctx, token, e)
	}
	h.mu.Unlock()

	auth, err := h.deps.Clients.Resume(ctx, token)
	if err != nil {
		return nil, translate(err)
	}
	m := h.newManager(auth)
	if err := m.Start(ctx); err != nil {
		m.Close()
		return nil, err
	}
	sess, err := m.Session(ctx)
	if err != nil || sess == nil {
		m.Close()
		return nil, translate(remote.Auth(identity.MsgInvalidSession))
	}

	h.mu.Lock()
	if e, ok := h.managers[token]; ok {
		// Lost a race with a concurrent resume of the same token.
		h.mu.Unlock()
		m.Close()
		return e.m, nil
	}
	h.managers[token] = h.entry(sess, m)
	n := len(h.managers)
	h.mu.Unlock()
	h.observe(n)
	return m, nil
}

// revalidate checks a registered token against its session row. A rejected
// token drops its Manager; other failures leave it registered but deny the
// request.
func (h *Hub) revalidate(ctx context.Context, token string, e *hubEntry) (*Manager, error) {
	sess, err := h.deps.Clients.Validate(ctx, token)
	if err != nil {
		if remote.IsAuth(err) {
			slog.Info("dropping revoked session", "error", err)
			h.drop(token, e.m)
		}
		return nil, translate(err)
	}

	now := h.now()
	h.mu.Lock()
	e.lastSeen = now
	e.validated = now
	if sess != nil {
		e.expiresAt = sess.ExpiresAt
	}
	h.mu.Unlock()
	return e.m, nil
}

// drop forgets token if it still maps to m and closes m without contacting
// the identity service.
func (h *Hub) drop(token string, m *Manager) {
	h.mu.Lock()
	e, ok := h.managers[token]
	if !ok || e.m != m {
		h.mu.Unlock()
		return
	}
	delete(h.managers, token)
	n := len(h.managers)
	h.mu.Unlock()

	m.Close()
	h.observe(n)
}

func (h *Hub) register(ctx context.Context, auth Auth) (*Manager, string, error) {
	m := h.newManager(auth)
	if err := m.Start(ctx); err != nil {
		m.Close()
		return nil, "", err
	}
	sess, err := m.Session(ctx)
	if err != nil || sess == nil {
		m.Close()
		return nil, "", errors.New("session missing after recovery")
	}
	h.put(sess, m)
	return m, sess.AccessToken, nil
}

// Refresh rotates the access token of the Manager registered under token
// and re-registers it under the new one.
func (h *Hub) Refresh(ctx context.Context, token string) (string, error) {
	m, err := h.Get(ctx, token)
	if err != nil {
		return "", err
	}
	sess, err := m.RefreshSession(ctx)
	if err != nil {
		return "", err
	}

	h.mu.Lock()
	if e, ok := h.managers[token]; ok {
		delete(h.managers, token)
		e.lastSeen = h.now()
		e.validated = e.lastSeen
		e.expiresAt = sess.ExpiresAt
		h.managers[sess.AccessToken] = e
	}
	h.mu.Unlock()
	return sess.AccessToken, nil
}

// Logout signs the Manager under token out and forgets it.
func (h *Hub) Logout(ctx context.Context, token string) error {
	m := h.remove(token)
	if m == nil {
		// Unknown to this process: revoke it directly if it is still valid.
		auth, err := h.deps.Clients.Resume(ctx, token)
		if err != nil {
			return nil
		}
		return auth.SignOut(ctx)
	}
	err := m.SignOut(ctx)
	m.Close()
	return err
}

// Len returns the number of registered managers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.managers)
}

// Sweep closes managers not used for maxIdle and returns how many.
func (h *Hub) Sweep(maxIdle time.Duration) int {
	cutoff := h.now().Add(-maxIdle)
	var idle []*Manager

	h.mu.Lock()
	for token, e := range h.managers {
		if e.lastSeen.Before(cutoff) {
			idle = append(idle, e.m)
			delete(h.managers, token)
		}
	}
	n := len(h.managers)
	h.mu.Unlock()

	for _, m := range idle {
		m.Close()
	}
	if len(idle) > 0 {
		h.observe(n)
		slog.Info("closed idle sessions", "count", len(idle))
	}
	return len(idle)
}

// Run sweeps idle managers every interval until ctx is done.
func (h *Hub) Run(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Sweep(maxIdle)
		}
	}
}

// Close closes every registered manager.
func (h *Hub) Close() {
	h.mu.Lock()
	all := make([]*Manager, 0, len(h.managers))
	for _, e := range h.managers {
		all = append(all, e.m)
	}
	h.managers = make(map[string]*hubEntry)
	h.mu.Unlock()

	for _, m := range all {
		m.Close()
	}
	h.observe(0)
}

func (h *Hub) entry(sess *identity.Session, m *Manager) *hubEntry {
	now := h.now()
	return &hubEntry{m: m, lastSeen: now, validated: now, expiresAt: sess.ExpiresAt}
}

func (h *Hub) put(sess *identity.Session, m *Manager) {
	token := sess.AccessToken
	h.mu.Lock()
	prev := h.managers[token]
	h.managers[token] = h.entry(sess, m)
	n := len(h.managers)
	h.mu.Unlock()
	if prev != nil && prev.m != m {
		prev.m.Close()
	}
	h.observe(n)
}

func (h *Hub) remove(token string) *Manager {
	h.mu.Lock()
	e, ok := h.managers[token]
	delete(h.managers, token)
	n := len(h.managers)
	h.mu.Unlock()
	if !ok {
		return nil
	}
	h.observe(n)
	return e.m
}

func (h *Hub) observe(n int) {
	if h.metrics != nil {
		h.metrics.SetActiveSessions(n)
	}
}
