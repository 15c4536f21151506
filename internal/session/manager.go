package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/partimap/bg2/internal/activity"
	"github.com/partimap/bg2/internal/identity"
	"github.com/partimap/bg2/internal/permission"
	"github.com/partimap/bg2/internal/profile"
)

// Phase is the lifecycle state of a Manager.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseBootstrapping
	PhaseReady
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseBootstrapping:
		return "bootstrapping"
	case PhaseReady:
		return "ready"
	case PhaseClosed:
		return "closed"
	default:
		return "idle"
	}
}

// Options tunes a Manager. Zero values take the defaults.
type Options struct {
	// StaleAfter is the cache age past which bootstrap refreshes the
	// cached profile in the background.
	StaleAfter time.Duration
	// MinLogoutDuration is how long SignOut keeps IsLoggingOut set at least.
	MinLogoutDuration time.Duration
	// ResetRedirectURL is where password reset links point.
	ResetRedirectURL string
	// SharedProfiles marks a Manager whose profile service also serves other
	// users. Clearing it evicts only its own user instead of resetting the
	// whole service.
	SharedProfiles bool
}

const (
	DefaultStaleAfter        = 2 * time.Minute
	DefaultMinLogoutDuration = 2 * time.Second
)

func (o Options) withDefaults() Options {
	if o.StaleAfter <= 0 {
		o.StaleAfter = DefaultStaleAfter
	}
	if o.MinLogoutDuration <= 0 {
		o.MinLogoutDuration = DefaultMinLogoutDuration
	}
	return o
}

// State is a snapshot of what the Manager holds.
type State struct {
	User         *identity.User   `json:"user"`
	Profile      *profile.Profile `json:"profile"`
	Loading      bool             `json:"loading"`
	IsLoggingOut bool             `json:"is_logging_out"`
	Error        string           `json:"error,omitempty"`
}

// Manager is the sole writer of one client's current user and profile.
// Profiles are fetched through the shared profile service; session changes
// arrive from Auth and are handled one at a time in arrival order.
type Manager struct {
	auth     Auth
	profiles *profile.Service
	activity *activity.Logger
	resolver permission.Resolver
	opts     Options
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) bool

	mu    sync.Mutex
	state State
	phase Phase
	// gen is bumped whenever held state is invalidated. Work that started
	// under an older generation must not write its result.
	gen                 uint64
	firstLoadInProgress bool
	initializing        bool
	sub                 *identity.Subscription
	loopDone            chan struct{}
	unwatch             func()
	watching            string
	loggingOut          chan struct{}
	listeners           map[uint64]func(State)
	listenerSeq         uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates an idle Manager. logger may be nil.
func NewManager(auth Auth, profiles *profile.Service, logger *activity.Logger, opts Options) *Manager {
	if logger == nil {
		logger = activity.NewLogger(nil, nil)
	}
	return &Manager{
		auth:      auth,
		profiles:  profiles,
		activity:  logger,
		opts:      opts.withDefaults(),
		now:       time.Now,
		sleep:     sleepCtx,
		listeners: make(map[uint64]func(State)),
	}
}

// Phase returns the lifecycle state.
func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// State returns a snapshot of the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot()
}

func (m *Manager) snapshot() State {
	s := m.state
	if s.User != nil {
		u := *s.User
		s.User = &u
	}
	return s
}

// Activity returns the activity logger of this session.
func (m *Manager) Activity() *activity.Logger { return m.activity }

// OnChange registers fn to receive a snapshot after every state change.
func (m *Manager) OnChange(fn func(State)) (cancel func()) {
	m.mu.Lock()
	m.listenerSeq++
	id := m.listenerSeq
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

func (m *Manager) notify() {
	m.mu.Lock()
	s := m.snapshot()
	fns := make([]func(State), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

// Start bootstraps the manager from the current session and subscribes to
// session changes. A Start issued while another bootstrap is running only
// clears Loading.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.firstLoadInProgress {
		m.state.Loading = false
		m.mu.Unlock()
		m.notify()
		return nil
	}
	if m.phase == PhaseReady || m.phase == PhaseBootstrapping {
		m.mu.Unlock()
		return nil
	}
	m.firstLoadInProgress = true
	m.initializing = true
	m.phase = PhaseBootstrapping
	m.state.Loading = true
	m.ctx, m.cancel = context.WithCancel(context.Background())
	gen := m.gen
	sub := m.auth.OnAuthStateChange()
	m.sub = sub
	m.loopDone = make(chan struct{})
	go m.run(m.ctx, sub, m.loopDone)
	m.mu.Unlock()
	m.notify()

	defer func() {
		m.mu.Lock()
		m.firstLoadInProgress = false
		if m.phase == PhaseBootstrapping {
			m.phase = PhaseReady
		}
		m.state.Loading = false
		m.mu.Unlock()
		m.notify()
	}()

	sess, err := m.auth.GetSession(ctx)
	if err != nil {
		slog.Warn("failed to read current session", "error", err)
		return nil
	}
	if sess == nil || sess.User == nil {
		return nil
	}
	u := sess.User
	if !m.setUser(gen, u) {
		return nil
	}

	if entry, ok := m.profiles.Cache().Peek(u.ID); ok {
		m.adopt(gen, entry.Profile)
		if age := m.now().Sub(entry.Timestamp); age > m.opts.StaleAfter {
			slog.Info("cached profile is stale, refreshing in background", "user_id", u.ID, "age", age.String())
			m.goBackground(func(ctx context.Context) {
				p, err := m.profiles.Fetch(ctx, profile.FetchRequest{UserID: u.ID, Email: u.Email})
				if err != nil {
					slog.Warn("background profile refresh failed", "user_id", u.ID, "error", err)
					return
				}
				if p != nil && !p.Placeholder {
					m.adopt(gen, p)
				}
			})
		}
		return nil
	}

	p, err := m.profiles.Fetch(ctx, profile.FetchRequest{UserID: u.ID, Email: u.Email, UseCache: true})
	if err != nil {
		slog.Warn("profile unavailable during bootstrap", "user_id", u.ID, "error", err)
		return nil
	}
	m.adopt(gen, p)
	return nil
}

// run handles session events one at a time until sub is closed.
func (m *Manager) run(ctx context.Context, sub *identity.Subscription, done chan struct{}) {
	defer close(done)
	for e := range sub.Events() {
		m.handle(ctx, sub, e)
	}
}

func (m *Manager) handle(ctx context.Context, sub *identity.Subscription, e identity.Event) {
	m.mu.Lock()
	if m.sub != sub {
		m.mu.Unlock()
		return
	}
	// The initial event replays what GetSession already returned.
	if m.initializing {
		m.initializing = false
		if e.Type == identity.EventInitialSession {
			m.mu.Unlock()
			return
		}
	}
	cur := m.state.User
	hasProfile := m.state.Profile != nil
	gen := m.gen
	m.mu.Unlock()

	if e.Session == nil || e.Session.User == nil {
		if cur != nil {
			slog.Info("session ended", "user_id", cur.ID, "event", string(e.Type))
		}
		m.clearLocal(ctx)
		return
	}

	u := e.Session.User
	same := cur != nil && cur.ID == u.ID
	switch {
	case same && e.Type == identity.EventTokenRefreshed:
		return
	case same && e.Type == identity.EventSignedIn && hasProfile:
		return
	case same && hasProfile:
		m.setUser(gen, u)
		return
	}

	if cur != nil && !same {
		m.mu.Lock()
		m.gen++
		gen = m.gen
		m.state.Profile = nil
		m.mu.Unlock()
	}
	if !m.setUser(gen, u) {
		return
	}
	p, err := m.profiles.Fetch(ctx, profile.FetchRequest{UserID: u.ID, Email: u.Email, UseCache: true})
	if err != nil {
		slog.Warn("profile unavailable after session change", "user_id", u.ID, "event", string(e.Type), "error", err)
		return
	}
	m.adopt(gen, p)
}

// setUser installs u as the current user and points the profile watcher
// at it. It reports false when gen is no longer current.
func (m *Manager) setUser(gen uint64, u *identity.User) bool {
	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return false
	}
	cp := *u
	m.state.User = &cp
	m.state.Error = ""
	var stale func()
	if m.watching != u.ID {
		stale = m.unwatch
		m.watching = u.ID
		m.unwatch = m.profiles.Watch(u.ID, func(p *profile.Profile) { m.adopt(gen, p) })
	}
	m.mu.Unlock()

	if stale != nil {
		stale()
	}
	m.activity.SetActor(context.Background(), &activity.Actor{UserID: u.ID, Email: u.Email, Name: u.FullName()})
	m.notify()
	return true
}

// adopt replaces the held profile with p if gen is current and p belongs
// to the current user.
func (m *Manager) adopt(gen uint64, p *profile.Profile) bool {
	if p == nil {
		return false
	}
	m.mu.Lock()
	if m.gen != gen || m.state.User == nil || m.state.User.ID != p.ID {
		m.mu.Unlock()
		return false
	}
	m.state.Profile = p
	u := *m.state.User
	m.mu.Unlock()

	name := p.FullName
	if name == "" {
		name = u.FullName()
	}
	m.activity.SetActor(context.Background(), &activity.Actor{UserID: u.ID, Email: u.Email, Name: name})
	m.notify()
	return true
}

// clearLocal drops the user and profile, invalidates in-flight work and
// empties the profile cache and deduplicator. With SharedProfiles only the
// held user's entries are dropped.
func (m *Manager) clearLocal(ctx context.Context) {
	m.mu.Lock()
	m.gen++
	held := heldUserIDs(m.state.User, m.state.Profile, m.watching)
	unwatch := m.unwatch
	m.unwatch = nil
	m.watching = ""
	m.state.User = nil
	m.state.Profile = nil
	m.state.Error = ""
	m.mu.Unlock()

	if unwatch != nil {
		unwatch()
	}
	if m.opts.SharedProfiles {
		for _, id := range held {
			m.profiles.Evict(id)
		}
	} else {
		m.profiles.Reset()
	}
	m.activity.SetActor(ctx, nil)
	m.notify()
}

func heldUserIDs(u *identity.User, p *profile.Profile, watching string) []string {
	var ids []string
	add := func(id string) {
		if id == "" {
			return
		}
		for _, have := range ids {
			if have == id {
				return
			}
		}
		ids = append(ids, id)
	}
	if u != nil {
		add(u.ID)
	}
	if p != nil {
		add(p.ID)
	}
	add(watching)
	return ids
}

func (m *Manager) current() (gen uint64, u *identity.User, p *profile.Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen, m.state.User, m.state.Profile
}

// Session returns the identity session the manager is bound to.
func (m *Manager) Session(ctx context.Context) (*identity.Session, error) {
	return m.auth.GetSession(ctx)
}

// Subscribe streams the raw session events of the underlying client.
func (m *Manager) Subscribe() *identity.Subscription {
	return m.auth.OnAuthStateChange()
}

// SignIn authenticates with email and password and loads the profile. On
// failure the user is cleared, the profile is left as it was and the
// returned *Error carries the user-facing message.
func (m *Manager) SignIn(ctx context.Context, email, password string) (*identity.User, error) {
	sess, err := m.auth.SignInWithPassword(ctx, email, password)
	if err != nil {
		terr := translate(err)
		m.mu.Lock()
		m.state.User = nil
		m.state.Error = terr.Error()
		m.mu.Unlock()
		m.notify()
		return nil, terr
	}

	u := sess.User
	m.mu.Lock()
	if m.state.User != nil && m.state.User.ID != u.ID {
		m.gen++
	}
	if m.state.Profile != nil && m.state.Profile.ID != u.ID {
		m.state.Profile = nil
	}
	gen := m.gen
	m.mu.Unlock()
	m.setUser(gen, u)

	p, err := m.profiles.Fetch(ctx, profile.FetchRequest{UserID: u.ID, Email: u.Email, UseCache: true})
	if err != nil {
		slog.Warn("profile unavailable after sign-in", "user_id", u.ID, "error", err)
	}
	m.adopt(gen, p)

	tctx, cancel := context.WithTimeout(ctx, profile.DefaultFetchTimeout)
	if err := m.profiles.TouchLastLogin(tctx, u.ID); err != nil {
		slog.Warn("failed to record last login", "user_id", u.ID, "error", err)
	}
	cancel()
	m.activity.LogLogin(ctx)

	cp := *u
	return &cp, nil
}

// SignUp creates an account. The manager stays signed out.
func (m *Manager) SignUp(ctx context.Context, email, password, fullName string) (*identity.User, error) {
	u, err := m.auth.SignUp(ctx, email, password, map[string]any{"full_name": fullName})
	if err != nil {
		return nil, translate(err)
	}
	return u, nil
}

// SignOut ends the session. Local state is always cleared, whatever the
// identity service answers, and IsLoggingOut stays set for at least
// MinLogoutDuration. A SignOut issued while another is running waits for it.
func (m *Manager) SignOut(ctx context.Context) error {
	m.mu.Lock()
	if ch := m.loggingOut; ch != nil {
		m.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
		}
		return nil
	}
	ch := make(chan struct{})
	m.loggingOut = ch
	m.state.IsLoggingOut = true
	m.mu.Unlock()
	m.notify()

	start := m.now()
	m.activity.LogLogout(ctx)
	if err := m.auth.SignOut(ctx); err != nil {
		slog.Error("remote sign-out failed, clearing local session anyway", "error", err)
	}
	m.clearLocal(ctx)

	if rest := m.opts.MinLogoutDuration - m.now().Sub(start); rest > 0 {
		m.sleep(ctx, rest)
	}

	m.mu.Lock()
	m.state.IsLoggingOut = false
	m.loggingOut = nil
	m.mu.Unlock()
	close(ch)
	m.notify()
	return nil
}

// ResetPassword sends a password reset link to email.
func (m *Manager) ResetPassword(ctx context.Context, email string) error {
	return translate(m.auth.ResetPasswordForEmail(ctx, email, m.opts.ResetRedirectURL))
}

// UpdatePassword changes the password of the signed-in user.
func (m *Manager) UpdatePassword(ctx context.Context, password string) error {
	if _, u, _ := m.current(); u == nil {
		return ErrNotSignedIn
	}
	if _, err := m.auth.UpdateUser(ctx, identity.UserUpdate{Password: &password}); err != nil {
		return translate(err)
	}
	m.activity.LogPasswordChanged(ctx)
	return nil
}

// RefreshSession rotates the access token.
func (m *Manager) RefreshSession(ctx context.Context) (*identity.Session, error) {
	sess, err := m.auth.RefreshSession(ctx)
	if err != nil {
		return nil, translate(err)
	}
	return sess, nil
}

// UpdateProfile persists in and adopts the row the server confirmed.
func (m *Manager) UpdateProfile(ctx context.Context, in profile.Update) (*profile.Profile, error) {
	gen, u, cur := m.current()
	if u == nil {
		return nil, ErrNotSignedIn
	}
	p, err := m.profiles.Update(ctx, u.ID, in, cur)
	if err != nil {
		return nil, err
	}
	m.adopt(gen, p)

	var fields []string
	if in.FullName != nil {
		fields = append(fields, "full_name")
	}
	if in.Email != nil {
		fields = append(fields, "email")
	}
	if in.Role != nil {
		fields = append(fields, "role")
	}
	m.activity.LogProfileUpdated(ctx, fields)
	return p, nil
}

// FetchProfile fetches the profile of userID without adopting it.
func (m *Manager) FetchProfile(ctx context.Context, userID string, useCache bool) (*profile.Profile, error) {
	req := profile.FetchRequest{UserID: userID, UseCache: useCache}
	if _, u, _ := m.current(); u != nil && u.ID == userID {
		req.Email = u.Email
	}
	return m.profiles.Fetch(ctx, req)
}

// RefreshProfile refetches the current user's profile bypassing the cache
// and adopts it unless it is a placeholder.
func (m *Manager) RefreshProfile(ctx context.Context) (*profile.Profile, error) {
	gen, u, _ := m.current()
	if u == nil {
		return nil, ErrNotSignedIn
	}
	p, err := m.profiles.Fetch(ctx, profile.FetchRequest{UserID: u.ID, Email: u.Email})
	if err != nil {
		return nil, err
	}
	if p != nil && !p.Placeholder {
		m.adopt(gen, p)
	}
	return p, nil
}

// Permissions returns the permission view of the held profile.
func (m *Manager) Permissions() *permission.Permissions {
	_, _, p := m.current()
	return m.resolver.For(p)
}

// HasPermission reports whether the held profile grants perm.
func (m *Manager) HasPermission(perm string) bool { return m.Permissions().HasPermission(perm) }

// HasRole reports whether the held profile has any of roles.
func (m *Manager) HasRole(roles ...string) bool { return m.Permissions().HasRole(roles...) }

// ActiveCompany returns the active company, or nil.
func (m *Manager) ActiveCompany() *profile.Company { return m.Permissions().ActiveCompany() }

// IsUnlinkedUser reports whether the user belongs to no company.
func (m *Manager) IsUnlinkedUser() bool { return m.Permissions().IsUnlinkedUser() }

// Close unsubscribes from session changes, stops background work and
// resets the bootstrap flags. A later Start bootstraps from scratch.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.phase == PhaseIdle || m.phase == PhaseClosed {
		m.phase = PhaseClosed
		m.mu.Unlock()
		return
	}
	m.phase = PhaseClosed
	m.gen++
	m.firstLoadInProgress = false
	m.initializing = false
	sub, done := m.sub, m.loopDone
	m.sub = nil
	unwatch := m.unwatch
	m.unwatch = nil
	m.watching = ""
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if unwatch != nil {
		unwatch()
	}
	if sub != nil {
		sub.Unsubscribe()
	}
	if done != nil {
		<-done
	}
	m.wg.Wait()
}

func (m *Manager) goBackground(fn func(ctx context.Context)) {
	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn(ctx)
	}()
}

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
