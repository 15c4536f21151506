package profile

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/partimap/bg2/internal/remote"
)

// Repository is the row-level access the fetch protocol needs. *Store
// satisfies it; tests use fakes.
type Repository interface {
	GetProfile(ctx context.Context, userID string) (*Profile, error)
	GetProfileByEmail(ctx context.Context, email string) (*Profile, error)
	ActiveMemberships(ctx context.Context, userID string) ([]CompanyMembership, error)
	UpdateProfile(ctx context.Context, userID string, in Update) (*Profile, error)
	TouchLastLogin(ctx context.Context, userID string, at time.Time) error
}

// MetricsRecorder is an optional interface for recording profile metrics.
type MetricsRecorder interface {
	ObserveCacheLookup(result string)
	IncProfileFetch(outcome string)
	ObserveProfileFetchDuration(seconds float64)
	IncProfileRetry(result string)
	IncProfileEnrichment(result string)
}

// Options tunes the fetch protocol. Zero values take the defaults.
type Options struct {
	FetchTimeout     time.Duration
	EnrichDelay      time.Duration
	RetryAttempts    int
	RetryBackoff     time.Duration
	MembershipMaxAge time.Duration
}

const (
	DefaultFetchTimeout     = 3 * time.Second
	DefaultEnrichDelay      = 100 * time.Millisecond
	DefaultRetryAttempts    = 3
	DefaultRetryBackoff     = 2 * time.Second
	DefaultMembershipMaxAge = 10 * time.Minute
)

func (o Options) withDefaults() Options {
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = DefaultFetchTimeout
	}
	if o.EnrichDelay <= 0 {
		o.EnrichDelay = DefaultEnrichDelay
	}
	if o.RetryAttempts <= 0 {
		o.RetryAttempts = DefaultRetryAttempts
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = DefaultRetryBackoff
	}
	if o.MembershipMaxAge <= 0 {
		o.MembershipMaxAge = DefaultMembershipMaxAge
	}
	return o
}

// FetchRequest identifies the profile to fetch.
type FetchRequest struct {
	UserID string
	// Email enables the secondary lookup when no id-keyed cache entry exists.
	Email    string
	UseCache bool
}

// Service implements the profile fetch protocol on top of a shared Cache and
// a per-user fetch deduplicator. One Service is shared by every session
// manager in the process.
type Service struct {
	repo    Repository
	cache   *Cache
	pending *pending
	opts    Options
	metrics MetricsRecorder
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) bool

	mu       sync.Mutex
	epoch    uint64            // bumped by Reset
	fetchSeq map[string]uint64 // latest fetch per user id, bumped by Evict
	retrying map[string]uint64 // user id -> id of the running retry loop
	retrySeq uint64
	watchers map[string]map[uint64]func(*Profile)
	watchSeq uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a Service. Close stops its background work.
func NewService(repo Repository, cache *Cache, opts Options) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		repo:     repo,
		cache:    cache,
		pending:  newPending(),
		opts:     opts.withDefaults(),
		now:      time.Now,
		sleep:    sleepCtx,
		fetchSeq: make(map[string]uint64),
		retrying: make(map[string]uint64),
		watchers: make(map[string]map[uint64]func(*Profile)),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetMetrics sets the optional metrics recorder.
func (s *Service) SetMetrics(m MetricsRecorder) {
	s.metrics = m
}

// Cache returns the shared profile cache.
func (s *Service) Cache() *Cache { return s.cache }

// PendingLen returns the number of in-flight fetches.
func (s *Service) PendingLen() int { return s.pending.Len() }

// Options returns the effective options.
func (s *Service) Options() Options { return s.opts }

// Close cancels background enrichment and retries and waits for them.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

// Fetch returns the profile for req.UserID following the cache, dedup and
// fallback rules. An empty user id yields (nil, nil). A nil profile with a
// non-nil error means every fallback was exhausted.
func (s *Service) Fetch(ctx context.Context, req FetchRequest) (*Profile, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, nil
	}
	key := req.UserID

	// Join a fetch that is already running. A failed shared fetch is not
	// retried here: the caller goes to the cache and fallback chain.
	if s.pending.InFlight(key) {
		p, _, err := s.pending.Do(ctx, key, func() (*Profile, error) { return s.load(req) })
		if err == nil {
			s.observeFetch("deduped")
			return p, nil
		}
		if req.UseCache {
			if p, ok := s.cache.Get(key); ok {
				s.observeCache("hit")
				return p, nil
			}
		}
		return s.fallback(ctx, req, err)
	}

	if req.UseCache {
		if p, ok := s.cache.Get(key); ok {
			s.observeCache("hit")
			return p, nil
		}
		if _, ok := s.cache.Peek(key); ok {
			s.observeCache("stale")
		} else {
			s.observeCache("miss")
		}
	}

	p, joined, err := s.pending.Do(ctx, key, func() (*Profile, error) { return s.load(req) })
	if joined && err == nil {
		s.observeFetch("deduped")
	}
	if err == nil {
		return p, nil
	}
	return s.fallback(ctx, req, err)
}

// load performs the network fetch. It runs detached from the caller's
// context because its result is shared by every joined caller.
func (s *Service) load(req FetchRequest) (*Profile, error) {
	epoch, seq := s.beginFetch(req.UserID)

	ctx, cancel := context.WithTimeout(s.ctx, s.opts.FetchTimeout)
	defer cancel()

	start := s.now()
	row, err := s.repo.GetProfile(ctx, req.UserID)
	if s.metrics != nil {
		s.metrics.ObserveProfileFetchDuration(s.now().Sub(start).Seconds())
	}
	if err != nil {
		if remote.IsNotFound(err) {
			s.observeFetch("not_found")
			p := NewPlaceholder(req.UserID, req.Email)
			s.commit(epoch, seq, p)
			return p, nil
		}
		s.observeFetch("error")
		return nil, err
	}

	row.UserCompanies = []CompanyMembership{}
	row.CompaniesHydratedAt = time.Time{}
	s.commit(epoch, seq, row)
	s.observeFetch("ok")
	s.enrichLater(epoch, seq, row)
	return row, nil
}

// fallback serves the best available profile after a failed fetch.
func (s *Service) fallback(ctx context.Context, req FetchRequest, cause error) (*Profile, error) {
	if e, ok := s.cache.Peek(req.UserID); ok {
		slog.Warn("profile fetch failed, serving cached profile",
			"user_id", req.UserID, "age", s.now().Sub(e.Timestamp).String(), "error", cause)
		s.retryLater(req.UserID, e.Profile)
		return e.Profile, nil
	}

	if req.Email != "" {
		lctx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
		p, err := s.repo.GetProfileByEmail(lctx, req.Email)
		cancel()
		if err == nil {
			p.UserCompanies = []CompanyMembership{}
			slog.Warn("profile fetch failed, resolved profile by email", "user_id", req.UserID, "error", cause)
			return p, nil
		}
		if p, ok := s.cache.FindByEmail(req.Email); ok {
			return p, nil
		}
	}

	slog.Error("profile fetch failed with no fallback", "user_id", req.UserID, "error", cause)
	return nil, fmt.Errorf("fetching profile %s: %w", req.UserID, cause)
}

// enrichLater hydrates company memberships in the background after
// EnrichDelay so the first response never waits for a second round-trip.
func (s *Service) enrichLater(epoch, seq uint64, base *Profile) {
	base = base.Clone()
	s.goBackground(func(ctx context.Context) {
		if !s.sleep(ctx, s.opts.EnrichDelay) {
			return
		}
		mctx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
		memberships, err := s.repo.ActiveMemberships(mctx, base.ID)
		cancel()
		if err != nil {
			s.observeEnrichment("error")
			slog.Warn("failed to hydrate company memberships", "user_id", base.ID, "error", err)
			return
		}

		enriched := base.Clone()
		enriched.UserCompanies = memberships
		enriched.CompaniesHydratedAt = s.now()
		if !s.commit(epoch, seq, enriched) {
			s.observeEnrichment("superseded")
			return
		}
		s.observeEnrichment("ok")
		s.publish(enriched)
	})
}

// retryLater starts the bounded background retry for userID unless one is
// already running. previous supplies memberships to carry over.
func (s *Service) retryLater(userID string, previous *Profile) {
	s.mu.Lock()
	if _, ok := s.retrying[userID]; ok {
		s.mu.Unlock()
		return
	}
	s.retrySeq++
	id := s.retrySeq
	s.retrying[userID] = id
	s.mu.Unlock()

	previous = previous.Clone()
	s.goBackground(func(ctx context.Context) {
		defer func() {
			s.mu.Lock()
			if s.retrying[userID] == id {
				delete(s.retrying, userID)
			}
			s.mu.Unlock()
		}()

		for attempt := 1; attempt <= s.opts.RetryAttempts; attempt++ {
			if !s.sleep(ctx, time.Duration(attempt)*s.opts.RetryBackoff) {
				return
			}
			epoch, seq, ok := s.beginRetry(userID, id)
			if !ok {
				return
			}

			fctx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
			row, err := s.repo.GetProfile(fctx, userID)
			cancel()
			if err != nil {
				s.observeRetry("error")
				slog.Warn("profile retry failed", "user_id", userID, "attempt", attempt, "error", err)
				if remote.IsNotFound(err) {
					return
				}
				continue
			}

			row.UserCompanies = []CompanyMembership{}
			if !previous.CompaniesHydratedAt.IsZero() && s.now().Sub(previous.CompaniesHydratedAt) < s.opts.MembershipMaxAge {
				row.UserCompanies = previous.Clone().UserCompanies
				row.CompaniesHydratedAt = previous.CompaniesHydratedAt
			}
			if !s.commit(epoch, seq, row) {
				return
			}
			s.observeRetry("ok")
			s.publish(row)
			s.enrichLater(epoch, seq, row)
			return
		}
		s.observeRetry("exhausted")
		slog.Warn("profile retries exhausted", "user_id", userID, "attempts", s.opts.RetryAttempts)
	})
}

// Update persists partial fields and caches the server-confirmed row.
// Memberships are carried over from current because the row carries none.
func (s *Service) Update(ctx context.Context, userID string, in Update, current *Profile) (*Profile, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("updating profile: user id is required")
	}
	row, err := s.repo.UpdateProfile(ctx, userID, in)
	if err != nil {
		return nil, err
	}
	if current != nil && current.ID == row.ID {
		row.UserCompanies = current.Clone().UserCompanies
		row.CompaniesHydratedAt = current.CompaniesHydratedAt
	} else {
		row.UserCompanies = []CompanyMembership{}
	}

	epoch, seq := s.beginFetch(userID)
	s.commit(epoch, seq, row)
	return row.Clone(), nil
}

// TouchLastLogin records a login timestamp for userID.
func (s *Service) TouchLastLogin(ctx context.Context, userID string) error {
	return s.repo.TouchLastLogin(ctx, userID, s.now().UTC())
}

// Watch registers fn to receive profiles for userID produced by background
// enrichment and retries. The returned function cancels the registration.
func (s *Service) Watch(userID string, fn func(*Profile)) (cancel func()) {
	s.mu.Lock()
	s.watchSeq++
	id := s.watchSeq
	if s.watchers[userID] == nil {
		s.watchers[userID] = make(map[uint64]func(*Profile))
	}
	s.watchers[userID][id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.watchers[userID], id)
		if len(s.watchers[userID]) == 0 {
			delete(s.watchers, userID)
		}
	}
}

// Reset empties the cache and the deduplicator. Background work started
// before the reset can no longer write to the cache.
func (s *Service) Reset() {
	s.mu.Lock()
	s.epoch++
	s.retrying = make(map[string]uint64)
	s.mu.Unlock()

	s.cache.Clear()
	s.pending.Clear()
}

// Evict forgets userID alone: its cache entry, its in-flight fetch and its
// retry loop. Background work already running for userID can no longer write
// to the cache; other users are unaffected.
func (s *Service) Evict(userID string) {
	if userID == "" {
		return
	}
	s.mu.Lock()
	s.fetchSeq[userID]++
	delete(s.retrying, userID)
	s.cache.Delete(userID)
	s.mu.Unlock()

	s.pending.Forget(userID)
}

func (s *Service) publish(p *Profile) {
	s.mu.Lock()
	fns := make([]func(*Profile), 0, len(s.watchers[p.ID]))
	for _, fn := range s.watchers[p.ID] {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(p.Clone())
	}
}

func (s *Service) beginFetch(userID string) (epoch, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchSeq[userID]++
	return s.epoch, s.fetchSeq[userID]
}

// beginRetry starts the next attempt of retry loop id unless a reset or an
// eviction has cancelled it.
func (s *Service) beginRetry(userID string, id uint64) (epoch, seq uint64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retrying[userID] != id {
		return 0, 0, false
	}
	s.fetchSeq[userID]++
	return s.epoch, s.fetchSeq[userID], true
}

// commit caches p unless a reset or a newer fetch for the same user has
// happened since the fetch identified by (epoch, seq) began.
func (s *Service) commit(epoch, seq uint64, p *Profile) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch || s.fetchSeq[p.ID] != seq {
		return false
	}
	s.cache.Set(p)
	return true
}

func (s *Service) goBackground(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

func (s *Service) observeCache(result string) {
	if s.metrics != nil {
		s.metrics.ObserveCacheLookup(result)
	}
}

func (s *Service) observeFetch(outcome string) {
	if s.metrics != nil {
		s.metrics.IncProfileFetch(outcome)
	}
}

func (s *Service) observeRetry(result string) {
	if s.metrics != nil {
		s.metrics.IncProfileRetry(result)
	}
}

func (s *Service) observeEnrichment(result string) {
	if s.metrics != nil {
		s.metrics.IncProfileEnrichment(result)
	}
}

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
