package profile

import (
	"context"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultNormalTTL is the freshness window of ordinary profiles.
	DefaultNormalTTL = 60 * time.Second
	// DefaultCriticalTTL is the freshness window of critical profiles.
	DefaultCriticalTTL = 120 * time.Second
)

// Entry is a cached profile with the time it was written.
type Entry struct {
	Profile   *Profile
	Timestamp time.Time
}

// Cache is a keyed store of last-known profiles with role-dependent TTLs.
// One instance is shared by every session manager in the process. It is safe
// for concurrent use.
type Cache struct {
	mu          sync.RWMutex
	entries     map[string]Entry
	normalTTL   time.Duration
	criticalTTL time.Duration
	now         func() time.Time // injectable clock for testing
}

// NewCache creates a Cache. Non-positive TTLs fall back to the defaults.
func NewCache(normalTTL, criticalTTL time.Duration) *Cache {
	if normalTTL <= 0 {
		normalTTL = DefaultNormalTTL
	}
	if criticalTTL <= 0 {
		criticalTTL = DefaultCriticalTTL
	}
	return &Cache{
		entries:     make(map[string]Entry),
		normalTTL:   normalTTL,
		criticalTTL: criticalTTL,
		now:         time.Now,
	}
}

func cacheKey(userID string) string { return "profile_" + userID }

// TTL returns the freshness window that applies to p.
func (c *Cache) TTL(p *Profile) time.Duration {
	if IsCritical(p) {
		return c.criticalTTL
	}
	return c.normalTTL
}

// fresh must be called with c.mu held.
func (c *Cache) fresh(e Entry, now time.Time) bool {
	return now.Sub(e.Timestamp) < c.TTL(e.Profile)
}

// Get returns a copy of the cached profile for userID if the entry is fresh.
func (c *Cache) Get(userID string) (*Profile, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[cacheKey(userID)]
	if !ok || !c.fresh(e, c.now()) {
		return nil, false
	}
	return e.Profile.Clone(), true
}

// Peek returns the entry for userID regardless of its age.
func (c *Cache) Peek(userID string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[cacheKey(userID)]
	if !ok {
		return Entry{}, false
	}
	return Entry{Profile: e.Profile.Clone(), Timestamp: e.Timestamp}, true
}

// Age returns how long ago the entry for userID was written.
func (c *Cache) Age(userID string) (time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[cacheKey(userID)]
	if !ok {
		return 0, false
	}
	return c.now().Sub(e.Timestamp), true
}

// FindByEmail returns the most recently written entry whose profile email
// matches, regardless of age.
func (c *Cache) FindByEmail(email string) (*Profile, bool) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	var best Entry
	found := false
	for _, e := range c.entries {
		if strings.ToLower(e.Profile.Email) != email {
			continue
		}
		if !found || e.Timestamp.After(best.Timestamp) {
			best = e
			found = true
		}
	}
	if !found {
		return nil, false
	}
	return best.Profile.Clone(), true
}

// Set stores a copy of p stamped with the current time.
func (c *Cache) Set(p *Profile) {
	if p == nil || p.ID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(p.ID)] = Entry{Profile: p.Clone(), Timestamp: c.now()}
}

// Delete removes the entry for userID.
func (c *Cache) Delete(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cacheKey(userID))
}

// Clear removes every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]Entry)
}

// Len returns the number of entries, fresh or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Sweep evicts entries older than their own TTL and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for k, e := range c.entries {
		if !c.fresh(e, now) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Run sweeps the cache every interval until ctx is cancelled. It blocks.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.normalTTL
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-ctx.Done():
			return
		}
	}
}
