package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// fakeClock is a controllable time source for deterministic tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(rate int, window time.Duration) (*Limiter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	l := New(rate, window)
	l.now = clock.Now
	return l, clock
}

func TestAllowExhaustsAndRefills(t *testing.T) {
	// 5 attempts per minute, one token every 12 seconds.
	l, clock := newTestLimiter(5, time.Minute)

	for i := 0; i < 5; i++ {
		if !l.Allow("login:ip:1.2.3.4", 0) {
			t.Fatalf("attempt %d should be allowed", i+1)
		}
	}
	if l.Allow("login:ip:1.2.3.4", 0) {
		t.Fatal("6th attempt should be denied")
	}
	if !l.Allow("login:ip:5.6.7.8", 0) {
		t.Fatal("another address has its own bucket")
	}

	clock.Advance(12 * time.Second)
	if !l.Allow("login:ip:1.2.3.4", 0) {
		t.Fatal("one token should have refilled")
	}
	if l.Allow("login:ip:1.2.3.4", 0) {
		t.Fatal("only one token should have refilled")
	}

	clock.Advance(time.Hour)
	if _, remaining, _ := l.Status("login:ip:1.2.3.4", 0); remaining != 5 {
		t.Fatalf("refill should cap at 5, got %d", remaining)
	}
}

func TestCustomRateOverride(t *testing.T) {
	tests := []struct {
		name      string
		defaultR  int
		customR   int
		wantAllow int
	}{
		{"custom higher than default", 2, 5, 5},
		{"custom lower than default", 10, 3, 3},
		{"zero custom uses default", 5, 0, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, _ := newTestLimiter(tt.defaultR, time.Minute)
			allowed := 0
			for i := 0; i < tt.wantAllow+2; i++ {
				if l.Allow("key", tt.customR) {
					allowed++
				}
			}
			if allowed != tt.wantAllow {
				t.Fatalf("expected %d allowed, got %d", tt.wantAllow, allowed)
			}
		})
	}
}

func TestConcurrentAccess(t *testing.T) {
	l, _ := newTestLimiter(50, time.Minute)

	var wg sync.WaitGroup
	allowed := make(chan bool, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			allowed <- l.Allow("reset:ip:1.1.1.1", 0)
		}()
	}
	wg.Wait()
	close(allowed)

	count := 0
	for ok := range allowed {
		if ok {
			count++
		}
	}
	if count != 50 {
		t.Fatalf("expected exactly 50 allowed, got %d", count)
	}
}

func TestStatus(t *testing.T) {
	l, clock := newTestLimiter(10, time.Minute)

	limit, remaining, resetAt := l.Status("s", 0)
	if limit != 10 || remaining != 10 {
		t.Fatalf("fresh bucket: limit %d remaining %d", limit, remaining)
	}
	if !resetAt.Equal(clock.Now()) {
		t.Fatalf("full bucket resetAt should equal now, got diff %v", resetAt.Sub(clock.Now()))
	}

	l.Allow("s", 0)
	l.Allow("s", 0)
	l.Allow("s", 0)

	_, remaining, resetAt = l.Status("s", 0)
	if remaining != 7 {
		t.Fatalf("expected remaining 7, got %d", remaining)
	}
	// 3 tokens at one per 6 seconds.
	want := clock.Now().Add(18 * time.Second)
	if diff := resetAt.Sub(want); diff < -time.Millisecond || diff > time.Millisecond {
		t.Fatalf("resetAt = %v, want about %v", resetAt, want)
	}
}

func TestPrune(t *testing.T) {
	l, clock := newTestLimiter(2, time.Minute)
	l.Allow("login:ip:a", 0)
	l.Allow("login:ip:b", 0)
	l.Allow("login:ip:b", 0)

	clock.Advance(20 * time.Second)
	l.Allow("login:ip:b", 0)
	if n := l.Prune(10 * time.Second); n != 0 {
		t.Fatalf("nothing idle and full yet, pruned %d", n)
	}

	clock.Advance(5 * time.Minute)
	if n := l.Prune(time.Minute); n != 2 {
		t.Fatalf("expected both refilled buckets pruned, got %d", n)
	}
	if l.Len() != 0 {
		t.Fatalf("expected no buckets, got %d", l.Len())
	}
}

func TestCheckTightestBucket(t *testing.T) {
	l, _ := newTestLimiter(100, time.Minute)
	p := Policy{Scope: "login", PerIP: 2, Global: 3}

	if d := l.Check(p, "1.1.1.1"); !d.Allowed || d.Limit != 2 || d.Remaining != 1 {
		t.Fatalf("first check = %+v", d)
	}
	l.Check(p, "1.1.1.1")
	if d := l.Check(p, "1.1.1.1"); d.Allowed {
		t.Fatal("per-address bucket should be exhausted")
	}
	// Global bucket was drained by the three attempts above.
	if d := l.Check(p, "2.2.2.2"); d.Allowed {
		t.Fatalf("global bucket should be exhausted, got %+v", d)
	}

	if d := l.Check(Policy{Scope: "open"}, "1.1.1.1"); !d.Allowed || d.Limit != 0 {
		t.Fatalf("empty policy should allow without limits, got %+v", d)
	}
}

func TestMiddleware(t *testing.T) {
	l, _ := newTestLimiter(100, time.Minute)
	var rejected []string
	h := Middleware(l, Policy{Scope: "login", PerIP: 1}, "Muitas tentativas. Aguarde alguns minutos.",
		func(scope string) { rejected = append(rejected, scope) },
	)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func(remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	if rec := do("10.0.0.1:5000"); rec.Code != http.StatusNoContent {
		t.Fatalf("first request status = %d", rec.Code)
	} else if rec.Header().Get("X-RateLimit-Limit") != "1" {
		t.Errorf("limit header = %q", rec.Header().Get("X-RateLimit-Limit"))
	}

	rec := do("10.0.0.1:5001")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d", rec.Code)
	}
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Code != "rate_limited" || body.Error.Message != "Muitas tentativas. Aguarde alguns minutos." {
		t.Errorf("unexpected body %+v", body)
	}
	if len(rejected) != 1 || rejected[0] != "login" {
		t.Errorf("onReject calls = %v", rejected)
	}

	if rec := do("10.0.0.2:5000"); rec.Code != http.StatusNoContent {
		t.Errorf("other address status = %d", rec.Code)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		xff    string
		remote string
		want   string
	}{
		{"remote addr", "", "192.168.1.5:4321", "192.168.1.5"},
		{"forwarded first hop", "203.0.113.7, 10.0.0.1", "10.0.0.1:80", "203.0.113.7"},
		{"remote without port", "", "unix", "unix"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := ClientIP(req); got != tt.want {
				t.Errorf("ClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}
