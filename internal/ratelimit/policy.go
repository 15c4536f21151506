package ratelimit

import (
	"fmt"
	"time"
)

// Policy limits one endpoint family. PerIP caps each client address and
// Global caps the scope as a whole. A zero value disables that bucket.
type Policy struct {
	Scope  string
	PerIP  int
	Global int
}

// Decision is the outcome of a policy check. Limit, Remaining and ResetAt
// describe the tightest bucket involved.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Check consumes a token from every configured bucket for ip. All buckets
// must allow for the request to proceed.
func (l *Limiter) Check(p Policy, ip string) Decision {
	type scopeCheck struct {
		key  string
		rate int
	}

	var checks []scopeCheck
	if p.Global > 0 {
		checks = append(checks, scopeCheck{key: p.Scope, rate: p.Global})
	}
	if p.PerIP > 0 && ip != "" {
		checks = append(checks, scopeCheck{key: fmt.Sprintf("%s:ip:%s", p.Scope, ip), rate: p.PerIP})
	}
	if len(checks) == 0 {
		return Decision{Allowed: true}
	}

	d := Decision{Allowed: true}
	for _, c := range checks {
		if !l.Allow(c.key, c.rate) {
			d.Allowed = false
		}
		limit, remaining, resetAt := l.Status(c.key, c.rate)
		if d.Limit == 0 || remaining < d.Remaining {
			d.Limit, d.Remaining, d.ResetAt = limit, remaining, resetAt
		}
	}
	return d
}
