package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/partimap/bg2/internal/accounts"
	"github.com/partimap/bg2/internal/activity"
	"github.com/partimap/bg2/internal/metrics"
	"github.com/partimap/bg2/internal/ratelimit"
	"github.com/partimap/bg2/internal/session"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ActivityLister queries stored activity entries.
type ActivityLister interface {
	List(ctx context.Context, q activity.Query) ([]activity.Entry, string, error)
}

// RouterDeps holds all dependencies for the API router. Everything except
// Hub is optional.
type RouterDeps struct {
	Hub            *session.Hub
	Activity       ActivityLister
	Accounts       *accounts.Store
	Metrics        *metrics.Metrics
	Limiter        *ratelimit.Limiter
	LoginPolicy    ratelimit.Policy
	ResetPolicy    ratelimit.Policy
	DB             Pinger
	AllowedOrigins []string
}

// NewRouter builds the chi router with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	var httpMetrics HTTPMetrics
	if deps.Metrics != nil {
		httpMetrics = deps.Metrics
	}

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(slogRequestLogger(httpMetrics))
	r.Use(secureHeaders)
	r.Use(corsMiddleware(deps.AllowedOrigins))

	authH := newAuthHandler(deps.Hub)
	activityH := newActivityHandler(deps.Activity)
	accountsH := newAccountsHandler(deps.Accounts, deps.Hub)
	eventsH := newEventsHandler(deps.AllowedOrigins)

	loginLimit := throttle(deps, deps.LoginPolicy)
	resetLimit := throttle(deps, deps.ResetPolicy)

	r.Get("/health", healthHandler(deps.DB))
	r.Get("/.well-known/bg2.json", WellKnownHandler)

	if deps.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Metrics.Registry(), promhttp.HandlerOpts{}))
		r.Get("/api/v1/metrics/live", deps.Metrics.Handler())
	}

	// Public auth routes.
	r.Route("/api/v1/auth", func(ar chi.Router) {
		ar.With(loginLimit).Post("/login", authH.Login)
		ar.With(loginLimit).Post("/signup", authH.SignUp)
		ar.With(resetLimit).Post("/reset-password", authH.ResetPassword)
		ar.With(resetLimit).Post("/recover", authH.Recover)
		ar.Post("/logout", authH.Logout)

		ar.Group(func(sr chi.Router) {
			sr.Use(sessionAuth(deps.Hub))
			sr.Get("/me", authH.Me)
			sr.Post("/refresh", authH.Refresh)
			sr.Put("/password", authH.UpdatePassword)
			sr.Get("/events", eventsH.Stream)
		})
	})

	// Session-authed routes.
	r.Group(func(sr chi.Router) {
		sr.Use(sessionAuth(deps.Hub))
		sr.Patch("/api/v1/profile", authH.UpdateProfile)
		sr.Post("/api/v1/profile/refresh", authH.RefreshProfile)
		sr.Get("/api/v1/permissions/check", authH.CheckPermission)
		sr.Get("/api/v1/activity", activityH.List)
		sr.Get("/api/v1/activity/export", activityH.Export)
	})

	// Saved accounts are keyed by device, not by session.
	r.Route("/api/v1/accounts", func(ar chi.Router) {
		ar.Use(requireDeviceID)
		ar.Get("/", accountsH.List)
		ar.Post("/", accountsH.Remember)
		ar.Delete("/{id}", accountsH.Forget)
		ar.With(loginLimit).Post("/{id}/login", accountsH.Login)
	})

	return r
}

// throttle returns the rate-limit middleware for p, or a pass-through when
// no limiter is configured.
func throttle(deps RouterDeps, p ratelimit.Policy) func(http.Handler) http.Handler {
	if deps.Limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	var onReject func(string)
	if deps.Metrics != nil {
		onReject = deps.Metrics.IncRateLimitRejection
	}
	return ratelimit.Middleware(deps.Limiter, p, session.TranslateMessage(session.MsgTooManyRequests), onReject)
}

func healthHandler(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]string{"status": "ok", "database": "connected"}
		status := http.StatusOK
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				body["status"] = "degraded"
				body["database"] = "unreachable"
				status = http.StatusServiceUnavailable
			}
		}
		writeJSON(w, status, body)
	}
}
