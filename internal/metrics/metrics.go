package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds all Prometheus metric collectors for the bg2 service.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Profile fetch protocol.
	ProfileCacheLookupsTotal *prometheus.CounterVec
	ProfileFetchesTotal      *prometheus.CounterVec
	ProfileFetchDuration     prometheus.Histogram
	ProfileRetriesTotal      *prometheus.CounterVec
	ProfileEnrichmentsTotal  *prometheus.CounterVec

	// Identity and sessions.
	AuthAttemptsTotal *prometheus.CounterVec
	ActiveSessions    prometheus.Gauge

	// Throttling.
	RateLimitRejectionsTotal *prometheus.CounterVec

	// Activity sink.
	ActivityFlushedTotal     prometheus.Counter
	ActivityFlushErrorsTotal prometheus.Counter

	// Server lifecycle.
	ServerStartTime prometheus.Gauge
}

// New creates and registers all Prometheus metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bg2_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bg2_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path_pattern"}),

		HTTPResponseSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bg2_http_response_size_bytes",
			Help:    "HTTP response size in bytes.",
			Buckets: prometheus.ExponentialBuckets(100, 10, 6),
		}, []string{"method", "path_pattern"}),

		ProfileCacheLookupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bg2_profile_cache_lookups_total",
			Help: "Profile cache lookups by result (hit, miss, stale).",
		}, []string{"result"}),

		ProfileFetchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bg2_profile_fetches_total",
			Help: "Profile fetches by outcome.",
		}, []string{"outcome"}),

		ProfileFetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bg2_profile_fetch_duration_seconds",
			Help:    "Duration of primary profile row fetches in seconds.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2, 3},
		}),

		ProfileRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bg2_profile_retries_total",
			Help: "Background profile retry attempts by result.",
		}, []string{"result"}),

		ProfileEnrichmentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bg2_profile_enrichments_total",
			Help: "Company membership hydrations by result.",
		}, []string{"result"}),

		AuthAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bg2_auth_attempts_total",
			Help: "Identity operations by operation and result.",
		}, []string{"op", "result"}),

		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bg2_active_sessions",
			Help: "Number of session managers held by the server.",
		}),

		RateLimitRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bg2_ratelimit_rejections_total",
			Help: "Total number of throttled requests.",
		}, []string{"scope"}),

		ActivityFlushedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bg2_activity_entries_flushed_total",
			Help: "Activity entries written to the remote sink.",
		}),

		ActivityFlushErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bg2_activity_flush_errors_total",
			Help: "Failed activity sink flushes.",
		}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bg2_server_start_time_seconds",
			Help: "Unix timestamp when the server started.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPResponseSize,
		m.ProfileCacheLookupsTotal,
		m.ProfileFetchesTotal,
		m.ProfileFetchDuration,
		m.ProfileRetriesTotal,
		m.ProfileEnrichmentsTotal,
		m.AuthAttemptsTotal,
		m.ActiveSessions,
		m.RateLimitRejectionsTotal,
		m.ActivityFlushedTotal,
		m.ActivityFlushErrorsTotal,
		m.ServerStartTime,
	)

	m.ServerStartTime.Set(float64(time.Now().Unix()))

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterDBPoolCollector registers a custom DB pool stats collector.
func (m *Metrics) RegisterDBPoolCollector(statFunc DBPoolStatFunc) {
	m.registry.MustRegister(NewDBPoolCollector(statFunc))
}

// RegisterProfileCacheSize exposes the number of cached profiles.
func (m *Metrics) RegisterProfileCacheSize(size func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "bg2_profile_cache_entries",
		Help: "Number of profiles held by the profile cache.",
	}, func() float64 { return float64(size()) }))
}

// ObserveHTTPRequest records one served request.
func (m *Metrics) ObserveHTTPRequest(method, pattern string, status, size int, seconds float64) {
	m.HTTPRequestsTotal.WithLabelValues(method, pattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pattern).Observe(seconds)
	m.HTTPResponseSize.WithLabelValues(method, pattern).Observe(float64(size))
}

// ObserveCacheLookup counts a profile cache lookup.
func (m *Metrics) ObserveCacheLookup(result string) {
	m.ProfileCacheLookupsTotal.WithLabelValues(result).Inc()
}

// IncProfileFetch counts a profile fetch outcome.
func (m *Metrics) IncProfileFetch(outcome string) {
	m.ProfileFetchesTotal.WithLabelValues(outcome).Inc()
}

// ObserveProfileFetchDuration records the duration of a primary row fetch.
func (m *Metrics) ObserveProfileFetchDuration(seconds float64) {
	m.ProfileFetchDuration.Observe(seconds)
}

// IncProfileRetry counts a background retry attempt.
func (m *Metrics) IncProfileRetry(result string) {
	m.ProfileRetriesTotal.WithLabelValues(result).Inc()
}

// IncProfileEnrichment counts a membership hydration.
func (m *Metrics) IncProfileEnrichment(result string) {
	m.ProfileEnrichmentsTotal.WithLabelValues(result).Inc()
}

// IncAuthAttempt counts an identity operation.
func (m *Metrics) IncAuthAttempt(op, result string) {
	m.AuthAttemptsTotal.WithLabelValues(op, result).Inc()
}

// SetActiveSessions sets the number of held session managers.
func (m *Metrics) SetActiveSessions(n int) {
	m.ActiveSessions.Set(float64(n))
}

// IncRateLimitRejection increments the rejection counter for scope.
func (m *Metrics) IncRateLimitRejection(scope string) {
	m.RateLimitRejectionsTotal.WithLabelValues(scope).Inc()
}

// IncActivityFlushed adds n flushed activity entries.
func (m *Metrics) IncActivityFlushed(n int) {
	m.ActivityFlushedTotal.Add(float64(n))
}

// IncActivityFlushErrors counts a failed activity flush.
func (m *Metrics) IncActivityFlushErrors() {
	m.ActivityFlushErrorsTotal.Inc()
}
