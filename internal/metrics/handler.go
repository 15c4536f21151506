package metrics

import (
	"encoding/json"
	"math"
	"net/http"
	"sort"
	"time"

	dto "github.com/prometheus/client_model/go"
)

// Summary is the JSON response for the live metrics endpoint.
type Summary struct {
	HTTP      httpSummary     `json:"http"`
	Profile   profileSummary  `json:"profile"`
	Auth      authSummary     `json:"auth"`
	Activity  activitySummary `json:"activity"`
	RateLimit rateLimitInfo   `json:"rateLimit"`
	DB        dbInfo          `json:"db"`
	Server    serverInfo      `json:"server"`
}

type httpSummary struct {
	TotalRequests float64 `json:"totalRequests"`
	ErrorRate     float64 `json:"errorRate"`
	P50Latency    float64 `json:"p50Latency"`
	P95Latency    float64 `json:"p95Latency"`
	P99Latency    float64 `json:"p99Latency"`
}

type profileSummary struct {
	CacheEntries float64 `json:"cacheEntries"`
	CacheHitRate float64 `json:"cacheHitRate"`
	Fetches      float64 `json:"fetches"`
	Deduplicated float64 `json:"deduplicated"`
	Placeholders float64 `json:"placeholders"`
	FetchErrors  float64 `json:"fetchErrors"`
	P95FetchTime float64 `json:"p95FetchTime"`
	Retries      float64 `json:"retries"`
	Enrichments  float64 `json:"enrichments"`
}

type authSummary struct {
	Attempts       float64 `json:"attempts"`
	Failures       float64 `json:"failures"`
	ActiveSessions float64 `json:"activeSessions"`
}

type activitySummary struct {
	Flushed     float64 `json:"flushed"`
	FlushErrors float64 `json:"flushErrors"`
}

type rateLimitInfo struct {
	Rejections float64 `json:"rejections"`
}

type dbInfo struct {
	TotalConns    float64 `json:"totalConns"`
	IdleConns     float64 `json:"idleConns"`
	AcquiredConns float64 `json:"acquiredConns"`
	MaxConns      float64 `json:"maxConns"`
}

type serverInfo struct {
	StartTime     float64 `json:"startTime"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

// Handler returns an http.HandlerFunc that serves live metrics in JSON format.
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := m.Summarize()
		if err != nil {
			http.Error(w, "failed to gather metrics", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache, no-store")
		_ = json.NewEncoder(w).Encode(summary)
	}
}

// Summarize gathers the registry into a Summary.
func (m *Metrics) Summarize() (Summary, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return Summary{}, err
	}
	fam := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		fam[f.GetName()] = f
	}

	lookups := fam["bg2_profile_cache_lookups_total"]
	hits := counterWithLabel(lookups, "result", "hit")
	var hitRate float64
	if total := sumCounter(lookups); total > 0 {
		hitRate = hits / total
	}
	fetches := fam["bg2_profile_fetches_total"]
	attempts := fam["bg2_auth_attempts_total"]
	start := gaugeValue(fam["bg2_server_start_time_seconds"])

	return Summary{
		HTTP: httpSummary{
			TotalRequests: sumCounter(fam["bg2_http_requests_total"]),
			ErrorRate:     errorRate(fam["bg2_http_requests_total"]),
			P50Latency:    histogramPercentile(fam["bg2_http_request_duration_seconds"], 0.50),
			P95Latency:    histogramPercentile(fam["bg2_http_request_duration_seconds"], 0.95),
			P99Latency:    histogramPercentile(fam["bg2_http_request_duration_seconds"], 0.99),
		},
		Profile: profileSummary{
			CacheEntries: gaugeValue(fam["bg2_profile_cache_entries"]),
			CacheHitRate: hitRate,
			Fetches:      sumCounter(fetches),
			Deduplicated: counterWithLabel(fetches, "outcome", "deduped"),
			Placeholders: counterWithLabel(fetches, "outcome", "not_found"),
			FetchErrors:  counterWithLabel(fetches, "outcome", "error"),
			P95FetchTime: histogramPercentile(fam["bg2_profile_fetch_duration_seconds"], 0.95),
			Retries:      sumCounter(fam["bg2_profile_retries_total"]),
			Enrichments:  sumCounter(fam["bg2_profile_enrichments_total"]),
		},
		Auth: authSummary{
			Attempts:       sumCounter(attempts),
			Failures:       sumCounter(attempts) - counterWithLabel(attempts, "result", "ok"),
			ActiveSessions: gaugeValue(fam["bg2_active_sessions"]),
		},
		Activity: activitySummary{
			Flushed:     sumCounter(fam["bg2_activity_entries_flushed_total"]),
			FlushErrors: sumCounter(fam["bg2_activity_flush_errors_total"]),
		},
		RateLimit: rateLimitInfo{
			Rejections: sumCounter(fam["bg2_ratelimit_rejections_total"]),
		},
		DB: dbInfo{
			TotalConns:    gaugeValue(fam["bg2_db_pool_total_conns"]),
			IdleConns:     gaugeValue(fam["bg2_db_pool_idle_conns"]),
			AcquiredConns: gaugeValue(fam["bg2_db_pool_acquired_conns"]),
			MaxConns:      gaugeValue(fam["bg2_db_pool_max_conns"]),
		},
		Server: serverInfo{
			StartTime:     start,
			UptimeSeconds: float64(time.Now().Unix()) - start,
		},
	}, nil
}

// --- Prometheus metric helpers ---

func sumCounter(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		total += m.GetCounter().GetValue()
	}
	return total
}

func gaugeValue(f *dto.MetricFamily) float64 {
	if f == nil || len(f.GetMetric()) == 0 {
		return 0
	}
	return f.GetMetric()[0].GetGauge().GetValue()
}

// counterWithLabel sums the counters of f carrying labelName=labelValue.
func counterWithLabel(f *dto.MetricFamily, labelName, labelValue string) float64 {
	if f == nil {
		return 0
	}
	var total float64
	for _, m := range f.GetMetric() {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == labelName && lp.GetValue() == labelValue {
				total += m.GetCounter().GetValue()
			}
		}
	}
	return total
}

// errorRate is the share of requests answered with a 4xx or 5xx status.
func errorRate(f *dto.MetricFamily) float64 {
	if f == nil {
		return 0
	}
	var total, failed float64
	for _, m := range f.GetMetric() {
		v := m.GetCounter().GetValue()
		total += v
		for _, lp := range m.GetLabel() {
			if lp.GetName() == "status_code" && lp.GetValue() >= "400" {
				failed += v
			}
		}
	}
	if total == 0 {
		return 0
	}
	return failed / total
}

// histogramPercentile computes a percentile from aggregated histogram buckets
// using linear interpolation.
func histogramPercentile(f *dto.MetricFamily, q float64) float64 {
	if f == nil {
		return 0
	}

	var totalCount uint64
	cumulative := make(map[float64]uint64)
	for _, m := range f.GetMetric() {
		h := m.GetHistogram()
		if h == nil {
			continue
		}
		totalCount += h.GetSampleCount()
		for _, b := range h.GetBucket() {
			cumulative[b.GetUpperBound()] += b.GetCumulativeCount()
		}
	}
	if totalCount == 0 {
		return 0
	}

	bounds := make([]float64, 0, len(cumulative))
	for ub := range cumulative {
		if !math.IsInf(ub, 1) {
			bounds = append(bounds, ub)
		}
	}
	if len(bounds) == 0 {
		return 0
	}
	sort.Float64s(bounds)

	rank := q * float64(totalCount)
	var prevBound float64
	var prevCount uint64
	for _, ub := range bounds {
		count := cumulative[ub]
		if float64(count) >= rank {
			inBucket := count - prevCount
			if inBucket == 0 {
				return ub
			}
			return prevBound + (rank-float64(prevCount))/float64(inBucket)*(ub-prevBound)
		}
		prevBound, prevCount = ub, count
	}
	return bounds[len(bounds)-1]
}
