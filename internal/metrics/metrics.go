// Package metrics exposes Prometheus collectors for the harvester service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	sessionsTotal              *prometheus.CounterVec
	activeSessions             prometheus.Gauge
	detailTasksTotal           *prometheus.CounterVec
	enrichmentFetchesTotal     *prometheus.CounterVec
	enrichmentBytesTotal       *prometheus.CounterVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times. Observe helpers are
// no-ops until Init has run.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		sessionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_sessions_total",
				Help: "Total number of harvesting sessions, labeled by final state.",
			},
			[]string{"state"},
		)

		activeSessions = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_active_sessions",
				Help: "Number of sessions currently running.",
			},
		)

		detailTasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_detail_tasks_total",
				Help: "Detail tasks by outcome (record or skip reason).",
			},
			[]string{"outcome"},
		)

		enrichmentFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_enrichment_fetches_total",
				Help: "Enrichment fetches, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		enrichmentBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_enrichment_bytes_total",
				Help: "Bytes fetched by enrichment, labeled by site.",
			},
			[]string{"site"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request counts and latencies per chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		ObserveHTTPRequest(r.Method, route, status, time.Since(start))
	})
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// SessionStarted increments the active sessions gauge.
func SessionStarted() {
	if activeSessions == nil {
		return
	}
	activeSessions.Inc()
}

// SessionFinished decrements the active sessions gauge and counts the final state.
func SessionFinished(state string) {
	if activeSessions == nil {
		return
	}
	activeSessions.Dec()
	sessionsTotal.WithLabelValues(state).Inc()
}

// ObserveDetailTask counts a detail task outcome.
func ObserveDetailTask(outcome string) {
	if detailTasksTotal == nil {
		return
	}
	detailTasksTotal.WithLabelValues(outcome).Inc()
}

// ObserveEnrichment counts an enrichment fetch for site.
func ObserveEnrichment(site string, status string, bytesFetched int) {
	if enrichmentFetchesTotal == nil {
		return
	}
	sanitizedSite := SanitizeSite(site)
	enrichmentFetchesTotal.WithLabelValues(sanitizedSite, status).Inc()
	if bytesFetched > 0 {
		enrichmentBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	if rateLimitDelaysSeconds == nil {
		return
	}
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
