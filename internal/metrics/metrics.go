// Package metrics holds the Prometheus collectors that are not driven by
// progress events: the status server's HTTP traffic, global throttle waits,
// and robots.txt fallbacks.
package metrics

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics owns its collectors; register one instance per registry.
type Metrics struct {
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	rateLimitDelay  prometheus.Histogram
	robotsFallbacks *prometheus.CounterVec
}

// New registers the collectors against reg. A nil reg uses the default
// registerer.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Status server requests, labeled by method and code.",
		}, []string{"method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Status server latency, labeled by method and route.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"method", "route"}),
		rateLimitDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "harvest_rate_limit_delay_seconds",
			Help:    "Time fetches spent waiting on the global throttle.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),
		robotsFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_robots_fallback_total",
			Help: "robots.txt probes that failed and fell back to allow-all.",
		}, []string{"host", "reason"}),
	}
	for _, c := range []prometheus.Collector{m.httpRequests, m.httpDuration, m.rateLimitDelay, m.robotsFallbacks} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics collector: %w", err)
		}
	}
	return m, nil
}

// ObserveRateLimitDelay records one throttle wait. It matches
// ratelimit.Config.OnDelay.
func (m *Metrics) ObserveRateLimitDelay(d time.Duration) {
	m.rateLimitDelay.Observe(d.Seconds())
}

// ObserveRobotsFallback counts one allow-all fallback. It matches
// collyfetcher.Config.OnRobotsFallback.
func (m *Metrics) ObserveRobotsFallback(host, reason string) {
	m.robotsFallbacks.WithLabelValues(strings.ToLower(host), reason).Inc()
}

// Middleware records request counts and latency per chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		route := "unknown"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		m.httpRequests.WithLabelValues(r.Method, strconv.Itoa(ww.status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
