package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddleware(t *testing.T) {
	t.Parallel()

	m, err := New(prometheus.NewRegistry())
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/test", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/missing", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, path := range []string{"/test", "/missing"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.InDelta(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "200")), 1e-9)
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "404")), 1e-9)
	assert.Equal(t, 2, testutil.CollectAndCount(m.httpDuration, "http_request_duration_seconds"))
}

func TestObservers(t *testing.T) {
	t.Parallel()

	m, err := New(prometheus.NewRegistry())
	require.NoError(t, err)

	m.ObserveRateLimitDelay(200 * time.Millisecond)
	m.ObserveRobotsFallback("Papers.NIPS.cc", "timeout")
	m.ObserveRobotsFallback("papers.nips.cc", "timeout")

	assert.Equal(t, 1, testutil.CollectAndCount(m.rateLimitDelay, "harvest_rate_limit_delay_seconds"))
	assert.InDelta(t, 2.0, testutil.ToFloat64(m.robotsFallbacks.WithLabelValues("papers.nips.cc", "timeout")), 1e-9)
}

func TestNewRejectsDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	require.Error(t, err)
}
