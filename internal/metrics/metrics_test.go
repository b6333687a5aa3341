package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func value(t *testing.T, c prometheus.Metric) float64 {
	t.Helper()
	var pb dto.Metric
	require.NoError(t, c.Write(&pb))
	switch {
	case pb.Counter != nil:
		return pb.Counter.GetValue()
	case pb.Gauge != nil:
		return pb.Gauge.GetValue()
	}
	t.Fatalf("unsupported metric type")
	return 0
}

func TestRecorders(t *testing.T) {
	m := New()

	m.TickCompleted("scheduled", 2*time.Millisecond, 7)
	m.TickCompleted("triggered", time.Millisecond, 7)
	m.RecomputeCoalesced()
	m.FactorDegraded("time_to_closing")
	m.CheckoutCompleted(3, decimal.RequireFromString("25.47"))
	m.CheckoutRejected("empty_cart")
	m.SubscriberFailed("redis_mirror")

	assert.Equal(t, 1.0, value(t, m.Ticks.WithLabelValues("scheduled")))
	assert.Equal(t, 7.0, value(t, m.CatalogSize))
	assert.Equal(t, 1.0, value(t, m.Coalesced))
	assert.Equal(t, 1.0, value(t, m.FactorDegradations.WithLabelValues("time_to_closing")))
	assert.Equal(t, 3.0, value(t, m.CheckoutLines))
	assert.InDelta(t, 25.47, value(t, m.Revenue), 1e-9)
	assert.Equal(t, 1.0, value(t, m.Rejected.WithLabelValues("empty_cart")))
	assert.Equal(t, 1.0, value(t, m.SubscriberFailures.WithLabelValues("redis_mirror")))
}

func TestHandlerExposesNamespace(t *testing.T) {
	m := New()
	m.ObserveHTTP("GET /api/listings", http.StatusOK, time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "surplus_http_requests_total"))
	assert.True(t, strings.Contains(body, `status="2xx"`))
}

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", statusClass(204))
	assert.Equal(t, "3xx", statusClass(304))
	assert.Equal(t, "4xx", statusClass(429))
	assert.Equal(t, "5xx", statusClass(503))
}
