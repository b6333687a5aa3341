// Package metrics exposes Prometheus collectors for the pricing engine,
// the checkout path and the snapshot bus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

const namespace = "surplus"

// Metrics holds every collector and the registry they are registered on.
type Metrics struct {
	registry *prometheus.Registry

	Ticks              *prometheus.CounterVec
	TickDuration       prometheus.Histogram
	CatalogSize        prometheus.Gauge
	Coalesced          prometheus.Counter
	FactorDegradations *prometheus.CounterVec

	Checkouts        prometheus.Counter
	CheckoutLines    prometheus.Counter
	Revenue          prometheus.Counter
	Rejected         *prometheus.CounterVec

	SubscriberFailures *prometheus.CounterVec
	HTTPRequests       *prometheus.CounterVec
	HTTPDuration       *prometheus.HistogramVec
}

// New creates the collectors on a private registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "ticks_total",
			Help:      "Recompute ticks by trigger reason",
		}, []string{"reason"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "tick_duration_seconds",
			Help:      "Time spent recomputing the catalog",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		}),
		CatalogSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "listings",
			Help:      "Listings in the latest snapshot",
		}),
		Coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "recompute_coalesced_total",
			Help:      "Immediate recompute requests merged into a pending one",
		}),
		FactorDegradations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "factor_degraded_total",
			Help:      "Factors that fell back to the neutral value",
		}, []string{"factor"}),
		Checkouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "checkout",
			Name:      "committed_total",
			Help:      "Committed transactions",
		}),
		CheckoutLines: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "checkout",
			Name:      "lines_total",
			Help:      "Cart lines in committed transactions",
		}),
		Revenue: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "checkout",
			Name:      "revenue_total",
			Help:      "Sum of committed transaction totals",
		}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "checkout",
			Name:      "rejected_total",
			Help:      "Rejected checkouts by reason",
		}, []string{"reason"}),
		SubscriberFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "subscriber_failures_total",
			Help:      "Snapshot deliveries that returned an error or panicked",
		}, []string{"subscriber"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		m.Ticks, m.TickDuration, m.CatalogSize, m.Coalesced, m.FactorDegradations,
		m.Checkouts, m.CheckoutLines, m.Revenue, m.Rejected,
		m.SubscriberFailures, m.HTTPRequests, m.HTTPDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// TickCompleted implements pricing.Recorder.
func (m *Metrics) TickCompleted(reason string, elapsed time.Duration, listings int) {
	m.Ticks.WithLabelValues(reason).Inc()
	m.TickDuration.Observe(elapsed.Seconds())
	m.CatalogSize.Set(float64(listings))
}

// RecomputeCoalesced implements pricing.Recorder.
func (m *Metrics) RecomputeCoalesced() { m.Coalesced.Inc() }

// FactorDegraded implements pricing.Recorder.
func (m *Metrics) FactorDegraded(factor string) {
	m.FactorDegradations.WithLabelValues(factor).Inc()
}

// CheckoutCompleted implements service.CheckoutRecorder.
func (m *Metrics) CheckoutCompleted(lines int, total decimal.Decimal) {
	m.Checkouts.Inc()
	m.CheckoutLines.Add(float64(lines))
	m.Revenue.Add(total.InexactFloat64())
}

// CheckoutRejected implements service.CheckoutRecorder.
func (m *Metrics) CheckoutRejected(reason string) {
	m.Rejected.WithLabelValues(reason).Inc()
}

// SubscriberFailed counts a failed bus delivery.
func (m *Metrics) SubscriberFailed(name string) {
	m.SubscriberFailures.WithLabelValues(name).Inc()
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(route string, status int, elapsed time.Duration) {
	m.HTTPRequests.WithLabelValues(route, statusClass(status)).Inc()
	m.HTTPDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
