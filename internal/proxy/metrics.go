package proxy

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Request outcomes.
const (
	OutcomeProxied             = "proxied"
	OutcomeNotFound            = "not_found"
	OutcomeRegistryUnavailable = "registry_unavailable"
	OutcomeOriginError         = "origin_error"
)

var histogramBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

// Metrics records edge request outcomes.
type Metrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	dropped  prometheus.Counter
}

// NewMetrics registers edge collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deployflow",
			Subsystem: "edge",
			Name:      "requests_total",
			Help:      "Edge requests by outcome.",
		}, []string{"outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "deployflow",
			Subsystem: "edge",
			Name:      "request_duration_seconds",
			Help:      "Edge request latency by outcome.",
			Buckets:   histogramBuckets,
		}, []string{"outcome"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deployflow",
			Subsystem: "edge",
			Name:      "visits_dropped_total",
			Help:      "Page visits not queued for analytics.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.latency, m.dropped)
	}
	return m
}

func (m *Metrics) observe(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
	m.latency.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) visitDropped() {
	if m != nil {
		m.dropped.Inc()
	}
}
