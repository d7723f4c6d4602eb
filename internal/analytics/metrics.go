package analytics

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts analytics queue outcomes.
type Metrics struct {
	events *prometheus.CounterVec
}

// NewMetrics registers analytics collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deployflow",
			Subsystem: "analytics",
			Name:      "page_visits_total",
			Help:      "Page visit events by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.events)
	}
	return m
}

func (m *Metrics) add(outcome string, n int) {
	if m != nil && n > 0 {
		m.events.WithLabelValues(outcome).Add(float64(n))
	}
}

func (m *Metrics) incEnqueued()       { m.add("enqueued", 1) }
func (m *Metrics) incDropped()        { m.add("dropped", 1) }
func (m *Metrics) addDelivered(n int) { m.add("delivered", n) }
func (m *Metrics) addFailed(n int)    { m.add("failed", n) }
