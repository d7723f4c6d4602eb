package logs

import "github.com/prometheus/client_golang/prometheus"

// Metrics captures ingest and fan-out counters.
type Metrics struct {
	ingested    prometheus.Counter
	completions prometheus.Counter
	dropped     prometheus.Counter
	subscribers prometheus.Gauge
}

// NewMetrics registers log pipeline collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ingested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deployflow",
			Subsystem: "logs",
			Name:      "events_ingested_total",
			Help:      "Log events appended to the durable store.",
		}),
		completions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deployflow",
			Subsystem: "logs",
			Name:      "completions_total",
			Help:      "Synthesized deployment-live events.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "deployflow",
			Subsystem: "logs",
			Name:      "subscriber_dropped_events_total",
			Help:      "Live events dropped because a subscriber fell behind.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "deployflow",
			Subsystem: "logs",
			Name:      "active_subscribers",
			Help:      "Currently attached log subscribers.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.ingested, m.completions, m.dropped, m.subscribers)
	}
	return m
}

func (m *Metrics) incIngested() {
	if m != nil {
		m.ingested.Inc()
	}
}

func (m *Metrics) incCompletions() {
	if m != nil {
		m.completions.Inc()
	}
}

func (m *Metrics) addDropped(n int64) {
	if m != nil && n > 0 {
		m.dropped.Add(float64(n))
	}
}

func (m *Metrics) subscriberDelta(delta float64) {
	if m != nil {
		m.subscribers.Add(delta)
	}
}
