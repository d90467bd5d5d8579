package alert

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the emergency alert pipeline.
type Metrics struct {
	TriggeredTotal   *prometheus.CounterVec
	TransitionsTotal *prometheus.CounterVec
	ProcessingTime   prometheus.Histogram
	ResponseTime     prometheus.Histogram
	LocationPings    *prometheus.CounterVec
	ConflictsTotal   prometheus.Counter
}

// NewMetrics registers and returns alert metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TriggeredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifeline_alerts_triggered_total",
			Help: "SOS alerts triggered by emergency type.",
		}, []string{"emergency_type"}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifeline_alert_transitions_total",
			Help: "Alert status transitions by source and target status.",
		}, []string{"from", "to"}),
		ProcessingTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lifeline_alert_processing_seconds",
			Help:    "Time from trigger to dispatch.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms .. ~25s
		}),
		ResponseTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lifeline_alert_response_seconds",
			Help:    "Time from trigger to operator acknowledgement.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s .. ~34m
		}),
		LocationPings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifeline_alert_location_pings_total",
			Help: "Location pings by outcome.",
		}, []string{"result"}),
		ConflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lifeline_alert_write_conflicts_total",
			Help: "Alert writes that lost a compare-and-swap and were retried.",
		}),
	}

	reg.MustRegister(
		m.TriggeredTotal,
		m.TransitionsTotal,
		m.ProcessingTime,
		m.ResponseTime,
		m.LocationPings,
		m.ConflictsTotal,
	)

	return m
}

func (m *Metrics) triggered(emergencyType string) {
	if m == nil {
		return
	}
	m.TriggeredTotal.WithLabelValues(emergencyType).Inc()
}

func (m *Metrics) transitioned(from, to Status) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) processed(d time.Duration) {
	if m == nil {
		return
	}
	m.ProcessingTime.Observe(d.Seconds())
}

func (m *Metrics) responded(d time.Duration) {
	if m == nil {
		return
	}
	m.ResponseTime.Observe(d.Seconds())
}

func (m *Metrics) ping(result string) {
	if m == nil {
		return
	}
	m.LocationPings.WithLabelValues(result).Inc()
}

func (m *Metrics) conflict() {
	if m == nil {
		return
	}
	m.ConflictsTotal.Inc()
}
