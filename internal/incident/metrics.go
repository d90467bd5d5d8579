package incident

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for incident lifecycle operations.
type Metrics struct {
	CreatedTotal     *prometheus.CounterVec
	TransitionsTotal *prometheus.CounterVec
	ConflictsTotal   prometheus.Counter
	CloseRejected    *prometheus.CounterVec
}

// NewMetrics registers and returns incident metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifeline_incidents_created_total",
			Help: "Incidents created by type and severity.",
		}, []string{"type", "severity"}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifeline_incident_transitions_total",
			Help: "Incident status transitions by source and target status.",
		}, []string{"from", "to"}),
		ConflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lifeline_incident_write_conflicts_total",
			Help: "Incident writes that lost a compare-and-swap and were retried.",
		}),
		CloseRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifeline_incident_close_rejected_total",
			Help: "Closure attempts rejected by the checklist gate, by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.CreatedTotal,
		m.TransitionsTotal,
		m.ConflictsTotal,
		m.CloseRejected,
	)

	return m
}

func (m *Metrics) created(inc *Incident) {
	if m == nil {
		return
	}
	m.CreatedTotal.WithLabelValues(string(inc.Type), string(inc.Severity)).Inc()
}

func (m *Metrics) transitioned(from, to Status) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) conflict() {
	if m == nil {
		return
	}
	m.ConflictsTotal.Inc()
}

func (m *Metrics) closeRejected(reason string) {
	if m == nil {
		return
	}
	m.CloseRejected.WithLabelValues(reason).Inc()
}
