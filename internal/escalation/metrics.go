package escalation

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the escalation scheduler.
type Metrics struct {
	TicksTotal       *prometheus.CounterVec
	TickErrors       *prometheus.CounterVec
	TickDuration     *prometheus.HistogramVec
	CrossingsTotal   *prometheus.CounterVec
	EscalationsTotal *prometheus.CounterVec
	Tracked          *prometheus.GaugeVec
}

// NewMetrics registers and returns scheduler metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifeline_escalation_ticks_total",
			Help: "Scheduler ticks by record class.",
		}, []string{"class"}),
		TickErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifeline_escalation_tick_errors_total",
			Help: "Scheduler ticks that could not enumerate records.",
		}, []string{"class"}),
		TickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lifeline_escalation_tick_seconds",
			Help:    "Time spent in one scheduler tick.",
			Buckets: prometheus.DefBuckets,
		}, []string{"class"}),
		CrossingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifeline_sla_crossings_total",
			Help: "SLA threshold crossings acted on, by class, phase and level.",
		}, []string{"class", "phase", "level"}),
		EscalationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifeline_escalations_total",
			Help: "Escalations to the next role in the chain.",
		}, []string{"class", "role"}),
		Tracked: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lifeline_escalation_tracked_records",
			Help: "Active records the scheduler is tracking.",
		}, []string{"class"}),
	}

	reg.MustRegister(
		m.TicksTotal,
		m.TickErrors,
		m.TickDuration,
		m.CrossingsTotal,
		m.EscalationsTotal,
		m.Tracked,
	)

	return m
}

func (m *Metrics) tick(class Class, d time.Duration, tracked int, err error) {
	if m == nil {
		return
	}
	m.TicksTotal.WithLabelValues(string(class)).Inc()
	m.TickDuration.WithLabelValues(string(class)).Observe(d.Seconds())
	if err != nil {
		m.TickErrors.WithLabelValues(string(class)).Inc()
		return
	}
	m.Tracked.WithLabelValues(string(class)).Set(float64(tracked))
}

func (m *Metrics) crossing(class Class, phase, level string) {
	if m == nil {
		return
	}
	m.CrossingsTotal.WithLabelValues(string(class), phase, level).Inc()
}

func (m *Metrics) escalated(class Class, role string) {
	if m == nil {
		return
	}
	m.EscalationsTotal.WithLabelValues(string(class), role).Inc()
}
