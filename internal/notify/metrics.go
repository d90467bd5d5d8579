package notify

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for notification delivery.
type Metrics struct {
	DeliveriesTotal  *prometheus.CounterVec
	AttemptsTotal    *prometheus.CounterVec
	DeliveryDuration *prometheus.HistogramVec
	CuesTotal        *prometheus.CounterVec
}

// NewMetrics registers and returns notification metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifeline_notifications_total",
			Help: "Notification outcomes by channel and status.",
		}, []string{"channel", "status"}),
		AttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifeline_notification_attempts_total",
			Help: "Provider send attempts by channel, including retries.",
		}, []string{"channel"}),
		DeliveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lifeline_notification_duration_seconds",
			Help:    "Time to deliver one notification including retries.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"channel"}),
		CuesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifeline_operator_cues_total",
			Help: "Operator cue announcements by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.DeliveriesTotal,
		m.AttemptsTotal,
		m.DeliveryDuration,
		m.CuesTotal,
	)

	return m
}

func (m *Metrics) delivered(channel string, st Status, d time.Duration) {
	if m == nil {
		return
	}
	m.DeliveriesTotal.WithLabelValues(channel, string(st)).Inc()
	if st != StatusSuppressed {
		m.DeliveryDuration.WithLabelValues(channel).Observe(d.Seconds())
	}
}

func (m *Metrics) attempt(channel string) {
	if m == nil {
		return
	}
	m.AttemptsTotal.WithLabelValues(channel).Inc()
}

func (m *Metrics) cue(result string) {
	if m == nil {
		return
	}
	m.CuesTotal.WithLabelValues(result).Inc()
}
