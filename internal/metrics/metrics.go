package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Settlement outcomes
const (
	OutcomeConfirmed = "confirmed"
	OutcomeReplayed  = "replayed"
	OutcomeParked    = "parked"
	OutcomeDenied    = "denied"
	OutcomeFailed    = "failed"
	OutcomeRejected  = "rejected"
	OutcomeExpired   = "expired"
)

type Metrics struct {
	HTTPRequests *prometheus.CounterVec
	HTTPLatency  *prometheus.HistogramVec
	Settlements  *prometheus.CounterVec
}

// New creates collectors and registers them with reg.
// Nil reg gives working but unregistered collectors, handy in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "machinepay_http_requests_total",
			Help: "Total HTTP requests",
		}, []string{"method", "route", "status"}),

		HTTPLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "machinepay_http_request_duration_seconds",
			Help:    "Request latency",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"method", "route"}),

		Settlements: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "machinepay_settlements_total",
			Help: "Settlement attempts by outcome",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) Settlement(outcome string) {
	m.Settlements.WithLabelValues(outcome).Inc()
}
