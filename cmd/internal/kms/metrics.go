package kms

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeOK      = "ok"
	outcomeError   = "error"
	outcomeTimeout = "timeout"
)

// Metrics records KMS call latency and outcomes.
type Metrics struct {
	latency *prometheus.HistogramVec
	calls   *prometheus.CounterVec
}

// NewMetrics registers KMS collectors on reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "custodian",
			Subsystem: "kms",
			Name:      "call_duration_seconds",
			Help:      "Latency of KMS encrypt/decrypt calls.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"op"}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "custodian",
			Subsystem: "kms",
			Name:      "calls_total",
			Help:      "KMS calls by operation and outcome.",
		}, []string{"op", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.latency, m.calls)
	}
	return m
}

func (m *Metrics) observe(op, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.latency.WithLabelValues(op).Observe(d.Seconds())
	m.calls.WithLabelValues(op, outcome).Inc()
}
