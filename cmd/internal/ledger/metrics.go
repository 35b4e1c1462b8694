package ledger

import "github.com/prometheus/client_golang/prometheus"

// Metrics tracks replication progress.
type Metrics struct {
	rows      prometheus.Counter
	errors    prometheus.Counter
	watermark prometheus.Gauge
}

// NewMetrics registers ledger collectors on reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		rows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "custodian",
			Subsystem: "ledger",
			Name:      "rows_replicated_total",
			Help:      "Ledger rows applied to the local users table.",
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "custodian",
			Subsystem: "ledger",
			Name:      "sync_errors_total",
			Help:      "Failed replication rounds.",
		}),
		watermark: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "custodian",
			Subsystem: "ledger",
			Name:      "watermark_block",
			Help:      "Highest block number replicated locally.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.rows, m.errors, m.watermark)
	}
	return m
}

func (m *Metrics) applied(n int, watermark int64) {
	if m == nil {
		return
	}
	m.rows.Add(float64(n))
	m.watermark.Set(float64(watermark))
}

func (m *Metrics) failed() {
	if m == nil {
		return
	}
	m.errors.Inc()
}
