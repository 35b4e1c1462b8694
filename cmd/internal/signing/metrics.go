package signing

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts signing batches and signed messages.
type Metrics struct {
	batches  *prometheus.CounterVec
	messages prometheus.Counter
}

// NewMetrics registers signing collectors on reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "custodian",
			Subsystem: "sign",
			Name:      "batches_total",
			Help:      "Signing batches by result kind.",
		}, []string{"result"}),
		messages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "custodian",
			Subsystem: "sign",
			Name:      "messages_total",
			Help:      "Messages signed.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.batches, m.messages)
	}
	return m
}

func (m *Metrics) batch(result string, n int) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(result).Inc()
	if n > 0 {
		m.messages.Add(float64(n))
	}
}
