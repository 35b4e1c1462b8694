package signstream

import "github.com/prometheus/client_golang/prometheus"

// Metrics tracks stream connections and requests.
type Metrics struct {
	conns    prometheus.Gauge
	requests *prometheus.CounterVec
}

// NewMetrics registers stream collectors on reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		conns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "custodian",
			Subsystem: "signstream",
			Name:      "connections",
			Help:      "Open signing stream connections.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "custodian",
			Subsystem: "signstream",
			Name:      "requests_total",
			Help:      "Stream sign requests by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.conns, m.requests)
	}
	return m
}

func (m *Metrics) opened() {
	if m != nil {
		m.conns.Inc()
	}
}

func (m *Metrics) closed() {
	if m != nil {
		m.conns.Dec()
	}
}

func (m *Metrics) request(result string) {
	if m != nil {
		m.requests.WithLabelValues(result).Inc()
	}
}
