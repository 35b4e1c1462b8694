package provision

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts provisioning outcomes by branch.
type Metrics struct {
	outcomes *prometheus.CounterVec
}

// NewMetrics registers provisioning collectors on reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "custodian",
			Subsystem: "provision",
			Name:      "requests_total",
			Help:      "Provisioning requests by branch and result kind.",
		}, []string{"branch", "result"}),
	}
	if reg != nil {
		reg.MustRegister(m.outcomes)
	}
	return m
}

func (m *Metrics) record(branch Branch, result string) {
	if m == nil {
		return
	}
	if branch == "" {
		branch = "none"
	}
	m.outcomes.WithLabelValues(string(branch), result).Inc()
}
