package agent

import "github.com/prometheus/client_golang/prometheus"

var allStatuses = []Status{StatusRunning, StatusMock, StatusFailed, StatusStopped, StatusError}

// Metrics holds Prometheus metrics for the agent supervisor.
type Metrics struct {
	AgentStatus   *prometheus.GaugeVec
	RestartsTotal *prometheus.CounterVec
}

// NewMetrics registers and returns supervisor metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AgentStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bulwark_agent_up",
			Help: "1 for the agent's current status, 0 otherwise.",
		}, []string{"agent", "status"}),
		RestartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bulwark_agent_restarts_total",
			Help: "Total agent restart attempts by result.",
		}, []string{"agent", "result"}),
	}

	reg.MustRegister(m.AgentStatus, m.RestartsTotal)
	return m
}

// Hooks returns supervisor Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnStatus: func(name string, status Status) {
			for _, s := range allStatuses {
				v := 0.0
				if s == status {
					v = 1
				}
				m.AgentStatus.WithLabelValues(name, string(s)).Set(v)
			}
		},
		OnRestart: func(name string, ok bool) {
			result := "success"
			if !ok {
				result = "failure"
			}
			m.RestartsTotal.WithLabelValues(name, result).Inc()
		},
	}
}
