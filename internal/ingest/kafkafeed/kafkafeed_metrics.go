package kafkafeed

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the risk event consumer.
type Metrics struct {
	MessagesTotal *prometheus.CounterVec
}

// NewMetrics registers and returns consumer metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bulwark_kafka_messages_total",
			Help: "Total risk event messages consumed, by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.MessagesTotal)
	return m
}

// Hooks returns consumer Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnMessage: func(result string) {
			m.MessagesTotal.WithLabelValues(result).Inc()
		},
	}
}
