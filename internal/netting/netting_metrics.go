package netting

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the netting engine.
type Metrics struct {
	OpportunitiesTotal *prometheus.CounterVec
	CoordinatedTotal   *prometheus.CounterVec
	CapitalSavedUSD    prometheus.Counter
	ExecutionDuration  *prometheus.HistogramVec
}

// NewMetrics registers and returns netting metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		OpportunitiesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bulwark_netting_opportunities_total",
			Help: "Total opportunities found by scans, by type.",
		}, []string{"type"}),
		CoordinatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bulwark_coordinated_protections_total",
			Help: "Total strategy executions by type and result.",
		}, []string{"type", "result"}),
		CapitalSavedUSD: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bulwark_capital_saved_usd_total",
			Help: "Total USD saved by coordinated protections.",
		}),
		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bulwark_strategy_execution_seconds",
			Help:    "Duration of strategy executions in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms .. ~5s
		}, []string{"type"}),
	}

	reg.MustRegister(
		m.OpportunitiesTotal,
		m.CoordinatedTotal,
		m.CapitalSavedUSD,
		m.ExecutionDuration,
	)

	return m
}

// Hooks returns engine Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnScan: func(found map[Type]int) {
			for t, n := range found {
				m.OpportunitiesTotal.WithLabelValues(string(t)).Add(float64(n))
			}
		},
		OnExecuted: func(t Type, success bool, savings, duration float64) {
			result := "success"
			if !success {
				result = "failure"
			}
			m.CoordinatedTotal.WithLabelValues(string(t), result).Inc()
			m.ExecutionDuration.WithLabelValues(string(t)).Observe(duration)
			if success && savings > 0 {
				m.CapitalSavedUSD.Add(savings)
			}
		},
	}
}
