package incident

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the incident pipeline.
type Metrics struct {
	IncidentsTotal   *prometheus.CounterVec
	PipelineDuration *prometheus.HistogramVec
	PipelineStages   prometheus.Histogram
	StageDuration    *prometheus.HistogramVec
	StagesTotal      *prometheus.CounterVec
	EventsTotal      *prometheus.CounterVec
}

// NewMetrics registers and returns incident metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		IncidentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bulwark_incidents_total",
			Help: "Total pipeline runs by final incident status.",
		}, []string{"status", "event_type"}),
		PipelineDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bulwark_pipeline_duration_seconds",
			Help:    "Duration of pipeline runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms .. ~20s
		}, []string{"status"}),
		PipelineStages: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bulwark_pipeline_stages",
			Help:    "Stages executed per pipeline run.",
			Buckets: prometheus.LinearBuckets(1, 1, 5), // 1 .. 5
		}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bulwark_stage_duration_seconds",
			Help:    "Duration of individual pipeline stages in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms .. ~2.5s
		}, []string{"stage"}),
		StagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bulwark_stages_total",
			Help: "Total stage executions by stage and outcome.",
		}, []string{"stage", "outcome"}),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bulwark_risk_events_total",
			Help: "Total risk events received by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.IncidentsTotal,
		m.PipelineDuration,
		m.PipelineStages,
		m.StageDuration,
		m.StagesTotal,
		m.EventsTotal,
	)

	return m
}

// Hooks returns a PipelineHooks that records the corresponding metrics.
func (m *Metrics) Hooks() PipelineHooks {
	return PipelineHooks{
		OnStage: func(stage Stage, duration float64, ok bool) {
			outcome := "success"
			if !ok {
				outcome = "failure"
			}
			m.StagesTotal.WithLabelValues(string(stage), outcome).Inc()
			m.StageDuration.WithLabelValues(string(stage)).Observe(duration)
		},
		OnComplete: func(e *CompleteEvent) {
			m.IncidentsTotal.WithLabelValues(string(e.Status), string(e.EventType)).Inc()
			m.PipelineDuration.WithLabelValues(string(e.Status)).Observe(e.Duration)
			m.PipelineStages.Observe(float64(e.Stages))
		},
	}
}

// ObserveEvent counts one ingested risk event. result is "accepted",
// "invalid" or "error".
func (m *Metrics) ObserveEvent(result string) {
	m.EventsTotal.WithLabelValues(result).Inc()
}
