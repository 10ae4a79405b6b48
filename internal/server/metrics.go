package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PromMetrics feeds session lifecycle counters into Prometheus.
type PromMetrics struct {
	started  prometheus.Counter
	finished *prometheus.CounterVec
	active   prometheus.Gauge
}

// NewPromMetrics registers the research metrics on the given registerer.
func NewPromMetrics(reg prometheus.Registerer) *PromMetrics {
	m := &PromMetrics{
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "research_sessions_started_total",
			Help: "Research sessions accepted for execution.",
		}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "research_sessions_finished_total",
			Help: "Research sessions that reached a terminal status.",
		}, []string{"status"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "research_sessions_active",
			Help: "Research sessions currently running.",
		}),
	}
	reg.MustRegister(m.started, m.finished, m.active)
	return m
}

func (m *PromMetrics) SessionStarted() {
	m.started.Inc()
	m.active.Inc()
}

func (m *PromMetrics) SessionFinished(status string) {
	m.finished.WithLabelValues(status).Inc()
	m.active.Dec()
}
