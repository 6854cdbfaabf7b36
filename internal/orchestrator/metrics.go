package orchestrator

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for run orchestration.
type Metrics struct {
	InitiationsTotal *prometheus.CounterVec
	DecisionsTotal   *prometheus.CounterVec
	StatusReadsTotal *prometheus.CounterVec
	WaitsTotal       *prometheus.CounterVec
	ActiveRuns       prometheus.Gauge
}

// NewMetrics registers the orchestration metrics once per process.
//
// Metrics:
//   - validation_initiations_total{outcome} - started, deferred, replayed, rejected
//   - validation_decisions_total{kind} - approve, alternative, custom, override_proceed, kill_project, rejected
//   - validation_status_reads_total{status} - observed run status
//   - validation_waits_total{result} - paused, completed, failed, timeout, canceled, error
//   - validation_active_runs - tracked runs not yet terminal
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			InitiationsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "validation_initiations_total",
					Help: "Total run submissions by outcome",
				},
				[]string{"outcome"},
			),
			DecisionsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "validation_decisions_total",
					Help: "Total checkpoint decisions by kind",
				},
				[]string{"kind"},
			),
			StatusReadsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "validation_status_reads_total",
					Help: "Total status reads by observed run status",
				},
				[]string{"status"},
			),
			WaitsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "validation_waits_total",
					Help: "Total long-poll waits by result",
				},
				[]string{"result"},
			),
			ActiveRuns: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "validation_active_runs",
				Help: "Runs tracked in memory that have not reached a terminal status",
			}),
		}
	})
	return globalMetrics
}

func (m *Metrics) initiation(outcome string) {
	if m != nil {
		m.InitiationsTotal.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) decision(kind string) {
	if m != nil {
		m.DecisionsTotal.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) statusRead(status string) {
	if m != nil {
		m.StatusReadsTotal.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) wait(result string) {
	if m != nil {
		m.WaitsTotal.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) setActive(n int) {
	if m != nil {
		m.ActiveRuns.Set(float64(n))
	}
}
