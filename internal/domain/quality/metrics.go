package quality

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for quality runs. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	// Rule evaluations by rule name and status
	RuleResults *prometheus.CounterVec

	// Runs by outcome: success, upstream_fetch, catalog_sync
	Runs *prometheus.CounterVec

	RunDuration prometheus.Histogram
}

// NewMetrics registers the quality metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RuleResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "quality_rule_results_total",
			Help: "Total rule evaluations by rule and result status",
		}, []string{"rule", "status"}),

		Runs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "quality_runs_total",
			Help: "Total table quality runs by outcome",
		}, []string{"outcome"}),

		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "quality_run_duration_seconds",
			Help:    "Duration of a table quality run including sampling and catalog sync",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
	}
}

// ObserveResult records one rule evaluation.
func (m *Metrics) ObserveResult(rule string, status Status) {
	if m != nil {
		m.RuleResults.WithLabelValues(rule, string(status)).Inc()
	}
}

// ObserveRun records a finished run.
func (m *Metrics) ObserveRun(outcome string, d time.Duration) {
	if m != nil {
		m.Runs.WithLabelValues(outcome).Inc()
		m.RunDuration.Observe(d.Seconds())
	}
}
