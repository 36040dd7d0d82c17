package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the engine's Prometheus collectors.
type Metrics struct {
	Runs        *prometheus.CounterVec
	Decisions   *prometheus.CounterVec
	Applies     *prometheus.CounterVec
	Rollbacks   prometheus.Counter
	LastRunSize prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "feepilot",
			Name:      "runs_total",
			Help:      "Evaluation runs by trigger reason.",
		}, []string{"reason", "dry_run"}),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "feepilot",
			Name:      "decisions_total",
			Help:      "Per-channel decisions by outcome bucket.",
		}, []string{"bucket"}),
		Applies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "feepilot",
			Name:      "applies_total",
			Help:      "Policy changes by execution outcome.",
		}, []string{"outcome"}),
		Rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "feepilot",
			Name:      "rollbacks_total",
			Help:      "Transactions rolled back, auto and manual.",
		}),
		LastRunSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "feepilot",
			Name:      "last_run_channels",
			Help:      "Channels evaluated in the most recent run.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Runs, m.Decisions, m.Applies, m.Rollbacks, m.LastRunSize)
	}
	return m
}

func (m *Metrics) ObserveRun(summary *RunSummary) {
	if m == nil || summary == nil {
		return
	}
	dry := "false"
	if summary.DryRun {
		dry = "true"
	}
	m.Runs.WithLabelValues(summary.Reason, dry).Inc()
	m.Decisions.WithLabelValues("no_action").Add(float64(summary.NoAction))
	m.Decisions.WithLabelValues("recommended").Add(float64(summary.Recommended))
	m.Decisions.WithLabelValues("rejected").Add(float64(summary.Rejected))
	m.Applies.WithLabelValues("applied").Add(float64(summary.Applied))
	m.Applies.WithLabelValues("dry_run").Add(float64(summary.DryRunCount))
	m.Applies.WithLabelValues("failed").Add(float64(summary.Errors))
	m.Rollbacks.Add(float64(summary.RolledBack))
	m.LastRunSize.Set(float64(summary.Evaluated))
}
