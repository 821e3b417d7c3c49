// Package metrics holds the Prometheus collectors of the governance pipeline.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// #region metrics
// Metrics owns a private registry so several pipelines can coexist in one
// process (and in parallel tests).
type Metrics struct {
	registry *prometheus.Registry

	verdicts      *prometheus.CounterVec
	commits       *prometheus.CounterVec
	applyFailures *prometheus.CounterVec
	lockWait      prometheus.Histogram
	lockTimeouts  prometheus.Counter
	migrations    *prometheus.CounterVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		verdicts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "soulseed_gate_verdicts_total",
			Help: "Gate verdicts by domain and verdict",
		}, []string{"domain", "verdict"}),
		commits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "soulseed_commits_total",
			Help: "Governance transactions by mode",
		}, []string{"mode"}),
		applyFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "soulseed_apply_failures_total",
			Help: "Deltas downgraded to rejections by an I/O failure",
		}, []string{"domain"}),
		lockWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "soulseed_lock_wait_seconds",
			Help:    "Time spent acquiring the persona write lock",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}),
		lockTimeouts: f.NewCounter(prometheus.CounterOpts{
			Name: "soulseed_lock_timeouts_total",
			Help: "Persona write lock acquisitions that timed out",
		}),
		migrations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "soulseed_migrations_total",
			Help: "Migration and rollback attempts by outcome",
		}, []string{"op", "status"}),
	}
}

// Registry exposes the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveVerdict(domain, verdict string) {
	if m == nil {
		return
	}
	m.verdicts.WithLabelValues(domain, verdict).Inc()
}

func (m *Metrics) IncCommit(mode string) {
	if m == nil {
		return
	}
	m.commits.WithLabelValues(mode).Inc()
}

func (m *Metrics) IncApplyFailure(domain string) {
	if m == nil {
		return
	}
	m.applyFailures.WithLabelValues(domain).Inc()
}

func (m *Metrics) ObserveLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(d.Seconds())
}

func (m *Metrics) IncLockTimeout() {
	if m == nil {
		return
	}
	m.lockTimeouts.Inc()
}

func (m *Metrics) IncMigration(op, status string) {
	if m == nil {
		return
	}
	m.migrations.WithLabelValues(op, status).Inc()
}

// WriteTextfile dumps the registry in the node-exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

// #endregion metrics
