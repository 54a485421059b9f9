package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// ==============================================================================
// Prometheus Metrics
// ==============================================================================

// UpdateMetrics collects counters and histograms for one process run
// and exports them in the node-exporter textfile format, so a scraper
// on the host picks up update outcomes without the CLI running a
// listener.
type UpdateMetrics struct {
	registry *prometheus.Registry

	// sessionsTotal counts finished sessions by terminal phase.
	sessionsTotal *prometheus.CounterVec

	// phaseDuration tracks per-phase latency by phase and outcome.
	phaseDuration *prometheus.HistogramVec

	// backupBytes tracks snapshot artifact sizes by store.
	backupBytes *prometheus.HistogramVec

	// verificationFailures counts images that failed signature checks.
	verificationFailures prometheus.Counter

	// rollbacksTotal counts rollbacks by result.
	rollbacksTotal *prometheus.CounterVec
}

// NewUpdateMetrics builds a metrics set on a private registry. A
// private registry keeps repeated construction in tests from panicking
// on duplicate registration.
func NewUpdateMetrics() *UpdateMetrics {
	reg := prometheus.NewRegistry()
	m := &UpdateMetrics{
		registry: reg,
		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cordillera_update_sessions_total",
			Help: "Total update sessions by terminal phase",
		}, []string{"phase", "strategy"}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cordillera_update_phase_duration_seconds",
			Help:    "Update phase duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14), // 100ms to ~13m
		}, []string{"phase", "outcome"}),
		backupBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cordillera_backup_size_bytes",
			Help:    "Backup artifact size in bytes by store",
			Buckets: prometheus.ExponentialBuckets(1024*1024, 4, 10),
		}, []string{"store"}),
		verificationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cordillera_signature_verification_failures_total",
			Help: "Total images that failed signature verification",
		}),
		rollbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cordillera_rollbacks_total",
			Help: "Total rollbacks by result",
		}, []string{"result"}),
	}
	reg.MustRegister(m.sessionsTotal, m.phaseDuration, m.backupBytes, m.verificationFailures, m.rollbacksTotal)
	return m
}

// ObserveSession records a session's terminal phase.
func (m *UpdateMetrics) ObserveSession(session *UpdateSession) {
	m.sessionsTotal.WithLabelValues(string(session.Phase), string(session.Strategy)).Inc()
}

// ObservePhase records one completed phase.
func (m *UpdateMetrics) ObservePhase(phase UpdatePhase, outcome PhaseOutcome, d time.Duration) {
	m.phaseDuration.WithLabelValues(string(phase), string(outcome)).Observe(d.Seconds())
}

// ObserveBackup records a snapshot artifact size.
func (m *UpdateMetrics) ObserveBackup(rec BackupRecord) {
	m.backupBytes.WithLabelValues(rec.StoreID).Observe(float64(rec.SizeBytes))
}

// ObserveVerificationFailures records failed image checks.
func (m *UpdateMetrics) ObserveVerificationFailures(n int) {
	m.verificationFailures.Add(float64(n))
}

// ObserveRollback records a rollback attempt's result.
func (m *UpdateMetrics) ObserveRollback(succeeded bool) {
	result := "success"
	if !succeeded {
		result = "failure"
	}
	m.rollbacksTotal.WithLabelValues(result).Inc()
}

// WriteTextfile renders the registry in the exposition format at path,
// via temp file and rename so a concurrent scrape never reads a partial
// file.
func (m *UpdateMetrics) WriteTextfile(path string) error {
	families, err := m.registry.Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating metrics directory: %w", err)
	}
	tmp := fmt.Sprintf("%s.tmp.%d", path, time.Now().UnixNano())
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating metrics file: %w", err)
	}

	enc := expfmt.NewEncoder(f, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, fam := range families {
		if err := enc.Encode(fam); err != nil {
			f.Close()
			_ = os.Remove(tmp)
			return fmt.Errorf("encoding metrics: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("closing metrics file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("committing metrics file: %w", err)
	}
	return nil
}
