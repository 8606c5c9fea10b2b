// Package metrics provides Prometheus metrics for the backup setup tool.
// They are exported to a node_exporter textfile rather than served. Each run
// is a new process, so counters and timestamps are carried over from the
// previous textfile with Restore; histograms and Info describe the last run.
package metrics

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

// Registry holds every metric of this package.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	// RunAttempts tracks the total number of setup runs across processes.
	RunAttempts = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "rclone_backup_setup_runs_total",
		Help: "Total number of setup runs",
	}, []string{"status"})

	// RunDuration tracks how long each state of the last run took.
	RunDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rclone_backup_setup_duration_seconds",
		Help:    "Duration of setup states in the last run in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8), // 1ms to ~16s
	}, []string{"state"})

	// ArtifactChanges tracks what each writer did to its artifact.
	ArtifactChanges = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "rclone_backup_setup_artifact_changes_total",
		Help: "Artifact reconciliations by outcome",
	}, []string{"artifact", "action"})

	// PrerequisiteMissing tracks runs stopped by a missing prerequisite.
	PrerequisiteMissing = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "rclone_backup_setup_prerequisite_missing_total",
		Help: "Total number of failed prerequisite checks",
	}, []string{"check"})

	// LastSuccessTimestamp tracks when the last successful run finished.
	LastSuccessTimestamp = factory.NewGauge(prometheus.GaugeOpts{
		Name: "rclone_backup_setup_last_success_timestamp",
		Help: "Unix timestamp of the last successful setup run",
	})

	// LastFailureTimestamp tracks when the last failed run finished.
	LastFailureTimestamp = factory.NewGauge(prometheus.GaugeOpts{
		Name: "rclone_backup_setup_last_failure_timestamp",
		Help: "Unix timestamp of the last failed setup run",
	})

	// Info provides static information about the run.
	Info = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rclone_backup_setup_info",
		Help: "Information about the setup tool",
	}, []string{"version", "remote", "rclone_version"})
)

// RecordRun records a run with its status.
func RecordRun(success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	RunAttempts.WithLabelValues(status).Inc()
	now := float64(time.Now().Unix())
	if success {
		LastSuccessTimestamp.Set(now)
	} else {
		LastFailureTimestamp.Set(now)
	}
}

// RecordArtifact records one writer outcome.
func RecordArtifact(artifact, action string) {
	ArtifactChanges.WithLabelValues(artifact, action).Inc()
}

// ObserveState records the duration of a driver state.
func ObserveState(state string, d time.Duration) {
	RunDuration.WithLabelValues(state).Observe(d.Seconds())
}

// WriteTextfile writes all metrics to path in the text exposition format.
// The write is atomic, as node_exporter may read the file at any time.
func WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, Registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}

// Metrics that Restore carries over, by exported name.
var (
	cumulativeCounters = map[string]*prometheus.CounterVec{
		"rclone_backup_setup_runs_total":                 RunAttempts,
		"rclone_backup_setup_artifact_changes_total":     ArtifactChanges,
		"rclone_backup_setup_prerequisite_missing_total": PrerequisiteMissing,
	}
	cumulativeGauges = map[string]prometheus.Gauge{
		"rclone_backup_setup_last_success_timestamp": LastSuccessTimestamp,
		"rclone_backup_setup_last_failure_timestamp": LastFailureTimestamp,
	}
)

// Restore seeds the counters and timestamps from a textfile written by an
// earlier run. It must be called before the run records anything. A missing
// file is not an error.
func Restore(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to open metrics textfile: %w", err)
	}
	defer f.Close()

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(f)
	if err != nil {
		return fmt.Errorf("failed to parse metrics textfile: %w", err)
	}

	for name, vec := range cumulativeCounters {
		mf, ok := families[name]
		if !ok || mf.GetType() != dto.MetricType_COUNTER {
			continue
		}
		for _, m := range mf.GetMetric() {
			counter, err := vec.GetMetricWith(labelsOf(m))
			if err != nil {
				// Label set from an older version.
				continue
			}
			if v := m.GetCounter().GetValue(); v > 0 {
				counter.Add(v)
			}
		}
	}

	for name, gauge := range cumulativeGauges {
		mf, ok := families[name]
		if !ok || mf.GetType() != dto.MetricType_GAUGE || len(mf.GetMetric()) == 0 {
			continue
		}
		gauge.Set(mf.GetMetric()[0].GetGauge().GetValue())
	}

	return nil
}

func labelsOf(m *dto.Metric) prometheus.Labels {
	labels := make(prometheus.Labels, len(m.GetLabel()))
	for _, lp := range m.GetLabel() {
		labels[lp.GetName()] = lp.GetValue()
	}
	return labels
}
