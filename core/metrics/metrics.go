// Package metrics renders a finished run as a Prometheus textfile for the
// node exporter textfile collector.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	schemarunreport "github.com/davidahmann/postwatch/core/schema/v1/runreport"
)

const namespace = "postwatch"

// Run holds the collectors for one run. Each run gets a fresh registry so the
// textfile only ever describes the latest run.
type Run struct {
	Registry *prometheus.Registry

	Info           *prometheus.GaugeVec
	Success        prometheus.Gauge
	Duration       prometheus.Gauge
	EndTimestamp   prometheus.Gauge
	StageDuration  *prometheus.GaugeVec
	DiffRecords    *prometheus.GaugeVec
	RankedRecords  *prometheus.GaugeVec
	Artifacts      prometheus.Gauge
	ArtifactBytes  prometheus.Gauge
	PointerWriteOK *prometheus.GaugeVec
}

func NewRun() *Run {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Run{
		Registry: registry,
		Info: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_info",
			Help:      "Identity and status of the last run",
		}, []string{"run_id", "status", "failed_stage"}),
		Success: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_success",
			Help:      "1 when the last run finished with status success",
		}),
		Duration: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of the last run",
		}),
		EndTimestamp: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_end_timestamp_seconds",
			Help:      "Unix time the last run finished",
		}),
		StageDuration: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of each stage in the last run",
		}, []string{"stage"}),
		DiffRecords: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "diff_records",
			Help:      "Records added, changed or removed against the baseline",
		}, []string{"scope", "kind"}),
		RankedRecords: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ranked_records",
			Help:      "Records in the current ranked output",
		}, []string{"scope"}),
		Artifacts: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "verifiable_artifacts",
			Help:      "Artifacts recorded in the last manifest",
		}),
		ArtifactBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "verifiable_artifact_bytes",
			Help:      "Total size of recorded artifacts",
		}),
		PointerWriteOK: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "publish_pointer_ok",
			Help:      "1 when the remote pointer for a scope advanced",
		}, []string{"scope"}),
	}
}

// Observe copies a finalized manifest into the collectors.
func (r *Run) Observe(manifest schemarunreport.Manifest) {
	r.Info.WithLabelValues(manifest.RunID, manifest.Status, manifest.FailedStage).Set(1)
	if manifest.Status == schemarunreport.StatusSuccess {
		r.Success.Set(1)
	} else {
		r.Success.Set(0)
	}
	if !manifest.EndedAt.IsZero() {
		r.EndTimestamp.Set(float64(manifest.EndedAt.Unix()))
		if !manifest.StartedAt.IsZero() {
			r.Duration.Set(manifest.EndedAt.Sub(manifest.StartedAt).Seconds())
		}
	}
	for stage, seconds := range manifest.StageDurations {
		r.StageDuration.WithLabelValues(stage).Set(seconds)
	}
	for scope, counts := range manifest.DiffCounts {
		r.DiffRecords.WithLabelValues(scope, "added").Set(float64(counts.Added))
		r.DiffRecords.WithLabelValues(scope, "changed").Set(float64(counts.Changed))
		r.DiffRecords.WithLabelValues(scope, "removed").Set(float64(counts.Removed))
	}
	for scope, summary := range manifest.DeltaSummary {
		r.RankedRecords.WithLabelValues(scope).Set(float64(summary.RankedTotal))
	}
	var total int64
	for _, artifact := range manifest.VerifiableArtifacts {
		total += artifact.Bytes
	}
	r.Artifacts.Set(float64(len(manifest.VerifiableArtifacts)))
	r.ArtifactBytes.Set(float64(total))
	for scope, result := range manifest.Publish.PointerWrite {
		value := 0.0
		if result == schemarunreport.PointerWriteOK {
			value = 1
		}
		r.PointerWriteOK.WithLabelValues(scope).Set(value)
	}
}

// WriteRun renders manifest to a textfile at path.
func WriteRun(path string, manifest schemarunreport.Manifest) error {
	run := NewRun()
	run.Observe(manifest)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, run.Registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
