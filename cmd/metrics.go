package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

const metricsJob = "db_backup"

// Metrics holds the per-process backup collectors on a private registry
type Metrics struct {
	registry *prometheus.Registry

	RowsExported   prometheus.Counter
	BytesExported  prometheus.Counter
	BytesUploaded  prometheus.Counter
	UploadAttempts prometheus.Counter
	Runs           *prometheus.CounterVec
	StageDuration  *prometheus.HistogramVec
	LastSuccess    prometheus.Gauge
}

// NewMetrics registers all collectors on a fresh registry
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RowsExported: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsJob,
			Name:      "rows_exported_total",
			Help:      "Rows written to CSV artifacts.",
		}),
		BytesExported: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsJob,
			Name:      "exported_bytes_total",
			Help:      "Bytes written to local export artifacts before encryption.",
		}),
		BytesUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsJob,
			Name:      "uploaded_bytes_total",
			Help:      "Encrypted bytes successfully uploaded to object storage.",
		}),
		UploadAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsJob,
			Name:      "upload_attempts_total",
			Help:      "Upload attempts, including retries.",
		}),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsJob,
			Name:      "runs_total",
			Help:      "Completed runs by outcome.",
		}, []string{"outcome"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsJob,
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each pipeline stage.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"stage"}),
		LastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsJob,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful upload.",
		}),
	}

	m.registry.MustRegister(
		m.RowsExported,
		m.BytesExported,
		m.BytesUploaded,
		m.UploadAttempts,
		m.Runs,
		m.StageDuration,
		m.LastSuccess,
	)
	return m
}

// Registry exposes the underlying registry as a gatherer
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveStage records time spent in state
func (m *Metrics) ObserveStage(state State, d time.Duration) {
	m.StageDuration.WithLabelValues(state.String()).Observe(d.Seconds())
}

// RecordResult counts a finished run
func (m *Metrics) RecordResult(r *Result) {
	m.Runs.WithLabelValues(r.Outcome.String()).Inc()
	if r.Success {
		m.LastSuccess.Set(float64(r.Finished.Unix()))
	}
}

// Push sends the registry to a Prometheus Pushgateway, grouped by table
func (m *Metrics) Push(ctx context.Context, url, table string) error {
	err := push.New(url, metricsJob).
		Gatherer(m.registry).
		Grouping("table", table).
		PushContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to push metrics to %s: %w", url, err)
	}
	return nil
}
