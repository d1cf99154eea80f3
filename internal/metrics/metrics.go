// Package metrics exposes run and entity counters for Prometheus scraping
// when the ETL runs as a long-lived server.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jconover/medrobotics-etl/internal/model"
)

// Collector records run outcomes. It implements etl.Observer.
type Collector struct {
	registry *prometheus.Registry

	Runs            *prometheus.CounterVec
	RunDuration     *prometheus.HistogramVec
	RecordsLoaded   *prometheus.CounterVec
	RecordsRejected *prometheus.CounterVec
	EntityDuration  *prometheus.HistogramVec
	EntityFailures  *prometheus.CounterVec
	FilesSkipped    prometheus.Counter
	InFlight        prometheus.Gauge
	LastSuccess     *prometheus.GaugeVec
}

// NewCollector creates a collector on its own registry.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "medetl"
	}
	c := &Collector{
		registry: prometheus.NewRegistry(),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished ETL runs by type and status",
		}, []string{"etl_type", "status"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of ETL runs",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"etl_type"}),
		RecordsLoaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_loaded_total",
			Help:      "Warehouse rows inserted by entity",
		}, []string{"entity"}),
		RecordsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_rejected_total",
			Help:      "Records rejected during transform by entity",
		}, []string{"entity"}),
		EntityDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "entity_duration_seconds",
			Help:      "Wall time of one entity pipeline",
			Buckets:   prometheus.DefBuckets,
		}, []string{"entity"}),
		EntityFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entity_failures_total",
			Help:      "Failed entity pipelines by entity and error kind",
		}, []string{"entity", "kind"}),
		FilesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_files_skipped_total",
			Help:      "Telemetry files that could not be read or decoded",
		}),
		InFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_in_flight",
			Help:      "Runs currently executing",
		}),
		LastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful run by type",
		}, []string{"etl_type"}),
	}

	c.registry.MustRegister(
		c.Runs, c.RunDuration, c.RecordsLoaded, c.RecordsRejected,
		c.EntityDuration, c.EntityFailures, c.FilesSkipped, c.InFlight, c.LastSuccess,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// RunStarted implements etl.Observer.
func (c *Collector) RunStarted(context.Context, *model.RunResult) error {
	c.InFlight.Inc()
	return nil
}

// EntityFinished implements etl.Observer.
func (c *Collector) EntityFinished(_ context.Context, _ string, e model.EntityResult) error {
	c.RecordsLoaded.WithLabelValues(e.Entity).Add(float64(e.Inserted))
	c.RecordsRejected.WithLabelValues(e.Entity).Add(float64(e.Rejected))
	if e.FilesSkipped > 0 {
		c.FilesSkipped.Add(float64(e.FilesSkipped))
	}
	if d, err := time.ParseDuration(e.Elapsed); err == nil {
		c.EntityDuration.WithLabelValues(e.Entity).Observe(d.Seconds())
	}
	if e.Status == model.EntityFailed {
		c.EntityFailures.WithLabelValues(e.Entity, e.ErrorKind).Inc()
	}
	return nil
}

// RunFinished implements etl.Observer.
func (c *Collector) RunFinished(_ context.Context, run *model.RunResult) error {
	c.InFlight.Dec()
	c.Runs.WithLabelValues(string(run.ETLType), string(run.Status)).Inc()

	started, err1 := time.Parse(time.RFC3339, run.Timestamp)
	finished, err2 := time.Parse(time.RFC3339, run.FinishedAt)
	if err1 == nil && err2 == nil {
		c.RunDuration.WithLabelValues(string(run.ETLType)).Observe(finished.Sub(started).Seconds())
		if run.Status == model.RunStatusSuccess {
			c.LastSuccess.WithLabelValues(string(run.ETLType)).Set(float64(finished.Unix()))
		}
	}
	return nil
}
