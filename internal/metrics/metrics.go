// Package metrics exposes Prometheus metrics for feed sync runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "teamfeed"

// Run outcomes.
const (
	OutcomeSuccess      = "success"
	OutcomeMetadataOnly = "metadata_only"
	OutcomeError        = "error"
)

// Recorder owns a registry and the sync metrics registered on it. A nil
// *Recorder records nothing.
type Recorder struct {
	registry *prometheus.Registry

	runs          *prometheus.CounterVec
	runDuration   prometheus.Histogram
	fetchDuration *prometheus.HistogramVec
	fetchBytes    prometheus.Histogram
	reconciled    *prometheus.CounterVec
	skipped       prometheus.Counter
	inFlight      prometheus.Gauge
}

// New creates a Recorder on a fresh registry, with Go runtime and process
// collectors attached.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	auto := promauto.With(reg)

	return &Recorder{
		registry: reg,
		runs: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "runs_total",
			Help:      "Feed sync runs by outcome",
		}, []string{"outcome", "error_kind"}),
		runDuration: auto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "run_duration_seconds",
			Help:      "Wall time of one feed sync run",
			Buckets:   prometheus.DefBuckets,
		}),
		fetchDuration: auto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "duration_seconds",
			Help:      "Feed download latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"result"}),
		fetchBytes: auto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "body_bytes",
			Help:      "Size of downloaded feeds",
			Buckets:   prometheus.ExponentialBuckets(1024, 4, 8),
		}),
		reconciled: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "events_total",
			Help:      "Events handled by the reconciler by action",
		}, []string{"action"}),
		skipped: auto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "normalize",
			Name:      "skipped_events_total",
			Help:      "Feed entries dropped because they could not be normalized",
		}),
		inFlight: auto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "in_flight",
			Help:      "Feed sync runs currently executing",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// RunStarted marks a run in flight. Call the returned func with the outcome
// when it ends.
func (r *Recorder) RunStarted() func(outcome, errorKind string) {
	if r == nil {
		return func(string, string) {}
	}
	start := time.Now()
	r.inFlight.Inc()
	return func(outcome, errorKind string) {
		r.inFlight.Dec()
		r.runDuration.Observe(time.Since(start).Seconds())
		r.runs.WithLabelValues(outcome, errorKind).Inc()
	}
}

func (r *Recorder) ObserveFetch(d time.Duration, size int, err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	} else {
		r.fetchBytes.Observe(float64(size))
	}
	r.fetchDuration.WithLabelValues(result).Observe(d.Seconds())
}

func (r *Recorder) ObserveReconcile(inserted, updated, deleted, unchanged int) {
	if r == nil {
		return
	}
	r.reconciled.WithLabelValues("inserted").Add(float64(inserted))
	r.reconciled.WithLabelValues("updated").Add(float64(updated))
	r.reconciled.WithLabelValues("deleted").Add(float64(deleted))
	r.reconciled.WithLabelValues("unchanged").Add(float64(unchanged))
}

func (r *Recorder) ObserveSkipped(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.skipped.Add(float64(n))
}
