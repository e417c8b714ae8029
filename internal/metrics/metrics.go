// Package metrics exposes Prometheus instrumentation for the worker pool
// and the run lifecycle.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so that several instances (tests,
// worker and coordinator in one process) never collide.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	activeWorkers *prometheus.GaugeVec
	queueLength   *prometheus.GaugeVec
	batches       *prometheus.CounterVec
	pathsStreamed prometheus.Counter
	runs          *prometheus.CounterVec
	runDuration   prometheus.Histogram
	tickerLookups *prometheus.CounterVec
}

// New creates a registry with Go runtime and process collectors plus the
// service metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{registry: reg}

	m.activeWorkers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mc_worker_pool_active_workers",
		Help: "Number of workers currently executing a batch",
	}, []string{"pool"})
	m.queueLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mc_worker_pool_queue_length",
		Help: "Number of submitted batches waiting for a worker",
	}, []string{"pool"})
	m.batches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mc_batches_total",
		Help: "Batches executed, by outcome",
	}, []string{"pool", "outcome"})
	m.pathsStreamed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mc_path_records_streamed_total",
		Help: "Path records forwarded to subscribers",
	})
	m.runs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mc_runs_total",
		Help: "Finished runs, by status",
	}, []string{"status"})
	m.runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mc_run_duration_seconds",
		Help:    "Wall-clock duration of completed runs",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	})
	m.tickerLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mc_ticker_lookups_total",
		Help: "Ticker metadata lookups, by result",
	}, []string{"result"})

	reg.MustRegister(m.activeWorkers, m.queueLength, m.batches, m.pathsStreamed, m.runs, m.runDuration, m.tickerLookups)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the HTTP handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) WorkerStarted(pool string) {
	if m != nil {
		m.activeWorkers.WithLabelValues(pool).Inc()
	}
}

func (m *Metrics) WorkerFinished(pool string) {
	if m != nil {
		m.activeWorkers.WithLabelValues(pool).Dec()
	}
}

// SetQueueLength records the number of pending batches.
func (m *Metrics) SetQueueLength(pool string, n int) {
	if m != nil {
		m.queueLength.WithLabelValues(pool).Set(float64(n))
	}
}

// BatchDone counts a finished batch.
func (m *Metrics) BatchDone(pool string, failed bool) {
	if m == nil {
		return
	}
	outcome := "succeeded"
	if failed {
		outcome = "failed"
	}
	m.batches.WithLabelValues(pool, outcome).Inc()
}

// PathsStreamed adds n forwarded path records.
func (m *Metrics) PathsStreamed(n int) {
	if m != nil {
		m.pathsStreamed.Add(float64(n))
	}
}

// RunFinished records the terminal status of a run and, for completed
// runs, its duration.
func (m *Metrics) RunFinished(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(status).Inc()
	if d > 0 {
		m.runDuration.Observe(d.Seconds())
	}
}

// TickerLookup counts a lookup by result (found, not_found, error).
func (m *Metrics) TickerLookup(result string) {
	if m != nil {
		m.tickerLookups.WithLabelValues(result).Inc()
	}
}
