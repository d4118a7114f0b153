// Package metrics exposes dispatcher runtime observability data via
// Prometheus, the same collector library the teacher used for its
// invocation/VM metrics, refocused on the sandbox pool and dispatch path.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps the Prometheus collectors for the dispatcher.
type Metrics struct {
	registry *prometheus.Registry

	poolAcquireLatency *prometheus.HistogramVec
	poolAcquireTotal   *prometheus.CounterVec
	queueDepth         *prometheus.GaugeVec
	poolWarmSize       *prometheus.GaugeVec

	dispatchSourceTotal *prometheus.CounterVec
	executionDuration   *prometheus.HistogramVec
	executionTotal      *prometheus.CounterVec

	cleanupSweepTotal *prometheus.CounterVec

	uptime prometheus.GaugeFunc

	startTime time.Time
}

var defaultBuckets = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var global *Metrics

// Init builds the global Metrics registry. Must be called once at startup
// before any Record* helper is used; subsequent calls are ignored.
func Init(namespace string, buckets []float64) *Metrics {
	if global != nil {
		return global
	}
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry:  registry,
		startTime: time.Now(),

		poolAcquireLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pool_acquire_latency_milliseconds",
				Help:      "Time spent acquiring a sandbox from the warm pool or cold-starting one",
				Buckets:   buckets,
			},
			[]string{"language", "source"}, // source: warm, cold
		),

		poolAcquireTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_acquire_total",
				Help:      "Total pool acquisitions by outcome",
			},
			[]string{"language", "outcome"}, // outcome: warm_hit, cold_start, or the RecordPoolAcquireError reason (pool_miss)
		),

		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Number of acquisitions currently waiting for a sandbox, by language",
			},
			[]string{"language"},
		),

		poolWarmSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_warm_size",
				Help:      "Current warm sandbox count by language",
			},
			[]string{"language"},
		),

		dispatchSourceTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_source_total",
				Help:      "Executions by how the sandbox was obtained",
			},
			[]string{"language", "source"}, // source: pool_hit, pool_miss, job
		),

		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_milliseconds",
				Help:      "Duration of code executions in milliseconds",
				Buckets:   buckets,
			},
			[]string{"language", "status"}, // status: completed, failed, timeout
		),

		executionTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "execution_total",
				Help:      "Total code executions by outcome",
			},
			[]string{"language", "status"},
		),

		cleanupSweepTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cleanup_sweep_total",
				Help:      "Cleanup scheduler sweep outcomes",
			},
			[]string{"target", "outcome"}, // target: session, file, archived_state; outcome: reaped, skipped, error
		),
	}

	m.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the dispatcher daemon started",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)

	registry.MustRegister(
		m.poolAcquireLatency,
		m.poolAcquireTotal,
		m.queueDepth,
		m.poolWarmSize,
		m.dispatchSourceTotal,
		m.executionDuration,
		m.executionTotal,
		m.cleanupSweepTotal,
		m.uptime,
	)

	global = m
	return m
}

// Global returns the process-wide Metrics instance, or nil if Init was
// never called.
func Global() *Metrics {
	return global
}

// RecordPoolAcquire records the outcome and latency of a pool acquisition.
func (m *Metrics) RecordPoolAcquire(language, source string, durationMs int64) {
	if m == nil {
		return
	}
	m.poolAcquireLatency.WithLabelValues(language, source).Observe(float64(durationMs))
	outcome := "warm_hit"
	if source == "cold" {
		outcome = "cold_start"
	}
	m.poolAcquireTotal.WithLabelValues(language, outcome).Inc()
}

// RecordPoolAcquireError records a failed pool acquisition.
func (m *Metrics) RecordPoolAcquireError(language, reason string) {
	if m == nil {
		return
	}
	m.poolAcquireTotal.WithLabelValues(language, reason).Inc()
}

// SetQueueDepth sets the current wait-queue depth for language.
func (m *Metrics) SetQueueDepth(language string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(language).Set(float64(depth))
}

// SetPoolWarmSize sets the current warm sandbox count for language.
func (m *Metrics) SetPoolWarmSize(language string, count int) {
	if m == nil {
		return
	}
	m.poolWarmSize.WithLabelValues(language).Set(float64(count))
}

// RecordDispatch records how a dispatched execution obtained its sandbox.
func (m *Metrics) RecordDispatch(language, source string) {
	if m == nil {
		return
	}
	m.dispatchSourceTotal.WithLabelValues(language, source).Inc()
}

// RecordExecution records an execution's duration and terminal status.
func (m *Metrics) RecordExecution(language, status string, durationMs int64) {
	if m == nil {
		return
	}
	m.executionDuration.WithLabelValues(language, status).Observe(float64(durationMs))
	m.executionTotal.WithLabelValues(language, status).Inc()
}

// RecordCleanupSweep records one cleanup scheduler decision.
func (m *Metrics) RecordCleanupSweep(target, outcome string) {
	if m == nil {
		return
	}
	m.cleanupSweepTotal.WithLabelValues(target, outcome).Inc()
}

// Handler returns an HTTP handler for Prometheus scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying Prometheus registry for custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}
