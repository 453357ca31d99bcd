package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"assetflow/internal/engine"
	"assetflow/internal/storage"
)

const namespace = "assetflow"

// Metrics owns a private registry. All methods are safe on a nil receiver so
// callers can run without metrics.
type Metrics struct {
	registry *prometheus.Registry

	runs             *prometheus.CounterVec
	runDuration      *prometheus.HistogramVec
	runsInflight     *prometheus.GaugeVec
	materializations *prometheus.CounterVec
	assetDuration    *prometheus.HistogramVec
	scheduleFired    *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Job runs by terminal outcome.",
		}, []string{"job", "outcome"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of job runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"job"}),
		runsInflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_inflight",
			Help:      "Job runs currently executing.",
		}, []string{"job"}),
		materializations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "asset_materializations_total",
			Help:      "Asset results by status.",
		}, []string{"asset", "status"}),
		assetDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "asset_compute_duration_seconds",
			Help:      "Wall time of asset materializations that ran.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"asset"}),
		scheduleFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_triggers_total",
			Help:      "Schedule ticks that submitted a run.",
		}, []string{"job"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.runs, m.runDuration, m.runsInflight, m.materializations, m.assetDuration, m.scheduleFired,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RunStarted(job string) {
	if m == nil {
		return
	}
	m.runsInflight.WithLabelValues(job).Inc()
}

// RunFinished records a completed run and its per-asset results.
func (m *Metrics) RunFinished(job string, res engine.RunResult) {
	if m == nil {
		return
	}
	m.runsInflight.WithLabelValues(job).Dec()
	outcome := "success"
	if !res.Succeeded() {
		outcome = "failure"
	}
	m.runs.WithLabelValues(job, outcome).Inc()
	m.runDuration.WithLabelValues(job).Observe(res.Duration().Seconds())
	for name, a := range res.Assets {
		m.materializations.WithLabelValues(name, string(a.Status)).Inc()
		if !a.StartedAt.IsZero() && !a.FinishedAt.IsZero() {
			m.assetDuration.WithLabelValues(name).Observe(a.FinishedAt.Sub(a.StartedAt).Seconds())
		}
	}
}

// RunRejected records a run the engine refused to start.
func (m *Metrics) RunRejected(job string) {
	if m == nil {
		return
	}
	m.runsInflight.WithLabelValues(job).Dec()
	m.runs.WithLabelValues(job, "rejected").Inc()
}

func (m *Metrics) ScheduleFired(job string) {
	if m == nil {
		return
	}
	m.scheduleFired.WithLabelValues(job).Inc()
}

// WatchCache exports a cached store's counters.
func (m *Metrics) WatchCache(c *storage.CachedStore) {
	if m == nil || c == nil {
		return
	}
	counter := func(name, help string, read func(storage.CacheMetricsSnapshot) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage_cache",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(read(c.Metrics())) })
	}
	m.registry.MustRegister(
		counter("hits_total", "Reads served from the cache.", func(s storage.CacheMetricsSnapshot) uint64 { return s.Hits }),
		counter("misses_total", "Reads that went to the origin.", func(s storage.CacheMetricsSnapshot) uint64 { return s.Misses }),
		counter("origin_errors_total", "Origin read and write failures.", func(s storage.CacheMetricsSnapshot) uint64 {
			return s.OriginReadErr + s.OriginWriteErr
		}),
	)
}
