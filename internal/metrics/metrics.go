// Package metrics exposes Prometheus collectors for the cache, the fetch
// dispatcher and the deferred mutation queue. Collectors live on a private
// registry so tests and multiple instances never collide on the default one.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "offline_hub"

// Metrics 同时实现 cache.Observer、dispatch.Observer 与 queue.Observer。
type Metrics struct {
	registry *prometheus.Registry

	cacheLookups   *prometheus.CounterVec
	cacheWrites    *prometheus.CounterVec
	cacheEvictions *prometheus.CounterVec
	dispatches     *prometheus.CounterVec
	replays        *prometheus.CounterVec
	pending        prometheus.Gauge
}

// New 创建并注册全部指标，附带 Go 运行时与进程指标。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Cache lookups by tier and result.",
		}, []string{"tier", "result"}),
		cacheWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "writes_total",
			Help:      "Cache writes by tier and result.",
		}, []string{"tier", "result"}),
		cacheEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Entries evicted to satisfy tier capacity.",
		}, []string{"tier"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "responses_total",
			Help:      "Dispatched responses by strategy and source.",
		}, []string{"strategy", "source"}),
		replays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "replay_attempts_total",
			Help:      "Mutation replay attempts by kind and outcome.",
		}, []string{"kind", "outcome"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "pending_mutations",
			Help:      "Mutations waiting for replay.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.cacheLookups,
		m.cacheWrites,
		m.cacheEvictions,
		m.dispatches,
		m.replays,
		m.pending,
	)
	return m
}

// Registry 返回私有注册表。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler 返回 Prometheus 文本格式的 HTTP handler。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveLookup(tierID, result string) {
	m.cacheLookups.WithLabelValues(tierID, result).Inc()
}

func (m *Metrics) ObserveWrite(tierID, result string) {
	m.cacheWrites.WithLabelValues(tierID, result).Inc()
}

func (m *Metrics) ObserveEviction(tierID string, count int) {
	m.cacheEvictions.WithLabelValues(tierID).Add(float64(count))
}

func (m *Metrics) ObserveDispatch(strategy, source string) {
	m.dispatches.WithLabelValues(strategy, source).Inc()
}

func (m *Metrics) ObserveReplay(kind, outcome string) {
	m.replays.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) SetPending(n int) {
	m.pending.Set(float64(n))
}
