// Package metrics exposes the runtime's Prometheus surface: a handful of
// counters/gauges registered once and updated as the runtime operates,
// served over /metrics with promhttp.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the runtime updates.
type Metrics struct {
	AcceptorTicks     prometheus.Counter
	Accepts           prometheus.Counter
	JobsByType        *prometheus.CounterVec
	NodeStoreOps      *prometheus.CounterVec
	NodeStoreEntries  prometheus.Gauge
	DispatcherQueue   prometheus.Gauge
	DispatcherDropped prometheus.Gauge
	GraceQueueDepth   prometheus.Gauge
	DelayedQueueDepth prometheus.Gauge
	CPUPercent        prometheus.Gauge
	MemoryBytes       prometheus.Gauge
	GoroutineCount    prometheus.Gauge
}

// New registers every collector against a dedicated registry (never the
// global default, so multiple Metrics instances can coexist in tests).
func New() (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		AcceptorTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opcua_acceptor_ticks_total",
			Help: "Number of Acceptor.GetJobs ticks executed.",
		}),
		Accepts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opcua_acceptor_accepts_total",
			Help: "Number of connections accepted.",
		}),
		JobsByType: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opcua_jobs_total",
			Help: "Jobs produced by the acceptor, by type.",
		}, []string{"type"}),
		NodeStoreOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opcua_nodestore_ops_total",
			Help: "NodeStore operations, by kind and outcome.",
		}, []string{"op", "outcome"}),
		NodeStoreEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "opcua_nodestore_entries",
			Help: "Current number of reachable NodeStore entries.",
		}),
		DispatcherQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "opcua_dispatcher_queue_depth",
			Help: "Current dispatcher task queue depth.",
		}),
		DispatcherDropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "opcua_dispatcher_dropped_total",
			Help: "Cumulative jobs dropped because the dispatcher queue was full or the dispatch limiter rejected them.",
		}),
		GraceQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "opcua_reclaim_grace_pending",
			Help: "Grace-period callbacks awaiting a quiescent epoch.",
		}),
		DelayedQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "opcua_reclaim_delayed_pending",
			Help: "Delayed-free callbacks awaiting prior job completion.",
		}),
		CPUPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "opcua_resourceguard_cpu_percent",
			Help: "Sampled system-wide CPU utilization percent.",
		}),
		MemoryBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "opcua_resourceguard_memory_bytes",
			Help: "Process resident memory in bytes; no sampler in this runtime sets it.",
		}),
		GoroutineCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "opcua_resourceguard_goroutines",
			Help: "Current goroutine count.",
		}),
	}
	reg.MustRegister(
		m.AcceptorTicks, m.Accepts, m.JobsByType, m.NodeStoreOps, m.NodeStoreEntries,
		m.DispatcherQueue, m.DispatcherDropped, m.GraceQueueDepth, m.DelayedQueueDepth,
		m.CPUPercent, m.MemoryBytes, m.GoroutineCount,
	)
	return m, reg
}

// Handler returns the /metrics HTTP handler for reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
