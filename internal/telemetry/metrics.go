// Package telemetry constructs the process's metrics registry and tracer as
// values threaded through components, never as package-level globals
// (spec.md §9's explicit redesign note).
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// warmupBuckets is the shared bucket set for the warmup and gate-queue
// histograms (spec.md §4.6).
var warmupBuckets = []float64{1, 10, 30, 60, 120, 300, 600}

// Metrics holds every counter, histogram, and gauge spec.md §4.6 names,
// bound to a single prometheus.Registry constructed once at process start.
type Metrics struct {
	registry *prometheus.Registry

	CacheHitTotal       prometheus.Counter
	CacheMissTotal      prometheus.Counter
	PrewarmSuccessTotal *prometheus.CounterVec

	WarmupLatencySeconds prometheus.Histogram
	GateQueueTimeSeconds prometheus.Histogram

	NVMeReadThroughputBytes prometheus.Gauge
	GPUIdleSeconds          prometheus.Gauge
}

// New constructs a Metrics value registered against a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		CacheHitTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "cache_hit_total",
			Help: "Number of dataset lookups that found the dataset already resident.",
		}),
		CacheMissTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "cache_miss_total",
			Help: "Number of dataset lookups that required a fetch.",
		}),
		PrewarmSuccessTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "prewarm_success_total",
			Help: "Number of datasets successfully pre-warmed, by dataset.",
		}, []string{"dataset"}),

		WarmupLatencySeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "warmup_latency_seconds",
			Help:    "Time spent fetching a dataset from miss to Present.",
			Buckets: warmupBuckets,
		}),
		GateQueueTimeSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "gate_queue_time_seconds",
			Help:    "Time a workload spent gated, from Resolving to Release.",
			Buckets: warmupBuckets,
		}),

		NVMeReadThroughputBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "nvme_read_throughput_bytes",
			Help: "Most recently observed node-local NVMe read throughput, in bytes/sec.",
		}),
		GPUIdleSeconds: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gpu_idle_seconds",
			Help: "Most recently observed accelerator idle time while gated, in seconds.",
		}),
	}
}

// Handler returns the read-only /metrics HTTP handler. Any other path
// returns a short hint, per spec.md §6.
func (m *Metrics) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			return
		}
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("kube-cache: see /metrics\n"))
	})
	return mux
}
