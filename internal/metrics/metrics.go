// Package metrics exposes the pipeline counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xtxerr/telemetryd/internal/stats"
)

// Metrics mirrors the stats collector onto a dedicated Prometheus
// registry. Values are pulled from the collector on every scrape, so
// the pipeline never pays a per-message metrics cost.
type Metrics struct {
	registry  *prometheus.Registry
	collector *stats.Collector

	received         prometheus.Gauge
	stored           prometheus.Gauge
	dropped          prometheus.Gauge
	validationErrors prometheus.Gauge
	storageErrors    prometheus.Gauge
	processingErrors prometheus.Gauge
	bufferUsage      prometheus.Gauge
	uptime           prometheus.Gauge
	storeLatencyP50  prometheus.Gauge
	storeLatencyP95  prometheus.Gauge
	storeLatencyP99  prometheus.Gauge
}

// BufferState reports current buffer occupancy for the gauge.
type BufferState interface {
	UsagePercent() float64
}

// New registers the telemetryd metric set on a fresh registry.
func New(collector *stats.Collector) *Metrics {
	m := &Metrics{
		registry:  prometheus.NewRegistry(),
		collector: collector,
	}

	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "telemetryd",
			Name:      name,
			Help:      help,
		})
		m.registry.MustRegister(g)
		return g
	}

	m.received = gauge("messages_received_total", "Messages accepted from ingress.")
	m.stored = gauge("messages_stored_total", "Messages durably stored.")
	m.dropped = gauge("messages_dropped_total", "Messages rejected by the full buffer.")
	m.validationErrors = gauge("validation_errors_total", "Payloads rejected by schema validation.")
	m.storageErrors = gauge("storage_errors_total", "Failed batch stores.")
	m.processingErrors = gauge("processing_errors_total", "Messages that failed outside validation and storage.")
	m.bufferUsage = gauge("buffer_usage_percent", "Buffer occupancy percentage.")
	m.uptime = gauge("uptime_seconds", "Seconds since the collector started.")
	m.storeLatencyP50 = gauge("store_latency_p50_seconds", "Median batch store latency.")
	m.storeLatencyP95 = gauge("store_latency_p95_seconds", "95th percentile batch store latency.")
	m.storeLatencyP99 = gauge("store_latency_p99_seconds", "99th percentile batch store latency.")

	return m
}

// Handler serves the registry, refreshing the gauges per scrape.
func (m *Metrics) Handler(buffer BufferState) http.Handler {
	inner := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.refresh(buffer)
		inner.ServeHTTP(w, r)
	})
}

func (m *Metrics) refresh(buffer BufferState) {
	snap := m.collector.Snapshot()

	m.received.Set(float64(snap.MessagesReceived))
	m.stored.Set(float64(snap.MessagesStored))
	m.dropped.Set(float64(snap.MessagesDropped))
	m.validationErrors.Set(float64(snap.ValidationErrors))
	m.storageErrors.Set(float64(snap.StorageErrors))
	m.processingErrors.Set(float64(snap.ProcessingErrors))
	m.uptime.Set(snap.Uptime.Seconds())
	m.storeLatencyP50.Set(snap.StoreLatencyP50)
	m.storeLatencyP95.Set(snap.StoreLatencyP95)
	m.storeLatencyP99.Set(snap.StoreLatencyP99)
	if buffer != nil {
		m.bufferUsage.Set(buffer.UsagePercent())
	}
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
