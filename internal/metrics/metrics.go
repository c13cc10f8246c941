package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Channel message counters
	MessagesReceived   atomic.Uint64
	MessagesProcessed  atomic.Uint64
	ValidationFailures atomic.Uint64

	// Error counters
	UnknownArchitecture atomic.Uint64
	InferenceErrors     atomic.Uint64

	// Model lifecycle
	ModelsLoaded atomic.Uint64

	// Latency tracking
	InferenceLatencyMs atomic.Uint64 // Last observed inference latency in ms

	// Channel tracking
	ActiveChannels atomic.Uint64
	TotalChannels  atomic.Uint64

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerPrometheusMetrics()
	return m
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	gauges := []struct {
		name string
		help string
		load func() uint64
	}{
		{"inference_messages_received_total", "Total channel messages received", m.MessagesReceived.Load},
		{"inference_messages_processed_total", "Total channel messages fully processed", m.MessagesProcessed.Load},
		{"inference_validation_failures_total", "Total messages rejected by validation or face detection", m.ValidationFailures.Load},
		{"inference_unknown_architecture_total", "Total requests naming an architecture absent from the catalog", m.UnknownArchitecture.Load},
		{"inference_errors_total", "Total model resolution or prediction failures", m.InferenceErrors.Load},
		{"inference_models_loaded", "Number of constructed model instances", m.ModelsLoaded.Load},
		{"inference_latency_ms", "Last observed inference latency in milliseconds", m.InferenceLatencyMs.Load},
		{"inference_active_channels", "Number of open channels", m.ActiveChannels.Load},
		{"inference_total_channels", "Total channels opened since start", m.TotalChannels.Load},
	}

	for _, g := range gauges {
		load := g.load
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: g.name, Help: g.help},
			func() float64 { return float64(load()) },
		))
	}
}

// UpdateInferenceLatency records the duration of one inference pass
func (m *Metrics) UpdateInferenceLatency(d time.Duration) {
	m.InferenceLatencyMs.Store(uint64(d.Milliseconds()))
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer starts the metrics HTTP server
func (m *Metrics) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}
