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
	// Frame acquisition
	FramesCaptured  atomic.Uint64
	CaptureFailures atomic.Uint64

	// Snapshot persistence
	SnapshotsSaved   atomic.Uint64
	SnapshotsSkipped atomic.Uint64 // no frame available at dequeue time
	SnapshotsFailed  atomic.Uint64
	SaveQueueDepth   atomic.Int64

	// Capture cycles
	CyclesAccepted       atomic.Uint64
	CyclesIgnored        atomic.Uint64
	ClassificationErrors atomic.Uint64
	CycleLatencyMs       atomic.Uint64

	// Link
	SendsOK          atomic.Uint64
	SendsFailed      atomic.Uint64
	LinkConnects     atomic.Uint64
	LinkDisconnects  atomic.Uint64
	MessagesReceived atomic.Uint64

	// Presenter
	StreamClients atomic.Int64
	EventClients  atomic.Int64

	// State gauges, stored as the numeric value of the component's state type
	SourceRunning     atomic.Int32
	LinkState         atomic.Int32
	OrchestratorState atomic.Int32

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

func (m *Metrics) counter(name, help string, v *atomic.Uint64) {
	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{Name: name, Help: help},
		func() float64 { return float64(v.Load()) },
	))
}

func (m *Metrics) gauge(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help},
		fn,
	))
}

func (m *Metrics) registerPrometheusMetrics() {
	m.counter("relay_frames_captured_total", "Frames captured from the camera", &m.FramesCaptured)
	m.counter("relay_capture_failures_total", "Failed camera reads", &m.CaptureFailures)

	m.counter("relay_snapshots_saved_total", "Snapshots written to disk", &m.SnapshotsSaved)
	m.counter("relay_snapshots_skipped_total", "Save requests serviced with no frame available", &m.SnapshotsSkipped)
	m.counter("relay_snapshots_failed_total", "Snapshot write failures", &m.SnapshotsFailed)
	m.gauge("relay_save_queue_depth", "Pending save requests",
		func() float64 { return float64(m.SaveQueueDepth.Load()) })

	m.counter("relay_cycles_accepted_total", "Capture triggers that started a cycle", &m.CyclesAccepted)
	m.counter("relay_cycles_ignored_total", "Capture triggers ignored while a cycle was running", &m.CyclesIgnored)
	m.counter("relay_classification_errors_total", "Cycles that ended with a classification error", &m.ClassificationErrors)
	m.gauge("relay_cycle_latency_ms", "Duration of the last capture cycle in milliseconds",
		func() float64 { return float64(m.CycleLatencyMs.Load()) })

	m.counter("relay_sends_total", "Messages delivered to the controller", &m.SendsOK)
	m.counter("relay_send_failures_total", "Messages that failed to send", &m.SendsFailed)
	m.counter("relay_link_connects_total", "Successful connections to the controller", &m.LinkConnects)
	m.counter("relay_link_disconnects_total", "Connections lost or closed", &m.LinkDisconnects)
	m.counter("relay_messages_received_total", "Inbound messages from the controller", &m.MessagesReceived)

	m.gauge("relay_stream_clients", "Connected MJPEG clients",
		func() float64 { return float64(m.StreamClients.Load()) })
	m.gauge("relay_event_clients", "Connected SSE and WebSocket clients",
		func() float64 { return float64(m.EventClients.Load()) })

	m.gauge("relay_source_running", "Camera source running (0=stopped, 1=running)",
		func() float64 { return float64(m.SourceRunning.Load()) })
	m.gauge("relay_link_state", "Link state (0=disconnected, 1=connecting, 2=connected)",
		func() float64 { return float64(m.LinkState.Load()) })
	m.gauge("relay_orchestrator_state", "Cycle state (0=idle, 1=capturing, 2=classifying, 3=relaying)",
		func() float64 { return float64(m.OrchestratorState.Load()) })
}

// ObserveCycle records the duration of a finished cycle.
func (m *Metrics) ObserveCycle(started time.Time) {
	m.CycleLatencyMs.Store(uint64(time.Since(started).Milliseconds()))
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// NewServer returns an HTTP server exposing /metrics on addr.
func (m *Metrics) NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &http.Server{Addr: addr, Handler: mux}
}
