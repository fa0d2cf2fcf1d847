package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the hub's pipeline and event counters
type Metrics struct {
	// Capture and processing
	FramesCaptured     atomic.Uint64
	FramesEvicted      atomic.Uint64
	FramesProcessed    atomic.Uint64
	FramesDelivered    atomic.Uint64
	ReadErrors         atomic.Uint64
	DetectionErrors    atomic.Uint64
	PersonDetections   atomic.Uint64
	DetectionsDropped  atomic.Uint64
	DetectionLatencyMs atomic.Uint64 // last detection call

	// Sessions
	ActiveSessions atomic.Int64
	SessionsOpened atomic.Uint64
	SourceFailures atomic.Uint64

	// Events
	EventsEmitted  atomic.Uint64
	EventsDropped  atomic.Uint64
	SinkErrors     atomic.Uint64
	StreamClients  atomic.Int64
	CommandsIssued atomic.Uint64

	registry *prometheus.Registry
}

// New creates a new Metrics instance with its own Prometheus registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	counters := []struct {
		name string
		help string
		v    *atomic.Uint64
	}{
		{"hub_frames_captured_total", "Frames read from device sources", &m.FramesCaptured},
		{"hub_frames_evicted_total", "Frames evicted from full capture buffers", &m.FramesEvicted},
		{"hub_frames_processed_total", "Frames published by processors", &m.FramesProcessed},
		{"hub_frames_delivered_total", "Frames retrieved by stream consumers", &m.FramesDelivered},
		{"hub_read_errors_total", "Failed source reads", &m.ReadErrors},
		{"hub_detection_errors_total", "Detection calls that failed or panicked", &m.DetectionErrors},
		{"hub_person_detections_total", "Frames in which a person was detected", &m.PersonDetections},
		{"hub_detections_dropped_total", "Person detections dropped because the device manager was behind", &m.DetectionsDropped},
		{"hub_sessions_opened_total", "Stream sessions started", &m.SessionsOpened},
		{"hub_source_failures_total", "Stream sources that could not be opened or died", &m.SourceFailures},
		{"hub_events_emitted_total", "Events accepted by the outbox", &m.EventsEmitted},
		{"hub_events_dropped_total", "Events dropped because the outbox was full", &m.EventsDropped},
		{"hub_sink_errors_total", "Event sink write failures", &m.SinkErrors},
		{"hub_commands_issued_total", "Device commands published", &m.CommandsIssued},
	}
	for _, c := range counters {
		v := c.v
		m.registry.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Name: c.name, Help: c.help},
			func() float64 { return float64(v.Load()) },
		))
	}

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "hub_active_sessions",
			Help: "Stream sessions currently running",
		},
		func() float64 { return float64(m.ActiveSessions.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "hub_stream_clients",
			Help: "HTTP stream consumers currently connected",
		},
		func() float64 { return float64(m.StreamClients.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "hub_detection_latency_ms",
			Help: "Latency of the most recent detection call in milliseconds",
		},
		func() float64 { return float64(m.DetectionLatencyMs.Load()) },
	))
}

// UpdateDetectionLatency records the duration of a detection call
func (m *Metrics) UpdateDetectionLatency(d time.Duration) {
	m.DetectionLatencyMs.Store(uint64(d.Milliseconds()))
}

// Registry returns the underlying Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
