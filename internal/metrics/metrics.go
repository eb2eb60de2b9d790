package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dj-oyu/padetect-agent/pkg/types"
)

// Metrics holds all agent metrics
type Metrics struct {
	// Capture counters
	FramesCaptured atomic.Uint64
	FramesDropped  atomic.Uint64
	ReadErrors     atomic.Uint64
	OccludedFrames atomic.Uint64

	// Detector
	DetectErrors       atomic.Uint64
	InferenceLatencyMs atomic.Uint64 // Last inference latency in ms
	FrameLatencyMs     atomic.Uint64 // Capture to decision latency in ms

	// Alerts
	AlertActivations [types.NumAlertKinds]atomic.Uint64
	ActiveAlert      atomic.Int64 // AlertKind shown, -1 when hidden
	LockTriggers     atomic.Uint64

	// Evidence and upload
	EvidenceWritten atomic.Uint64
	EvidenceErrors  atomic.Uint64
	UploadsOK       atomic.Uint64
	UploadsFailed   atomic.Uint64
	SpoolFiles      atomic.Uint64

	// Runtime
	SettingsReloads atomic.Uint64
	WorkerAlive     atomic.Uint64 // 0 = stopped, 1 = running
	StreamClients   atomic.Int64

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.ActiveAlert.Store(int64(types.AlertNone))

	m.registerPrometheusMetrics()

	return m
}

func (m *Metrics) gauge(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help},
		fn,
	))
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	m.gauge("padetect_frames_captured_total", "Total frames read from the source",
		func() float64 { return float64(m.FramesCaptured.Load()) })
	m.gauge("padetect_frames_dropped_total", "Total empty or failed frame reads",
		func() float64 { return float64(m.FramesDropped.Load()) })
	m.gauge("padetect_read_errors_total", "Total frame source read errors",
		func() float64 { return float64(m.ReadErrors.Load()) })
	m.gauge("padetect_occluded_frames_total", "Total frames outside the brightness band",
		func() float64 { return float64(m.OccludedFrames.Load()) })

	m.gauge("padetect_detect_errors_total", "Total failed inference calls",
		func() float64 { return float64(m.DetectErrors.Load()) })
	m.gauge("padetect_inference_latency_ms", "Last inference latency in milliseconds",
		func() float64 { return float64(m.InferenceLatencyMs.Load()) })
	m.gauge("padetect_frame_latency_ms", "Capture to decision latency in milliseconds",
		func() float64 { return float64(m.FrameLatencyMs.Load()) })

	for _, kind := range types.AllAlertKinds() {
		k := kind
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name:        "padetect_alert_activations_total",
				Help:        "Total transitions to Active per alert kind",
				ConstLabels: prometheus.Labels{"kind": k.String()},
			},
			func() float64 { return float64(m.AlertActivations[k].Load()) },
		))
	}
	m.gauge("padetect_active_alert", "Alert kind currently displayed (-1 = none)",
		func() float64 { return float64(m.ActiveAlert.Load()) })
	m.gauge("padetect_lock_triggers_total", "Total screen lock side effects fired",
		func() float64 { return float64(m.LockTriggers.Load()) })

	m.gauge("padetect_evidence_written_total", "Total evidence files written to the spool",
		func() float64 { return float64(m.EvidenceWritten.Load()) })
	m.gauge("padetect_evidence_errors_total", "Total evidence write failures",
		func() float64 { return float64(m.EvidenceErrors.Load()) })
	m.gauge("padetect_uploads_ok_total", "Total successful uploads",
		func() float64 { return float64(m.UploadsOK.Load()) })
	m.gauge("padetect_uploads_failed_total", "Total failed upload attempts",
		func() float64 { return float64(m.UploadsFailed.Load()) })
	m.gauge("padetect_spool_files", "Files waiting in the spool directory",
		func() float64 { return float64(m.SpoolFiles.Load()) })

	m.gauge("padetect_settings_reloads_total", "Total settings sections delivered",
		func() float64 { return float64(m.SettingsReloads.Load()) })
	m.gauge("padetect_worker_alive", "Capture worker running (0=stopped, 1=running)",
		func() float64 { return float64(m.WorkerAlive.Load()) })
	m.gauge("padetect_stream_clients", "Connected alert stream clients",
		func() float64 { return float64(m.StreamClients.Load()) })
}

// UpdateFrameLatency records the time since capture
func (m *Metrics) UpdateFrameLatency(captureTime time.Time) {
	latency := time.Since(captureTime).Milliseconds()
	m.FrameLatencyMs.Store(uint64(max(latency, 0)))
}

// UpdateInferenceLatency records the last inference duration
func (m *Metrics) UpdateInferenceLatency(duration time.Duration) {
	m.InferenceLatencyMs.Store(uint64(duration.Milliseconds()))
}

// RecordActivation counts a transition to Active.
func (m *Metrics) RecordActivation(kind types.AlertKind) {
	if kind.Valid() {
		m.AlertActivations[kind].Add(1)
	}
}

// SetWorkerAlive stores the liveness flag.
func (m *Metrics) SetWorkerAlive(alive bool) {
	if alive {
		m.WorkerAlive.Store(1)
	} else {
		m.WorkerAlive.Store(0)
	}
}

// Registry exposes the private registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
