// Package metrics exposes Prometheus collectors for terminal sessions.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsStarted prometheus.Counter
	SessionsEnded   *prometheus.CounterVec
	StartFailures   *prometheus.CounterVec
	StopDuration    prometheus.Histogram

	// Relay metrics
	OutputBytes    prometheus.Counter
	InputBytes     prometheus.Counter
	RelayQueuePeak prometheus.Histogram

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec

	startTime time.Time
}

// New creates the collectors on a private registry, together with the
// standard Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry:  reg,
		startTime: time.Now(),

		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "moodterm_sessions_active",
			Help: "Number of sessions with a running shell",
		}),
		SessionsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "moodterm_sessions_started_total",
			Help: "Total number of sessions started",
		}),
		SessionsEnded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "moodterm_sessions_ended_total",
			Help: "Total number of sessions ended, by reason",
		}, []string{"reason"}),
		StartFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "moodterm_session_start_failures_total",
			Help: "Total number of failed session starts, by cause",
		}, []string{"cause"}),
		StopDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "moodterm_session_stop_duration_seconds",
			Help:    "Time taken to shut a session down",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),

		OutputBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "moodterm_output_bytes_total",
			Help: "Bytes read from pty masters",
		}),
		InputBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "moodterm_input_bytes_total",
			Help: "Bytes written to pty masters",
		}),
		RelayQueuePeak: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "moodterm_relay_queue_peak_chunks",
			Help:    "Highest relay queue depth reached per session",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),

		WSConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "moodterm_ws_connections",
			Help: "Number of attached WebSocket clients",
		}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "moodterm_ws_messages_total",
			Help: "WebSocket frames handled, by direction and type",
		}, []string{"direction", "type"}),
	}
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Uptime returns the time since New.
func (m *Metrics) Uptime() time.Duration {
	if m == nil {
		return 0
	}
	return time.Since(m.startTime)
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
	m.SessionsActive.Inc()
}

func (m *Metrics) SessionEnded(reason string, stopTook time.Duration, queuePeak int) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsEnded.WithLabelValues(reason).Inc()
	m.StopDuration.Observe(stopTook.Seconds())
	m.RelayQueuePeak.Observe(float64(queuePeak))
}

func (m *Metrics) StartFailed(cause string) {
	if m == nil {
		return
	}
	m.StartFailures.WithLabelValues(cause).Inc()
}

func (m *Metrics) AddOutput(n int) {
	if m == nil {
		return
	}
	m.OutputBytes.Add(float64(n))
}

func (m *Metrics) AddInput(n int) {
	if m == nil {
		return
	}
	m.InputBytes.Add(float64(n))
}

func (m *Metrics) WSConnected() {
	if m == nil {
		return
	}
	m.WSConnections.Inc()
}

func (m *Metrics) WSDisconnected() {
	if m == nil {
		return
	}
	m.WSConnections.Dec()
}

func (m *Metrics) WSMessage(direction, typ string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, typ).Inc()
}
