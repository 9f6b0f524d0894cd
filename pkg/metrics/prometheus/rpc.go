// Package prometheus holds the Prometheus-backed collectors for the
// remoting runtime. All recording methods tolerate a nil receiver so
// callers never branch on whether metrics are enabled.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/remoting/pkg/metrics"
)

// RPCMetrics covers sessions, handshakes, calls, and wire traffic.
type RPCMetrics struct {
	sessionsActive prometheus.Gauge
	sessionsSwept  prometheus.Counter
	handshakes     *prometheus.CounterVec
	calls          *prometheus.CounterVec
	callDuration   *prometheus.HistogramVec
	bytesIn        prometheus.Counter
	bytesOut       prometheus.Counter
}

// NewRPCMetrics creates the Prometheus-backed collectors.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewRPCMetrics() *RPCMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &RPCMetrics{
		sessionsActive: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "remoting_sessions_active",
				Help: "Number of live sessions",
			},
		),
		sessionsSwept: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "remoting_sessions_swept_total",
				Help: "Total number of sessions disposed by the inactivity sweeper",
			},
		),
		handshakes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "remoting_handshakes_total",
				Help: "Total number of handshakes by outcome and mode",
			},
			[]string{"outcome", "mode"}, // "ok"/"failed", "encrypted"/"plaintext"
		),
		calls: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "remoting_calls_total",
				Help: "Total number of method invocations by service, method, and outcome",
			},
			[]string{"service", "method", "outcome"}, // "ok"/"fault"
		),
		callDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "remoting_call_duration_seconds",
				Help: "Duration of method invocations",
				Buckets: []float64{
					0.0005, // fast in-process handlers
					0.001,
					0.005,
					0.01,
					0.05,
					0.1,
					0.5,
					1,
					5,
				},
			},
			[]string{"service", "method"},
		),
		bytesIn: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "remoting_bytes_received_total",
				Help: "Total payload bytes received",
			},
		),
		bytesOut: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "remoting_bytes_sent_total",
				Help: "Total payload bytes sent",
			},
		),
	}
}

// SessionOpened records a new live session.
func (m *RPCMetrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

// SessionClosed records a disposed session.
func (m *RPCMetrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
}

// SessionsSwept records sessions disposed by one sweep.
func (m *RPCMetrics) SessionsSwept(count int) {
	if m == nil {
		return
	}
	m.sessionsSwept.Add(float64(count))
}

// Handshake records a handshake outcome ("ok" or "failed") and mode
// ("encrypted" or "plaintext").
func (m *RPCMetrics) Handshake(outcome, mode string) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(outcome, mode).Inc()
}

// ObserveCall records one invocation with its outcome ("ok" or "fault").
func (m *RPCMetrics) ObserveCall(service, method, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(service, method, outcome).Inc()
	m.callDuration.WithLabelValues(service, method).Observe(duration.Seconds())
}

// AddBytesIn records received payload bytes.
func (m *RPCMetrics) AddBytesIn(n int) {
	if m == nil {
		return
	}
	m.bytesIn.Add(float64(n))
}

// AddBytesOut records sent payload bytes.
func (m *RPCMetrics) AddBytesOut(n int) {
	if m == nil {
		return
	}
	m.bytesOut.Add(float64(n))
}
