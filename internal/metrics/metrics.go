// Package metrics provides Prometheus metrics for circuits and idle detection.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Idle sources.
const (
	SourceServer = "server"
	SourceClient = "client"
)

// Metrics holds all Prometheus metrics for the service. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	CircuitsActive   prometheus.Gauge
	CircuitsTotal    *prometheus.CounterVec
	ActivityTotal    *prometheus.CounterVec
	IdleExpiries     *prometheus.CounterVec
	SubscriberErrors *prometheus.CounterVec
	BridgeFrames     *prometheus.CounterVec
	InvokeDuration   *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		CircuitsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "circuit_active",
				Help: "Number of open circuits.",
			},
		),
		CircuitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "circuit_lifecycle_total",
				Help: "Circuit lifecycle transitions by event.",
			},
			[]string{"event"},
		),
		ActivityTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "circuit_activity_total",
				Help: "Activity touches by source.",
			},
			[]string{"source"},
		),
		IdleExpiries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "circuit_idle_expiries_total",
				Help: "Idle timeouts reached by source.",
			},
			[]string{"source"},
		),
		SubscriberErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "circuit_idle_subscriber_errors_total",
				Help: "Failed idle subscribers by handler kind.",
			},
			[]string{"handler"},
		),
		BridgeFrames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "circuit_bridge_frames_total",
				Help: "Bridge frames by direction and type.",
			},
			[]string{"direction", "type"},
		),
		InvokeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "circuit_bridge_invoke_duration_seconds",
				Help:    "Round trip of bridge requests by method.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		registry: reg,
	}

	reg.MustRegister(m.CircuitsActive)
	reg.MustRegister(m.CircuitsTotal)
	reg.MustRegister(m.ActivityTotal)
	reg.MustRegister(m.IdleExpiries)
	reg.MustRegister(m.SubscriberErrors)
	reg.MustRegister(m.BridgeFrames)
	reg.MustRegister(m.InvokeDuration)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry (useful for testing).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// CircuitOpened records a newly opened circuit.
func (m *Metrics) CircuitOpened() {
	if m == nil {
		return
	}
	m.CircuitsActive.Inc()
	m.CircuitsTotal.WithLabelValues("opened").Inc()
}

// CircuitClosed records a closed circuit.
func (m *Metrics) CircuitClosed() {
	if m == nil {
		return
	}
	m.CircuitsActive.Dec()
	m.CircuitsTotal.WithLabelValues("closed").Inc()
}

// RecordActivity increments the touch counter.
func (m *Metrics) RecordActivity(source string) {
	if m == nil {
		return
	}
	m.ActivityTotal.WithLabelValues(source).Inc()
}

// RecordExpiry increments the idle expiry counter.
func (m *Metrics) RecordExpiry(source string) {
	if m == nil {
		return
	}
	m.IdleExpiries.WithLabelValues(source).Inc()
}

// RecordSubscriberError increments the subscriber failure counter.
func (m *Metrics) RecordSubscriberError(handler string) {
	if m == nil {
		return
	}
	m.SubscriberErrors.WithLabelValues(handler).Inc()
}

// RecordFrame increments the bridge frame counter.
func (m *Metrics) RecordFrame(direction, frameType string) {
	if m == nil {
		return
	}
	m.BridgeFrames.WithLabelValues(direction, frameType).Inc()
}

// ObserveInvoke records a bridge request round trip.
func (m *Metrics) ObserveInvoke(method string, seconds float64) {
	if m == nil {
		return
	}
	m.InvokeDuration.WithLabelValues(method).Observe(seconds)
}
