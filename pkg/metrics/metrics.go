// Package metrics provides Prometheus metrics for the chat core.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors used by the store, persistence
// backends and runner.
type Metrics struct {
	registry *prometheus.Registry

	// Persistence
	StorageOperationsTotal   *prometheus.CounterVec
	StorageOperationDuration *prometheus.HistogramVec

	// Session store
	SessionsTotal      prometheus.Gauge
	MessagesAddedTotal *prometheus.CounterVec

	// Streaming
	StreamFragmentsTotal prometheus.Counter
	StreamDuration       *prometheus.HistogramVec
	StreamErrorsTotal    *prometheus.CounterVec
}

// New creates and registers all collectors on a private registry so tests and
// multiple stores in one process do not collide.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{registry: reg}

	m.StorageOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatkeep_storage_operations_total",
			Help: "Total number of persistence operations",
		},
		[]string{"backend", "operation", "status"},
	)
	m.StorageOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatkeep_storage_operation_duration_seconds",
			Help:    "Duration of persistence operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)
	m.SessionsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatkeep_sessions",
			Help: "Number of sessions held in memory",
		},
	)
	m.MessagesAddedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatkeep_messages_added_total",
			Help: "Total number of messages added, by role",
		},
		[]string{"role"},
	)
	m.StreamFragmentsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatkeep_stream_fragments_total",
			Help: "Total number of streamed fragments merged",
		},
	)
	m.StreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatkeep_stream_duration_seconds",
			Help:    "Duration of model responses in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "mode"},
	)
	m.StreamErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatkeep_stream_errors_total",
			Help: "Total number of failed model calls",
		},
		[]string{"provider"},
	)

	reg.MustRegister(
		m.StorageOperationsTotal,
		m.StorageOperationDuration,
		m.SessionsTotal,
		m.MessagesAddedTotal,
		m.StreamFragmentsTotal,
		m.StreamDuration,
		m.StreamErrorsTotal,
		prometheus.NewGoCollector(),
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler serving the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordStorage records a persistence operation. A nil receiver is a no-op so
// backends can run without metrics.
func (m *Metrics) RecordStorage(backend, op string, start time.Time, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.StorageOperationsTotal.WithLabelValues(backend, op, status).Inc()
	m.StorageOperationDuration.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
}

// RecordSessions sets the in-memory session gauge.
func (m *Metrics) RecordSessions(n int) {
	if m == nil {
		return
	}
	m.SessionsTotal.Set(float64(n))
}

// RecordMessage counts an added message.
func (m *Metrics) RecordMessage(role string) {
	if m == nil {
		return
	}
	m.MessagesAddedTotal.WithLabelValues(role).Inc()
}

// RecordFragment counts one merged fragment.
func (m *Metrics) RecordFragment() {
	if m == nil {
		return
	}
	m.StreamFragmentsTotal.Inc()
}

// RecordResponse records a completed or failed model call.
func (m *Metrics) RecordResponse(provider, mode string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.StreamDuration.WithLabelValues(provider, mode).Observe(time.Since(start).Seconds())
	if err != nil {
		m.StreamErrorsTotal.WithLabelValues(provider).Inc()
	}
}
