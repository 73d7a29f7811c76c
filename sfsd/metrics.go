package sfsd

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the daemon's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	BlocksTotal      *prometheus.CounterVec
	TransitionsTotal *prometheus.CounterVec
	SessionsActive   prometheus.Gauge
	FilesOpen        prometheus.Gauge
}

// NewMetrics creates the collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{registry: reg}

	m.RequestsTotal = promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "sfsd_requests_total",
			Help: "Total number of requests handled",
		},
		[]string{"kind", "code"},
	)

	m.RequestDuration = promauto.With(reg).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sfsd_request_duration_seconds",
			Help:    "Request handling duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 12),
		},
		[]string{"kind"},
	)

	m.BlocksTotal = promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "sfsd_blocks_total",
			Help: "Total number of cipher blocks transformed",
		},
		[]string{"direction"}, // encrypt, decrypt
	)

	m.TransitionsTotal = promauto.With(reg).NewCounterVec(
		prometheus.CounterOpts{
			Name: "sfsd_transitions_total",
			Help: "Total number of whole-file encryption state changes",
		},
		[]string{"direction", "status"},
	)

	m.SessionsActive = promauto.With(reg).NewGauge(
		prometheus.GaugeOpts{
			Name: "sfsd_sessions_active",
			Help: "Number of logged in users",
		},
	)

	m.FilesOpen = promauto.With(reg).NewGauge(
		prometheus.GaugeOpts{
			Name: "sfsd_files_open",
			Help: "Number of open encrypted file handles",
		},
	)

	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordRequest records a handled request.
func (m *Metrics) RecordRequest(kind Kind, code Code, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(kind.String(), code.String()).Inc()
	m.RequestDuration.WithLabelValues(kind.String()).Observe(duration.Seconds())
}

// RecordBlock records one block transform.
func (m *Metrics) RecordBlock(encrypt bool) {
	if m == nil {
		return
	}
	m.BlocksTotal.WithLabelValues(direction(encrypt)).Inc()
}

// RecordTransition records a whole-file state change.
func (m *Metrics) RecordTransition(encrypt bool, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.TransitionsTotal.WithLabelValues(direction(encrypt), status).Inc()
}

// SetOccupancy updates the session and file gauges.
func (m *Metrics) SetOccupancy(sessions, files int) {
	if m == nil {
		return
	}
	m.SessionsActive.Set(float64(sessions))
	m.FilesOpen.Set(float64(files))
}

func direction(encrypt bool) string {
	if encrypt {
		return "encrypt"
	}
	return "decrypt"
}
