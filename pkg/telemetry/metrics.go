package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for isogrpd.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	config MetricsConfig

	// Record metrics
	recordsApplied *prometheus.CounterVec
	recordDuration *prometheus.HistogramVec
	queueDepth     prometheus.Gauge

	// Group metrics
	groups  *prometheus.GaugeVec
	pending *prometheus.GaugeVec

	// Hardware metrics
	hardwareCalls    *prometheus.CounterVec
	hardwareDuration *prometheus.HistogramVec

	// Relay metrics
	portEvents    *prometheus.CounterVec
	notifications *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		recordsApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_applied_total",
				Help:      "Total number of configuration records applied by operation and status",
			},
			[]string{"op", "status"},
		),
		recordDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "record_duration_seconds",
				Help:      "Time spent applying a configuration record",
				Buckets:   buckets,
			},
			[]string{"op"},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Number of configuration records retained for retry",
			},
		),
		groups: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "groups",
				Help:      "Number of registered isolation groups by type",
			},
			[]string{"type"},
		),
		pending: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pending_relationships",
				Help:      "Number of pending members and bind ports across all groups",
			},
			[]string{"kind"},
		),
		hardwareCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "hardware_calls_total",
				Help:      "Total number of hardware abstraction calls by operation and result",
			},
			[]string{"operation", "result"},
		),
		hardwareDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "hardware_call_duration_seconds",
				Help:      "Duration of hardware abstraction calls",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),
		portEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "port_events_total",
				Help:      "Total number of port readiness events relayed to groups",
			},
			[]string{"added"},
		),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Total number of observer notifications sent by subject type",
			},
			[]string{"subject"},
		),
	}

	registry.MustRegister(
		m.recordsApplied,
		m.recordDuration,
		m.queueDepth,
		m.groups,
		m.pending,
		m.hardwareCalls,
		m.hardwareDuration,
		m.portEvents,
		m.notifications,
	)

	return m, nil
}

// RecordRecordApplied records one applied configuration record.
func (m *Metrics) RecordRecordApplied(op, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.recordsApplied.WithLabelValues(op, status).Inc()
	m.recordDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// SetQueueDepth sets the number of retained records.
func (m *Metrics) SetQueueDepth(n float64) {
	if m == nil {
		return
	}
	m.queueDepth.Set(n)
}

// SetGroupCount sets the number of registered groups of a type.
func (m *Metrics) SetGroupCount(groupType string, n float64) {
	if m == nil {
		return
	}
	m.groups.WithLabelValues(groupType).Set(n)
}

// SetPendingCount sets the number of pending relationships of a kind
// ("members" or "bind_ports").
func (m *Metrics) SetPendingCount(kind string, n float64) {
	if m == nil {
		return
	}
	m.pending.WithLabelValues(kind).Set(n)
}

// RecordHardwareCall records a hardware abstraction call.
func (m *Metrics) RecordHardwareCall(operation, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.hardwareCalls.WithLabelValues(operation, result).Inc()
	m.hardwareDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordPortEvent records a relayed port event.
func (m *Metrics) RecordPortEvent(added bool) {
	if m == nil {
		return
	}
	m.portEvents.WithLabelValues(strconv.FormatBool(added)).Inc()
}

// RecordNotification records an observer notification round.
func (m *Metrics) RecordNotification(subject string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(subject).Inc()
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
