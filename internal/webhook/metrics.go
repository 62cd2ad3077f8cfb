package webhook

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ashureev/stepwise/internal/domain"
)

const metricsNamespace = "stepwise"

// Metrics collects webhook delivery metrics on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	deliveries      *prometheus.CounterVec
	retryAttempts   *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	queueDepth      *prometheus.GaugeVec
}

// NewMetrics creates and registers the webhook collectors together with the
// process and Go runtime collectors.
func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "webhook",
			Name:      "deliveries_total",
			Help:      "Immediate webhook deliveries by event type and outcome",
		},
		[]string{"event_type", "outcome"},
	)
	m.retryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "webhook",
			Name:      "retry_attempts_total",
			Help:      "Retry queue attempts by event type and resulting task status",
		},
		[]string{"event_type", "status"},
	)
	m.attemptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "webhook",
			Name:      "attempt_duration_seconds",
			Help:      "Duration of single webhook POSTs",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"event_type"},
	)
	m.queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "webhook",
			Name:      "retry_queue_tasks",
			Help:      "Retry queue tasks by status as of the last dispatcher pass",
		},
		[]string{"status"},
	)

	m.registry.MustRegister(
		m.deliveries,
		m.retryAttempts,
		m.attemptDuration,
		m.queueDepth,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// All recorders are nil-safe so callers can run without metrics.

func (m *Metrics) recordDelivery(eventType domain.EventType, outcome Outcome) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(string(eventType), string(outcome)).Inc()
}

func (m *Metrics) recordRetry(eventType domain.EventType, status domain.RetryStatus) {
	if m == nil {
		return
	}
	m.retryAttempts.WithLabelValues(string(eventType), string(status)).Inc()
}

func (m *Metrics) observeAttempt(eventType domain.EventType, d time.Duration) {
	if m == nil {
		return
	}
	m.attemptDuration.WithLabelValues(string(eventType)).Observe(d.Seconds())
}

func (m *Metrics) setQueueDepth(stats domain.QueueStats) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(string(domain.RetryPending)).Set(float64(stats.Pending))
	m.queueDepth.WithLabelValues(string(domain.RetryInFlight)).Set(float64(stats.InFlight))
	m.queueDepth.WithLabelValues(string(domain.RetrySucceeded)).Set(float64(stats.Succeeded))
	m.queueDepth.WithLabelValues(string(domain.RetryFailedPermanent)).Set(float64(stats.FailedPermanent))
}
