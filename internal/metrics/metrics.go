// Package metrics holds the Prometheus collectors for the proxy, the request
// tracker and the observer hub. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wiretap"

// Outcome labels for RequestsTotal.
const (
	OutcomeComplete = "complete"
	OutcomeAPIError = "api_error"
	OutcomeEmpty    = "empty"
	OutcomeErrored  = "errored"
	OutcomeStale    = "stale"
)

// Stage labels for ParseFailures.
const (
	StageRequestBody  = "request_body"
	StageResponseBody = "response_body"
	StageSSEPayload   = "sse_payload"
	StageDecompress   = "decompress"
)

type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	activeRequests  prometheus.Gauge
	sseEvents       *prometheus.CounterVec
	requestDuration prometheus.Histogram
	parseFailures   *prometheus.CounterVec
	passthrough     prometheus.Counter
	observers       prometheus.Gauge
	dropped         prometheus.Counter
}

// New creates the collectors and registers them with registry. A nil
// registry gets a fresh one.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Intercepted API requests by terminal outcome",
			},
			[]string{"outcome"},
		),
		activeRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Requests currently tracked and awaiting completion",
		}),
		sseEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sse_events_total",
				Help:      "Parsed stream events by type",
			},
			[]string{"type"},
		),
		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time from request observed to response retired",
			// LLM turns run from sub-second to minutes.
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),
		parseFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "parse_failures_total",
				Help:      "Swallowed parse or decode failures by stage",
			},
			[]string{"stage"},
		),
		passthrough: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "passthrough_total",
			Help:      "Requests passed through without inspection",
		}),
		observers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "observers",
			Help:      "Connected observer clients",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_dropped_total",
			Help:      "Notifications dropped because the publish queue was full",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.activeRequests,
		m.sseEvents,
		m.requestDuration,
		m.parseFailures,
		m.passthrough,
		m.observers,
		m.dropped,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

func (m *Metrics) RequestStarted() {
	if m == nil {
		return
	}
	m.activeRequests.Inc()
}

func (m *Metrics) RequestRetired(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.activeRequests.Dec()
	m.requestsTotal.WithLabelValues(outcome).Inc()
	m.requestDuration.Observe(d.Seconds())
}

func (m *Metrics) SSEEvent(eventType string) {
	if m == nil {
		return
	}
	m.sseEvents.WithLabelValues(eventType).Inc()
}

func (m *Metrics) ParseFailure(stage string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.parseFailures.WithLabelValues(stage).Add(float64(n))
}

func (m *Metrics) Passthrough() {
	if m == nil {
		return
	}
	m.passthrough.Inc()
}

func (m *Metrics) ObserverConnected() {
	if m == nil {
		return
	}
	m.observers.Inc()
}

func (m *Metrics) ObserverDisconnected() {
	if m == nil {
		return
	}
	m.observers.Dec()
}

func (m *Metrics) NotificationDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}
