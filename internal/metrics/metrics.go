// Package metrics exposes parley's Prometheus metrics.
//
// Each Metrics owns its registry so tests can build as many as they like
// without duplicate registration panics. A nil *Metrics is valid and
// records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Transport labels for MessagesTotal.
const (
	TransportHTTP      = "http"
	TransportWebsocket = "websocket"
)

// Indexing outcomes.
const (
	OutcomeIndexed = "indexed"
	OutcomeFailed  = "failed"
	OutcomeDropped = "dropped"
)

// Metrics holds Prometheus metrics for the chat core.
//
// Metrics:
//   - parley_active_connections - open websocket connections
//   - parley_messages_total{transport} - messages persisted
//   - parley_send_failures_total{reason} - rejected or failed sends
//   - parley_indexing_tasks_total{outcome} - indexing task results
//   - parley_indexing_queue_depth - tasks waiting for a worker
//   - parley_search_duration_seconds - semantic search latency
//   - parley_http_requests_total{method,route,status}
//   - parley_http_request_duration_seconds{method,route}
type Metrics struct {
	registry *prometheus.Registry

	ActiveConnections  prometheus.Gauge
	MessagesTotal      *prometheus.CounterVec
	SendFailures       *prometheus.CounterVec
	IndexingTasks      *prometheus.CounterVec
	IndexingQueueDepth prometheus.Gauge
	SearchDuration     prometheus.Histogram
	HTTPRequests       *prometheus.CounterVec
	HTTPDuration       *prometheus.HistogramVec
}

// New creates metrics on a fresh registry that also carries the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "parley_active_connections",
			Help: "Number of open websocket connections",
		}),
		MessagesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_messages_total",
			Help: "Total number of messages persisted",
		}, []string{"transport"}),
		SendFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_send_failures_total",
			Help: "Total number of sends that did not persist a message",
		}, []string{"reason"}), // "validation" or "persistence"
		IndexingTasks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_indexing_tasks_total",
			Help: "Total number of indexing tasks by outcome",
		}, []string{"outcome"}),
		IndexingQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "parley_indexing_queue_depth",
			Help: "Number of indexing tasks waiting for a worker",
		}),
		SearchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "parley_search_duration_seconds",
			Help:    "Duration of semantic searches in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "parley_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "parley_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.ActiveConnections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.ActiveConnections.Dec()
	}
}

func (m *Metrics) MessagePersisted(transport string) {
	if m != nil {
		m.MessagesTotal.WithLabelValues(transport).Inc()
	}
}

func (m *Metrics) SendFailed(reason string) {
	if m != nil {
		m.SendFailures.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) IndexingOutcome(outcome string) {
	if m != nil {
		m.IndexingTasks.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) SetQueueDepth(n int) {
	if m != nil {
		m.IndexingQueueDepth.Set(float64(n))
	}
}

func (m *Metrics) ObserveSearch(d time.Duration) {
	if m != nil {
		m.SearchDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
