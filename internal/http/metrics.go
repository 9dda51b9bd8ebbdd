package http

import (
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/parley/internal/metrics"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/parley/internal/http"

// HTTPMetrics records request metrics to Prometheus and OpenTelemetry.
type HTTPMetrics struct {
	prom           *metrics.Metrics
	meter          metric.Meter
	logger         *zap.Logger
	responseSize   metric.Int64Histogram
	activeRequests metric.Int64UpDownCounter
}

// NewHTTPMetrics creates HTTPMetrics. A nil meter uses the global provider.
func NewHTTPMetrics(prom *metrics.Metrics, meter metric.Meter, logger *zap.Logger) *HTTPMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	if meter == nil {
		meter = otel.Meter(httpInstrumentationName)
	}
	m := &HTTPMetrics{prom: prom, meter: meter, logger: logger}
	m.init()
	return m
}

func (m *HTTPMetrics) init() {
	var err error

	m.responseSize, err = m.meter.Int64Histogram(
		"parley.http.response_size_bytes",
		metric.WithDescription("HTTP response body size in bytes, labeled by method, route and status."),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(100, 500, 1000, 5000, 10000, 50000, 100000, 500000),
	)
	if err != nil {
		m.logger.Warn("failed to create response size histogram", zap.Error(err))
	}

	m.activeRequests, err = m.meter.Int64UpDownCounter(
		"parley.http.active_requests",
		metric.WithDescription("Number of currently active HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		m.logger.Warn("failed to create active requests gauge", zap.Error(err))
	}
}

// MetricsMiddleware returns an Echo middleware that records HTTP metrics.
func (m *HTTPMetrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			ctx := req.Context()

			if m.activeRequests != nil {
				m.activeRequests.Add(ctx, 1)
			}

			err := next(c)
			if err != nil {
				// Run the error handler now so the recorded status is final.
				c.Error(err)
				err = nil
			}

			status := c.Response().Status
			route := normalizeRoute(c.Path())
			m.prom.ObserveHTTP(req.Method, route, status, time.Since(start))

			attrs := metric.WithAttributes(
				attribute.String("method", req.Method),
				attribute.String("route", route),
				attribute.Int("status", status),
			)
			if m.responseSize != nil {
				m.responseSize.Record(ctx, c.Response().Size, attrs)
			}
			if m.activeRequests != nil {
				m.activeRequests.Add(ctx, -1)
			}
			return err
		}
	}
}

// normalizeRoute keeps metric labels bounded. c.Path() is the registered
// route template, so only unmatched requests need folding.
func normalizeRoute(path string) string {
	if path == "" {
		return "unmatched"
	}
	return path
}
