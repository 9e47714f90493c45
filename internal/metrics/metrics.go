// Package metrics holds the Prometheus collectors and the tracing middleware
// for the HTTP surface.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/0gfoundation/0g-settlr/internal/ledger"
)

const namespace = "settlr"

type Metrics struct {
	registry   *prometheus.Registry
	tracer     trace.Tracer
	requests   *prometheus.CounterVec
	durations  *prometheus.HistogramVec
	operations *prometheus.CounterVec
}

func New(service string) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		tracer:   otel.Tracer(service),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Ledger operations by name and result kind.",
		}, []string{"op", "result"}),
	}
	reg.MustRegister(
		m.requests, m.durations, m.operations,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Middleware traces each request and records its status and latency.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ctx, span := m.tracer.Start(c.Request.Context(), c.Request.Method+" "+route, trace.WithAttributes(
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", route),
		))
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
		span.End()

		m.requests.WithLabelValues(route, c.Request.Method, strconv.Itoa(status)).Inc()
		m.durations.WithLabelValues(route, c.Request.Method).Observe(time.Since(start).Seconds())
	}
}

// ObserveOp counts one ledger operation outcome.
func (m *Metrics) ObserveOp(op string, err error) {
	m.operations.WithLabelValues(op, ledger.Kind(err)).Inc()
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
