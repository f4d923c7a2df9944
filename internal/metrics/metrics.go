// Package metrics exposes the Prometheus counters and histograms shared
// by the ingest, outbox publisher and processor binaries, grounded on
// CorvusHold-guard's internal/metrics package.
package metrics

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sb",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests handled, by route, method and status.",
		},
		[]string{"route", "method", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sb",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	rateLimitExceeded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sb",
			Subsystem: "http",
			Name:      "rate_limit_exceeded_total",
			Help:      "Requests rejected by rate limiting.",
		},
		[]string{"route", "method"},
	)

	outboxPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sb",
			Subsystem: "outbox",
			Name:      "published_total",
			Help:      "Outbox rows published to the broker, by outcome.",
		},
		[]string{"outcome"},
	)

	outboxBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "sb",
			Subsystem: "outbox",
			Name:      "batch_size",
			Help:      "Number of rows leased per outbox publisher poll.",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250},
		},
	)

	processorEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sb",
			Subsystem: "processor",
			Name:      "events_total",
			Help:      "Events handled by the processor, by queue and outcome.",
		},
		[]string{"queue", "outcome"},
	)

	processorDLQ = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sb",
			Subsystem: "processor",
			Name:      "dlq_total",
			Help:      "Messages published to the dead-letter queue, by reason.",
		},
		[]string{"reason"},
	)
)

// IncHTTPRequest records one completed HTTP request.
func IncHTTPRequest(route, method, status string) {
	httpRequests.WithLabelValues(route, method, status).Inc()
}

// ObserveHTTPDuration records how long a request took.
func ObserveHTTPDuration(route, method string, seconds float64) {
	httpRequestDuration.WithLabelValues(route, method).Observe(seconds)
}

// IncRateLimitExceeded records a 429 rejection.
func IncRateLimitExceeded(route, method string) {
	rateLimitExceeded.WithLabelValues(route, method).Inc()
}

// IncOutboxPublished records one outbox row's publish outcome ("sent",
// "retry" or "failed").
func IncOutboxPublished(outcome string) {
	outboxPublished.WithLabelValues(outcome).Inc()
}

// ObserveOutboxBatchSize records the size of a lease batch.
func ObserveOutboxBatchSize(n int) {
	outboxBatchSize.Observe(float64(n))
}

// IncProcessorEvent records one processed message's outcome ("applied",
// "deduped", "opted_out", "retry", "dlq").
func IncProcessorEvent(queue, outcome string) {
	processorEvents.WithLabelValues(queue, outcome).Inc()
}

// IncProcessorDLQ records a DLQ publish, by reason ("json_decode",
// "invalid_document_type", "minimal_event", "max_retries_exceeded").
func IncProcessorDLQ(reason string) {
	processorDLQ.WithLabelValues(reason).Inc()
}

// Middleware is a gin.HandlerFunc recording request counts and latency
// per route.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		IncHTTPRequest(route, c.Request.Method, http.StatusText(c.Writer.Status()))
		ObserveHTTPDuration(route, c.Request.Method, time.Since(start).Seconds())
	}
}

// Handler exposes the /metrics scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Router returns a minimal gin engine exposing /health and /metrics for
// binaries that have no HTTP surface of their own — the outbox
// publisher and the processor (SPEC_FULL.md §4.7: "Each binary exposes
// /metrics"). cmd/ingest doesn't use this: its own httpserver.NewRouter
// already serves both routes alongside the ingest API.
func Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(Handler()))
	return r
}
