package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sb-analytics/pipeline/internal/auth"
	"github.com/sb-analytics/pipeline/internal/config"
	"github.com/sb-analytics/pipeline/internal/ingest"
	"github.com/sb-analytics/pipeline/internal/metrics"
	"github.com/sb-analytics/pipeline/internal/ratelimit"
)

// traceIDMiddleware stamps every request with a trace ID, reusing the
// configured inbound header if present, so log lines and downstream
// outbox payloads can be correlated end to end.
func traceIDMiddleware(header string) gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader(header)
		if traceID == "" {
			traceID = uuid.NewString()
		}
		c.Set("trace_id", traceID)
		c.Header(header, traceID)
		c.Next()
	}
}

// NewRouter wires public health endpoints and the authenticated ingest
// API. Public: /health, /ready, /metrics (Prometheus scrape).
// Authenticated: /v1/events, /v1/opt-out, /v1/privacy/delete.
func NewRouter(cfg config.Config, pool *pgxpool.Pool) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(traceIDMiddleware(cfg.TraceIDHeader))
	if cfg.MetricsEnabled {
		r.Use(metrics.Middleware())
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()

		if err := pool.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	if cfg.MetricsEnabled {
		r.GET("/metrics", gin.WrapH(metrics.Handler()))
	}

	apiGroup := r.Group("/")
	apiGroup.Use(auth.Middleware(auth.Config{Mode: auth.Mode(cfg.AuthMode), APIKeys: cfg.APIKeys}))

	ingestLimiter, err := ratelimit.Middleware(cfg.RateLimitEnabled, cfg.RateLimitIngestSpec)
	if err != nil {
		ingestLimiter = func(c *gin.Context) { c.Next() }
	}
	privacyLimiter, err := ratelimit.Middleware(cfg.RateLimitEnabled, cfg.RateLimitPrivacySpec)
	if err != nil {
		privacyLimiter = func(c *gin.Context) { c.Next() }
	}

	svc := ingest.New(pool, cfg.StrictEnvelope)
	ingest.RegisterRoutes(apiGroup, svc, pool, ingestLimiter, privacyLimiter)

	return r
}
