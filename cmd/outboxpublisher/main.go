// cmd/outboxpublisher drains outbox_events into the broker: config →
// pool → schema → broker → publish loop, shutting down cleanly on
// SIGINT/SIGTERM.
package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sb-analytics/pipeline/internal/broker"
	"github.com/sb-analytics/pipeline/internal/config"
	"github.com/sb-analytics/pipeline/internal/logging"
	"github.com/sb-analytics/pipeline/internal/metrics"
	"github.com/sb-analytics/pipeline/internal/outboxpublisher"
	"github.com/sb-analytics/pipeline/internal/schema"
	"github.com/sb-analytics/pipeline/internal/store"
)

func main() {
	cfg, err := config.Load()
	log := logging.New("outbox-publisher", "INFO")
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	log = logging.New("outbox-publisher", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := store.NewPool(ctx, cfg.DBURL)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect failed")
	}
	defer pool.Close()

	if err := schema.Ensure(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("schema migration failed")
	}

	b, err := broker.Dial(cfg.BrokerURL, cfg.BrokerExchange, log)
	if err != nil {
		log.Fatal().Err(err).Msg("broker dial failed")
	}
	defer b.Close()

	metricsSrv := &http.Server{Addr: cfg.OutboxMetricsAddr, Handler: metrics.Router()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("outbox-publisher: metrics server exited")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	pub := outboxpublisher.New(pool, b, outboxpublisher.Config{
		LeaseSize:    cfg.OutboxLeaseSize,
		LeaseTimeout: cfg.OutboxLeaseTimeout,
		MaxRetries:   cfg.OutboxMaxRetries,
		BackoffBase:  cfg.OutboxBackoffBase,
		BackoffMax:   cfg.OutboxBackoffMax,
		IdlePoll:     cfg.OutboxIdlePoll,
	}, log)

	log.Info().Str("addr", cfg.OutboxMetricsAddr).Msg("outbox-publisher: metrics server listening")
	log.Info().Msg("outbox-publisher running")
	if err := pub.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("publisher loop exited")
	}
	log.Info().Msg("outbox-publisher shutting down")
}
