// cmd/processor consumes every domain queue binding and materializes the
// hourly presence, aggregate and customer_360 tables: config → pool →
// schema → broker → worker pool, shutting down cleanly on
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
	"github.com/sb-analytics/pipeline/internal/processor"
	"github.com/sb-analytics/pipeline/internal/schema"
	"github.com/sb-analytics/pipeline/internal/store"
)

func main() {
	cfg, err := config.Load()
	log := logging.New("processor", "INFO")
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	log = logging.New("processor", cfg.LogLevel)

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

	metricsSrv := &http.Server{Addr: cfg.ProcessorMetricsAddr, Handler: metrics.Router()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("processor: metrics server exited")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	w := processor.New(pool, b, processor.Config{
		ConsumerGroup: cfg.ProcessorGroupID,
		MaxRetries:    cfg.ProcessorMaxRetries,
		RetryBase:     cfg.ProcessorRetryBase,
		RetryMax:      cfg.ProcessorRetryMax,
		Prefetch:      cfg.ProcessorPrefetchCount,
	}, log)

	log.Info().Str("addr", cfg.ProcessorMetricsAddr).Msg("processor: metrics server listening")
	log.Info().Msg("processor running")
	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("worker pool exited")
	}
	log.Info().Msg("processor shutting down")
}
