// cmd/ingest boots the public-facing HTTP ingest API: config → pool →
// schema → router. This binary is schema-authoritative (SPEC_FULL.md §2).
package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sb-analytics/pipeline/internal/config"
	"github.com/sb-analytics/pipeline/internal/httpserver"
	"github.com/sb-analytics/pipeline/internal/logging"
	"github.com/sb-analytics/pipeline/internal/schema"
	"github.com/sb-analytics/pipeline/internal/store"
)

func main() {
	cfg, err := config.Load()
	log := logging.New("ingest-api", "INFO")
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	log = logging.New("ingest-api", cfg.LogLevel)

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

	srv := &http.Server{
		Addr:    ":8080",
		Handler: httpserver.NewRouter(cfg, pool),
	}

	go func() {
		log.Info().Msg("ingest-api listening on :8080")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server exited")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("ingest-api shutting down, draining in-flight requests")

	// Bounded deadline so an in-flight /v1/events transaction finishes
	// its commit before the process exits (spec.md §5 shutdown policy).
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("ingest-api: graceful shutdown failed")
	}
}
