// Package store sets up the shared Postgres connection pool used by the
// ingest, outbox publisher and processor binaries. Query logic lives
// next to the domain it serves (internal/privacy, internal/ingest,
// internal/outboxpublisher, internal/processor) rather than behind a
// generic repository interface here.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPool creates a connection pool and fails fast if the database is
// unreachable.
func NewPool(ctx context.Context, dbURL string) (*pgxpool.Pool, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(dialCtx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("store: new pool: %w", err)
	}

	if err := pool.Ping(dialCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return pool, nil
}
