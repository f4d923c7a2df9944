// Package schema applies the authoritative migration for the pipeline.
//
// cmd/ingest is schema-authoritative (SPEC_FULL.md §2); the outbox
// publisher and processor binaries call the same Ensure function on boot
// so they never race with ingest on DDL — a Postgres advisory lock
// serializes concurrent callers, and every statement in schema.sql is
// IF NOT EXISTS / ON CONFLICT DO NOTHING, so re-applying is always safe.
package schema

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var migrationSQL string

// advisoryLockKey is an arbitrary, stable int64 identifying this
// migration for pg_advisory_lock. Any two processes calling Ensure
// concurrently serialize on this key.
const advisoryLockKey = 746_233_001

// Ensure applies the migration inside a session-level advisory lock so
// concurrent callers (ingest, outbox publisher, processor, all starting
// at once in a fresh environment) never run DDL against each other.
func Ensure(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("schema: acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", advisoryLockKey); err != nil {
		return fmt.Errorf("schema: acquire advisory lock: %w", err)
	}
	defer conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", advisoryLockKey) //nolint:errcheck

	if _, err := conn.Exec(ctx, migrationSQL); err != nil {
		return fmt.Errorf("schema: apply migration: %w", err)
	}

	return nil
}
