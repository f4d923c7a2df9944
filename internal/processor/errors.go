package processor

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// isTransient classifies a dispatch error as retryable, grounded on
// original_source's _is_transient but driven off Postgres SQLSTATE
// classes instead of SQLAlchemy exception types: lock_not_available
// (55P03, raised by lock_timeout), query_canceled (57014, raised by
// statement_timeout), serialization_failure (40001) and every
// connection_exception (08*) are transient; everything else — constraint violations (23*)
// included — is permanent and goes straight to the DLQ.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03", "57014", "40001":
			return true
		}
		if len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08" {
			return true
		}
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}

	// Connection-level failures (pool acquire timeout, broker dial
	// drop) that don't carry a PgError are treated as transient too.
	return isConnError(err)
}

func isConnError(err error) bool {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return true
	}
	return false
}
