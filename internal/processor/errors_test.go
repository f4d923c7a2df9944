package processor

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsTransient_PgLockTimeoutIsTransient(t *testing.T) {
	err := &pgconn.PgError{Code: "57014"}
	if !isTransient(err) {
		t.Fatal("expected query_canceled (57014) to be transient")
	}
}

func TestIsTransient_SerializationFailureIsTransient(t *testing.T) {
	err := &pgconn.PgError{Code: "40001"}
	if !isTransient(err) {
		t.Fatal("expected serialization_failure to be transient")
	}
}

func TestIsTransient_ConnectionExceptionClassIsTransient(t *testing.T) {
	err := &pgconn.PgError{Code: "08006"}
	if !isTransient(err) {
		t.Fatal("expected connection_exception class (08*) to be transient")
	}
}

func TestIsTransient_ConstraintViolationIsPermanent(t *testing.T) {
	err := &pgconn.PgError{Code: "23505"}
	if isTransient(err) {
		t.Fatal("expected unique_violation to be permanent")
	}
}

func TestIsTransient_DeadlineExceededIsTransient(t *testing.T) {
	if !isTransient(context.DeadlineExceeded) {
		t.Fatal("expected context.DeadlineExceeded to be transient")
	}
}

func TestIsTransient_CanceledIsNotTransient(t *testing.T) {
	if isTransient(context.Canceled) {
		t.Fatal("expected context.Canceled to be permanent (not retryable)")
	}
}

func TestIsTransient_NilIsNotTransient(t *testing.T) {
	if isTransient(nil) {
		t.Fatal("expected nil error to be treated as not transient")
	}
}

func TestIsTransient_WrappedPgErrorStillDetected(t *testing.T) {
	err := errors.Join(errors.New("query failed"), &pgconn.PgError{Code: "57014"})
	if !isTransient(err) {
		t.Fatal("expected wrapped PgError to still be classified transient")
	}
}
