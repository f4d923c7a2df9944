package processor

import (
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
)

func TestRetryCount_NoHeaderIsZero(t *testing.T) {
	if got := retryCount(nil); got != 0 {
		t.Fatalf("got %d want 0", got)
	}
	if got := retryCount(amqp.Table{}); got != 0 {
		t.Fatalf("got %d want 0", got)
	}
}

func TestRetryCount_ReadsInt32(t *testing.T) {
	headers := amqp.Table{"sb_retry": int32(3)}
	if got := retryCount(headers); got != 3 {
		t.Fatalf("got %d want 3", got)
	}
}

func TestRetryHeaders_IncrementsAndPreservesExisting(t *testing.T) {
	existing := amqp.Table{"sb_retry": int32(1), "custom": "keep-me"}
	headers := retryHeaders(existing, 2)

	if headers["sb_retry"] != int32(2) {
		t.Fatalf("expected sb_retry=2, got %v", headers["sb_retry"])
	}
	if headers["custom"] != "keep-me" {
		t.Fatal("expected unrelated headers to be preserved")
	}
	if _, ok := headers["sb_retry_at"]; !ok {
		t.Fatal("expected sb_retry_at to be set")
	}
	if existing["sb_retry"] != int32(1) {
		t.Fatal("retryHeaders must not mutate the original table")
	}
}
