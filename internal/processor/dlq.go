package processor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/sb-analytics/pipeline/internal/broker"
	"github.com/sb-analytics/pipeline/internal/metrics"
	"github.com/sb-analytics/pipeline/internal/routing"
)

// dlqEnvelope mirrors original_source's publish_dlq document shape.
type dlqEnvelope struct {
	FailedAt string         `json:"failed_at"`
	Reason   string         `json:"reason"`
	Source   map[string]any `json:"source"`
	Payload  dlqPayload     `json:"payload"`
	Error    *dlqError      `json:"error,omitempty"`
}

type dlqPayload struct {
	RawValueB64 string         `json:"raw_value_b64,omitempty"`
	Decoded     map[string]any `json:"decoded,omitempty"`
}

type dlqError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// publishDLQ never lets a DLQ publish failure take down the worker: it
// logs and returns, matching original_source's publish_dlq try/except.
// source carries the spec.md §6 literal shape {queue, routing_key,
// delivery_tag} so an operator can trace a DLQ message back to where
// the processor read it from.
func publishDLQ(ctx context.Context, b *broker.Broker, log zerolog.Logger, queue string, deliveryTag uint64, body []byte, reason string, cause error, decoded map[string]any) {
	metrics.IncProcessorDLQ(reason)

	env := dlqEnvelope{
		FailedAt: time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		Reason:   reason,
		Source: map[string]any{
			"queue":        routing.QueueName(queue),
			"routing_key":  queue,
			"delivery_tag": deliveryTag,
		},
		Payload: dlqPayload{
			RawValueB64: base64.StdEncoding.EncodeToString(body),
			Decoded:     decoded,
		},
	}
	if cause != nil {
		env.Error = &dlqError{Type: "error", Message: cause.Error()}
	}

	doc, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Msg("processor: failed to marshal dlq envelope")
		return
	}

	if err := b.Publish(ctx, routing.TopicDLQ, doc, nil); err != nil {
		log.Error().Err(err).Str("reason", reason).Msg("processor: failed to publish dlq message")
	}
}

// retryHeaders builds the amqp.Table carrying the republish attempt
// count, mirroring _republish_with_retry's sb_retry/sb_retry_at headers.
func retryHeaders(existing amqp.Table, attempt int) amqp.Table {
	headers := amqp.Table{}
	for k, v := range existing {
		headers[k] = v
	}
	headers["sb_retry"] = int32(attempt)
	headers["sb_retry_at"] = time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	return headers
}

func retryCount(headers amqp.Table) int {
	if headers == nil {
		return 0
	}
	switch v := headers["sb_retry"].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
