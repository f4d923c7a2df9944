// Package processor consumes the per-family queues the outbox publisher
// fans messages out to and materializes the hourly presence, aggregate
// and customer_360 tables, grounded on original_source's
// processor/app/worker.py (compute_geo_dims, upsert_license, DLQ and
// retry handling) and spec.md §4.5.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/sb-analytics/pipeline/internal/broker"
	"github.com/sb-analytics/pipeline/internal/envelope"
	"github.com/sb-analytics/pipeline/internal/metrics"
	"github.com/sb-analytics/pipeline/internal/routing"
)

// Config bounds retry behavior shared by every family worker.
type Config struct {
	ConsumerGroup string
	MaxRetries    int
	RetryBase     time.Duration
	RetryMax      time.Duration
	Prefetch      int
}

// Worker owns one consumer per domain queue binding (spec.md §4.5: raw,
// geo, license, session, screen, ui, system — one worker per binding,
// wider than original_source's geo+license-only processor).
type Worker struct {
	pool   *pgxpool.Pool
	broker *broker.Broker
	cfg    Config
	log    zerolog.Logger

	optOutMu    sync.Mutex
	optOutCache map[string]bool
}

func New(pool *pgxpool.Pool, b *broker.Broker, cfg Config, log zerolog.Logger) *Worker {
	return &Worker{
		pool:        pool,
		broker:      b,
		cfg:         cfg,
		log:         log,
		optOutCache: make(map[string]bool),
	}
}

// Run starts one goroutine per routing key and blocks until ctx is
// cancelled.
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	for _, key := range routing.AllTopics() {
		if key == routing.TopicDLQ {
			continue
		}
		wg.Add(1)
		go func(queue string) {
			defer wg.Done()
			w.consumeLoop(ctx, queue)
		}(key)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

// consumeLoop re-subscribes to queue for as long as ctx is live. A
// delivery channel closes both on shutdown and whenever the broker's
// underlying AMQP channel drops (e.g. a connection reset that
// internal/broker is in the middle of redialing); only the ctx.Done
// case is permanent, so a closed delivery channel otherwise means
// "resubscribe", not "stop".
func (w *Worker) consumeLoop(ctx context.Context, queue string) {
	for ctx.Err() == nil {
		deliveries, err := w.broker.Consume(ctx, queue, w.cfg.ConsumerGroup+"."+queue, w.cfg.Prefetch)
		if err != nil {
			w.log.Error().Err(err).Str("queue", queue).Msg("processor: consume setup failed, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		w.drain(ctx, queue, deliveries)
	}
}

func (w *Worker) drain(ctx context.Context, queue string, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			w.handle(ctx, queue, d)
		}
	}
}

// handle implements the six-step pipeline from spec.md §4.5: decode,
// classify, idempotency, dispatch, and the retry/DLQ outcomes.
func (w *Worker) handle(ctx context.Context, queue string, d amqp.Delivery) {
	var doc map[string]any
	if err := json.Unmarshal(d.Body, &doc); err != nil {
		publishDLQ(ctx, w.broker, w.log, queue, d.DeliveryTag, d.Body, "json_decode", err, nil)
		metrics.IncProcessorEvent(queue, "dlq")
		_ = d.Ack(false)
		return
	}

	ev, err := envelope.Parse(doc, false)
	if err != nil {
		publishDLQ(ctx, w.broker, w.log, queue, d.DeliveryTag, d.Body, "invalid_document_type", err, doc)
		metrics.IncProcessorEvent(queue, "dlq")
		_ = d.Ack(false)
		return
	}

	if w.isOptedOut(ctx, ev.AppUUID, ev.AnonUserID) {
		metrics.IncProcessorEvent(queue, "opted_out")
		_ = d.Ack(false)
		return
	}

	outcome, err := w.dispatch(ctx, queue, ev)
	if err == nil {
		metrics.IncProcessorEvent(queue, outcome)
		_ = d.Ack(false)
		return
	}

	if isTransient(err) {
		w.retryOrDLQ(ctx, queue, d, err)
		return
	}

	publishDLQ(ctx, w.broker, w.log, queue, d.DeliveryTag, d.Body, "minimal_event", err, doc)
	metrics.IncProcessorEvent(queue, "dlq")
	_ = d.Ack(false)
}

// dispatch runs idempotency-insert + family dispatch inside one
// transaction: either both land or neither does, so a crash between
// marking an event processed and materializing it is impossible.
func (w *Worker) dispatch(ctx context.Context, queue string, ev *envelope.NormalizedEvent) (string, error) {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `
		INSERT INTO processed_events (consumer, app_uuid, event_id)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
	`, w.cfg.ConsumerGroup+"."+queue, ev.AppUUID, ev.EventID)
	if err != nil {
		return "", err
	}
	if tag.RowsAffected() == 0 {
		return "deduped", nil
	}

	switch queue {
	case routing.TopicGeo:
		err = dispatchGeo(ctx, tx, w.pool, ev)
	case routing.TopicLicense:
		err = dispatchLicense(ctx, tx, ev)
	default:
		err = dispatchOther(ctx, tx, ev)
	}
	if err != nil {
		return "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return "applied", nil
}

// retryOrDLQ republishes with an incremented sb_retry header and
// exponential backoff delay, or sends to the DLQ once max retries are
// exhausted — mirrors original_source's _republish_with_retry.
func (w *Worker) retryOrDLQ(ctx context.Context, queue string, d amqp.Delivery, cause error) {
	attempt := retryCount(d.Headers) + 1
	if attempt > w.cfg.MaxRetries {
		publishDLQ(ctx, w.broker, w.log, queue, d.DeliveryTag, d.Body, "max_retries_exceeded", cause, nil)
		metrics.IncProcessorEvent(queue, "dlq")
		_ = d.Ack(false)
		return
	}

	delay := backoffSeconds(attempt-1, w.cfg.RetryBase, w.cfg.RetryMax)
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		_ = d.Nack(false, true)
		return
	}

	headers := retryHeaders(d.Headers, attempt)
	if err := w.broker.Publish(ctx, queue, d.Body, headers); err != nil {
		w.log.Error().Err(err).Str("queue", queue).Msg("processor: retry republish failed, requeueing")
		_ = d.Nack(false, true)
		return
	}
	metrics.IncProcessorEvent(queue, "retry")
	_ = d.Ack(false)
}

func (w *Worker) isOptedOut(ctx context.Context, appUUID, anonUserID string) bool {
	key := appUUID + ":" + anonUserID
	w.optOutMu.Lock()
	if v, ok := w.optOutCache[key]; ok {
		w.optOutMu.Unlock()
		return v
	}
	w.optOutMu.Unlock()

	var optedOut bool
	err := w.pool.QueryRow(ctx, `SELECT 1 FROM opt_out WHERE app_uuid = $1 AND anon_user_id = $2 LIMIT 1`, appUUID, anonUserID).Scan(new(int))
	switch {
	case err == nil:
		optedOut = true
	case errors.Is(err, pgx.ErrNoRows):
		optedOut = false
	default:
		w.log.Error().Err(err).Msg("processor: opt-out lookup failed, assuming not opted out")
		return false
	}

	w.optOutMu.Lock()
	if len(w.optOutCache) > 50000 {
		w.optOutCache = make(map[string]bool)
	}
	w.optOutCache[key] = optedOut
	w.optOutMu.Unlock()
	return optedOut
}
