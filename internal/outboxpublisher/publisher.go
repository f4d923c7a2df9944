// Package outboxpublisher drains outbox_events into the broker,
// grounded on original_source's services/outbox-publisher/app/worker.py.
package outboxpublisher

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/sb-analytics/pipeline/internal/broker"
	"github.com/sb-analytics/pipeline/internal/metrics"
)

// Config holds the lease/retry parameters the publisher loop needs.
type Config struct {
	LeaseSize    int
	LeaseTimeout time.Duration
	MaxRetries   int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	IdlePoll     time.Duration
}

// leasedRow is one row claimed by lockBatch.
type leasedRow struct {
	ID         int64
	RoutingKey string
	Payload    []byte
	Retries    int
	AppUUID    string
	EventID    *string
	TraceID    *string
	OccurredAt time.Time
}

// Publisher drains pending outbox rows in batches, publishing each to
// the broker and marking it sent, or backing off and marking it pending
// (or permanently failed past MaxRetries) on error.
type Publisher struct {
	pool   *pgxpool.Pool
	broker *broker.Broker
	cfg    Config
	log    zerolog.Logger
}

func New(pool *pgxpool.Pool, b *broker.Broker, cfg Config, log zerolog.Logger) *Publisher {
	return &Publisher{pool: pool, broker: b, cfg: cfg, log: log}
}

// Run loops until ctx is cancelled, polling for a batch, publishing it,
// and sleeping IdlePoll whenever a poll publishes no row (nothing was
// pending, or every publish in the batch failed) — the same
// idle-backoff original_source's main loop uses.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		rows, err := p.lockBatch(ctx)
		if err != nil {
			p.log.Error().Err(err).Msg("outbox: lock batch failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.IdlePoll):
			}
			continue
		}

		processed := 0
		for _, row := range rows {
			if p.publishOne(ctx, row) {
				processed++
			}
		}

		if processed == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.IdlePoll):
			}
		}
	}
}

// lockBatch atomically claims up to LeaseSize pending rows, treating a
// row whose locked_at is older than LeaseTimeout as abandoned by a dead
// worker and eligible to be relocked — mirrors build_poll_sql's CTE.
func (p *Publisher) lockBatch(ctx context.Context) ([]leasedRow, error) {
	rows, err := p.pool.Query(ctx, `
		WITH cte AS (
		  SELECT id
		  FROM outbox_events
		  WHERE status = 'pending'
		    AND next_attempt_at <= now()
		    AND (locked_at IS NULL OR locked_at < now() - $1::interval)
		  ORDER BY id
		  FOR UPDATE SKIP LOCKED
		  LIMIT $2
		), locked AS (
		  UPDATE outbox_events o
		  SET locked_at = now()
		  FROM cte
		  WHERE o.id = cte.id
		  RETURNING o.id, o.routing_key, o.payload, o.retries,
		            o.app_uuid, o.event_id, o.trace_id, o.occurred_at
		)
		SELECT id, routing_key, payload, retries, app_uuid, event_id, trace_id, occurred_at FROM locked
	`, fmt.Sprintf("%d seconds", int(p.cfg.LeaseTimeout.Seconds())), p.cfg.LeaseSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []leasedRow
	for rows.Next() {
		var r leasedRow
		if err := rows.Scan(&r.ID, &r.RoutingKey, &r.Payload, &r.Retries, &r.AppUUID, &r.EventID, &r.TraceID, &r.OccurredAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	metrics.ObserveOutboxBatchSize(len(out))
	return out, rows.Err()
}

// headers builds the publish-time AMQP headers spec.md §4.4 requires:
// event_id, trace_id, occurred_at, app_uuid.
func (r leasedRow) headers() amqp.Table {
	t := amqp.Table{
		"app_uuid":    r.AppUUID,
		"occurred_at": r.OccurredAt.UTC().Format(time.RFC3339),
	}
	if r.EventID != nil {
		t["event_id"] = *r.EventID
	}
	if r.TraceID != nil {
		t["trace_id"] = *r.TraceID
	}
	return t
}

func (p *Publisher) publishOne(ctx context.Context, row leasedRow) bool {
	err := p.broker.Publish(ctx, row.RoutingKey, row.Payload, row.headers())
	if err == nil {
		if _, execErr := p.pool.Exec(ctx, `
			UPDATE outbox_events SET status = 'sent', locked_at = NULL WHERE id = $1
		`, row.ID); execErr != nil {
			p.log.Error().Err(execErr).Int64("outbox_id", row.ID).Msg("outbox: mark sent failed")
		}
		metrics.IncOutboxPublished("sent")
		return true
	}

	nextAttempt := time.Now().UTC().Add(backoffSeconds(row.Retries, p.cfg.BackoffBase, p.cfg.BackoffMax))
	errMsg := err.Error()
	if _, execErr := p.pool.Exec(ctx, `
		UPDATE outbox_events
		SET retries = retries + 1,
		    last_error = $2,
		    next_attempt_at = $3,
		    locked_at = NULL,
		    status = CASE WHEN retries + 1 > $4 THEN 'failed' ELSE 'pending' END
		WHERE id = $1
	`, row.ID, errMsg, nextAttempt, p.cfg.MaxRetries); execErr != nil {
		p.log.Error().Err(execErr).Int64("outbox_id", row.ID).Msg("outbox: mark failed failed")
	}
	if row.Retries+1 > p.cfg.MaxRetries {
		metrics.IncOutboxPublished("failed")
	} else {
		metrics.IncOutboxPublished("retry")
	}
	p.log.Warn().Err(err).Int64("outbox_id", row.ID).Int("retries", row.Retries).Msg("outbox: publish failed")
	return false
}
