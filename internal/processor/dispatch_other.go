package processor

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/sb-analytics/pipeline/internal/envelope"
)

// dispatchOther handles the families spec.md §4.5 gives no materialization
// rules beyond the common idempotency-dedupe-and-ack pipeline: raw, session,
// screen, ui, system. There is no dedicated fact table for these, so
// dispatch only upserts the generic slice of customer_360 (first/last
// seen and the last_event_* fields, the latter gated on event_ts >=
// last_seen_at); the row already landed in raw_events during ingest, and
// processed_events (inserted by the caller before dispatch runs) is what
// makes redelivery safe.
func dispatchOther(ctx context.Context, tx pgx.Tx, ev *envelope.NormalizedEvent) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO customer_360 (
		  app_uuid, anon_user_id, device_id_hash,
		  first_seen_at, last_seen_at,
		  last_event_type, last_session_id, last_sdk_version, last_event_version,
		  updated_at
		) VALUES ($1, $2, $3, $4, $4, $5, $6, $7, $8, now())
		ON CONFLICT (app_uuid, anon_user_id) DO UPDATE SET
		  device_id_hash = EXCLUDED.device_id_hash,
		  first_seen_at = LEAST(customer_360.first_seen_at, EXCLUDED.first_seen_at),
		  last_seen_at = GREATEST(customer_360.last_seen_at, EXCLUDED.last_seen_at),
		  last_event_type = CASE WHEN $4 >= customer_360.last_seen_at THEN EXCLUDED.last_event_type ELSE customer_360.last_event_type END,
		  last_session_id = CASE WHEN $4 >= customer_360.last_seen_at THEN EXCLUDED.last_session_id ELSE customer_360.last_session_id END,
		  last_sdk_version = CASE WHEN $4 >= customer_360.last_seen_at THEN EXCLUDED.last_sdk_version ELSE customer_360.last_sdk_version END,
		  last_event_version = CASE WHEN $4 >= customer_360.last_seen_at THEN EXCLUDED.last_event_version ELSE customer_360.last_event_version END,
		  updated_at = now()
	`, ev.AppUUID, ev.AnonUserID, ev.DeviceIDHash, ev.OccurredAt, ev.EventName, ev.SessionID, ev.SDKVersion, ev.EventVersion)
	return err
}
