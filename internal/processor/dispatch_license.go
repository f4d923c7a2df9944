package processor

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/sb-analytics/pipeline/internal/envelope"
)

// maybeTimestamp parses an optional ISO-8601 payload field, returning
// nil on absence or malformed input rather than failing the dispatch —
// mirrors original_source's upsert_license._maybe_ts.
func maybeTimestamp(v any) *time.Time {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

func payloadString(payload map[string]any, key, def string) string {
	if v, ok := payload[key].(string); ok && v != "" {
		return v
	}
	return def
}

// dispatchLicense upserts license_state and the license slice of
// customer_360 for a license.* event, per spec.md §4.? and
// original_source's upsert_license/upsert_customer_360_from_license.
func dispatchLicense(ctx context.Context, tx pgx.Tx, ev *envelope.NormalizedEvent) error {
	planType := payloadString(ev.Payload, "plan_type", "unknown")
	status := payloadString(ev.Payload, "license_status", "unknown")
	startedAt := maybeTimestamp(ev.Payload["started_at"])
	renewedAt := maybeTimestamp(ev.Payload["renewed_at"])
	expiresAt := maybeTimestamp(ev.Payload["expires_at"])

	// Late-arriving events never overwrite newer state: the update only
	// applies when this event's timestamp is at least as new as the
	// row's last update (spec.md §4.5, license family). updated_at
	// tracks event_ts, not wall-clock processing time — otherwise a
	// late-processed-but-newer event would compare against an
	// already-advanced-by-now() clock and lose to an older event that
	// happened to be processed first.
	if _, err := tx.Exec(ctx, `
		INSERT INTO license_state (
		  app_uuid, anon_user_id, device_id_hash,
		  plan_type, license_status,
		  started_at, renewed_at, expires_at,
		  updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (app_uuid, anon_user_id) DO UPDATE SET
		  device_id_hash = EXCLUDED.device_id_hash,
		  plan_type = EXCLUDED.plan_type,
		  license_status = EXCLUDED.license_status,
		  started_at = EXCLUDED.started_at,
		  renewed_at = EXCLUDED.renewed_at,
		  expires_at = EXCLUDED.expires_at,
		  updated_at = EXCLUDED.updated_at
		WHERE license_state.updated_at <= $9
	`, ev.AppUUID, ev.AnonUserID, ev.DeviceIDHash, planType, status, startedAt, renewedAt, expiresAt, ev.OccurredAt); err != nil {
		return err
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO customer_360 (
		  app_uuid, anon_user_id, device_id_hash,
		  first_seen_at, last_seen_at,
		  last_event_type, last_session_id, last_sdk_version, last_event_version,
		  license_events_count,
		  last_plan_type, last_license_status,
		  license_started_at, license_renewed_at, license_expires_at,
		  updated_at
		) VALUES (
		  $1, $2, $3,
		  $4, $4,
		  $5, $6, $7, $8,
		  1,
		  $9, $10,
		  $11, $12, $13,
		  now()
		)
		ON CONFLICT (app_uuid, anon_user_id) DO UPDATE SET
		  device_id_hash = EXCLUDED.device_id_hash,
		  first_seen_at = LEAST(customer_360.first_seen_at, EXCLUDED.first_seen_at),
		  last_seen_at = GREATEST(customer_360.last_seen_at, EXCLUDED.last_seen_at),
		  -- same event_ts >= last_seen_at gate dispatch_geo.go uses: a
		  -- late-arriving license event must not clobber a newer one's
		  -- last_* mirrors, or I4 commutativity breaks across permutations.
		  last_event_type = CASE WHEN $4 >= customer_360.last_seen_at THEN EXCLUDED.last_event_type ELSE customer_360.last_event_type END,
		  last_session_id = CASE WHEN $4 >= customer_360.last_seen_at THEN EXCLUDED.last_session_id ELSE customer_360.last_session_id END,
		  last_sdk_version = CASE WHEN $4 >= customer_360.last_seen_at THEN EXCLUDED.last_sdk_version ELSE customer_360.last_sdk_version END,
		  last_event_version = CASE WHEN $4 >= customer_360.last_seen_at THEN EXCLUDED.last_event_version ELSE customer_360.last_event_version END,
		  license_events_count = customer_360.license_events_count + 1,
		  last_plan_type = CASE WHEN $4 >= customer_360.last_seen_at THEN EXCLUDED.last_plan_type ELSE customer_360.last_plan_type END,
		  last_license_status = CASE WHEN $4 >= customer_360.last_seen_at THEN EXCLUDED.last_license_status ELSE customer_360.last_license_status END,
		  license_started_at = CASE WHEN $4 >= customer_360.last_seen_at THEN EXCLUDED.license_started_at ELSE customer_360.license_started_at END,
		  license_renewed_at = CASE WHEN $4 >= customer_360.last_seen_at THEN EXCLUDED.license_renewed_at ELSE customer_360.license_renewed_at END,
		  license_expires_at = CASE WHEN $4 >= customer_360.last_seen_at THEN EXCLUDED.license_expires_at ELSE customer_360.license_expires_at END,
		  updated_at = now()
	`,
		ev.AppUUID, ev.AnonUserID, ev.DeviceIDHash,
		ev.OccurredAt,
		ev.EventName, ev.SessionID, ev.SDKVersion, ev.EventVersion,
		planType, status, startedAt, renewedAt, expiresAt,
	)
	return err
}
