package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sb-analytics/pipeline/internal/envelope"
	"github.com/sb-analytics/pipeline/internal/geo"
	"github.com/sb-analytics/pipeline/internal/models"
)

func floorToHour(ts time.Time) time.Time {
	return ts.UTC().Truncate(time.Hour)
}

// geoDims is the resolved set of dimensions for one geo ping, grounded
// on original_source's compute_geo_dims/lookup_place_id/
// lookup_admin_codes.
type geoDims struct {
	lat, lon          float64
	accuracyM         *float64
	indices           geo.Indices
	placeID           *string
	precisionClass    models.PrecisionClass
	country, province *string
	municipality, sector *string
}

func computeGeoDims(ctx context.Context, pool *pgxpool.Pool, ev *envelope.NormalizedEvent) (*geoDims, error) {
	lat, lon, accuracyM, _, ok := ev.Geo()
	if !ok {
		return nil, nil
	}

	precision := geo.ClassifyPrecision(accuracyM)
	indices := geo.ComputeIndices(lat, lon)

	for _, cell := range []string{indices.R7, indices.R9, indices.R11} {
		if err := geo.EnsureH3Cell(ctx, pool, cell); err != nil {
			return nil, fmt.Errorf("processor: ensure h3 cell: %w", err)
		}
	}

	placeID, err := geo.LookupPlace(ctx, pool, lat, lon, ev.OccurredAt)
	if err != nil {
		return nil, fmt.Errorf("processor: lookup place: %w", err)
	}

	admin, err := geo.LookupAdminCodes(ctx, pool, lat, lon, ev.OccurredAt)
	if err != nil {
		return nil, fmt.Errorf("processor: lookup admin codes: %w", err)
	}

	municipality, sector := admin.Municipality, admin.Sector
	if precision == models.PrecisionCoarse {
		// Degrade to macro levels only (spec.md §4.5).
		municipality, sector = nil, nil
	}

	return &geoDims{
		lat: lat, lon: lon,
		accuracyM:      accuracyM,
		indices:        indices,
		placeID:        placeID,
		precisionClass: precision,
		country:        admin.Country,
		province:       admin.Province,
		municipality:   municipality,
		sector:         sector,
	}, nil
}

// dispatchGeo materializes device/user hourly presence and the geo
// slice of customer_360 for one geo.ping event, per spec.md §4.5.
func dispatchGeo(ctx context.Context, tx pgx.Tx, pool *pgxpool.Pool, ev *envelope.NormalizedEvent) error {
	dims, err := computeGeoDims(ctx, pool, ev)
	if err != nil {
		return err
	}
	if dims == nil {
		return nil // no context.geo on this event: nothing to materialize
	}

	hourBucket := floorToHour(ev.OccurredAt)

	deviceUpgraded, err := upsertPresence(ctx, tx, "device_hourly_presence", "device_id_hash", ev.AppUUID, hourBucket, ev.DeviceIDHash, ev.AnonUserID, dims, ev.OccurredAt)
	if err != nil {
		return fmt.Errorf("processor: upsert device presence: %w", err)
	}
	userUpgraded, err := upsertPresence(ctx, tx, "user_hourly_presence", "anon_user_id", ev.AppUUID, hourBucket, ev.AnonUserID, ev.DeviceIDHash, dims, ev.OccurredAt)
	if err != nil {
		return fmt.Errorf("processor: upsert user presence: %w", err)
	}

	if deviceUpgraded || userUpgraded {
		if err := bumpAggregates(ctx, tx, ev.AppUUID, hourBucket, dims, deviceUpgraded, userUpgraded); err != nil {
			return fmt.Errorf("processor: bump aggregates: %w", err)
		}
	}

	if err := upsertCustomer360FromGeo(ctx, tx, ev, dims); err != nil {
		return fmt.Errorf("processor: upsert customer_360 from geo: %w", err)
	}
	return nil
}

// upsertPresence applies the precision-monotonic update policy (I3):
// a fresh row always inserts; an existing row's geo dimensions are
// overwritten only when the incoming precision ranks strictly higher,
// and first_event_ts always tracks the minimum observed. Returns
// whether this call newly inserted the row (for aggregate deltas).
func upsertPresence(ctx context.Context, tx pgx.Tx, table, entityCol, appUUID string, hourBucket time.Time, entityID, secondaryID string, dims *geoDims, eventTS time.Time) (bool, error) {
	var existingClass string
	err := tx.QueryRow(ctx, fmt.Sprintf(`
		SELECT geo_precision_class FROM %s
		WHERE app_uuid = $1 AND hour_bucket = $2 AND %s = $3
	`, table, entityCol), appUUID, hourBucket, entityID).Scan(&existingClass)

	switch {
	case err == pgx.ErrNoRows:
		if err := insertPresence(ctx, tx, table, entityCol, appUUID, hourBucket, entityID, secondaryID, dims, eventTS); err != nil {
			return false, err
		}
		return true, nil
	case err != nil:
		return false, err
	}

	if models.PrecisionClass(existingClass).Rank() < dims.precisionClass.Rank() {
		_, err := tx.Exec(ctx, fmt.Sprintf(`
			UPDATE %s SET
			  h3_r7 = $4, h3_r9 = $5, h3_r11 = $6, place_id = $7,
			  admin_country_code = $8, admin_province_code = $9,
			  admin_municipality_code = $10, admin_sector_code = $11,
			  geo_accuracy_m = $12, geo_precision_class = $13,
			  first_event_ts = LEAST(first_event_ts, $14)
			WHERE app_uuid = $1 AND hour_bucket = $2 AND %s = $3
		`, table, entityCol),
			appUUID, hourBucket, entityID,
			dims.indices.R7, dims.indices.R9, dims.indices.R11, dims.placeID,
			dims.country, dims.province, dims.municipality, dims.sector,
			nullableFloat(dims.accuracyM), string(dims.precisionClass), eventTS,
		)
		return false, err
	}

	_, err = tx.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET first_event_ts = LEAST(first_event_ts, $4)
		WHERE app_uuid = $1 AND hour_bucket = $2 AND %s = $3
	`, table, entityCol), appUUID, hourBucket, entityID, eventTS)
	return false, err
}

func insertPresence(ctx context.Context, tx pgx.Tx, table, entityCol, appUUID string, hourBucket time.Time, entityID, secondaryID string, dims *geoDims, eventTS time.Time) error {
	secondaryCol := "anon_user_id"
	if entityCol == "anon_user_id" {
		secondaryCol = "device_id_hash"
	}
	_, err := tx.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (
		  app_uuid, hour_bucket, %s, %s,
		  h3_r7, h3_r9, h3_r11, place_id,
		  admin_country_code, admin_province_code, admin_municipality_code, admin_sector_code,
		  geo_accuracy_m, geo_precision_class, first_event_ts
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, table, entityCol, secondaryCol),
		appUUID, hourBucket, entityID, secondaryID,
		dims.indices.R7, dims.indices.R9, dims.indices.R11, dims.placeID,
		dims.country, dims.province, dims.municipality, dims.sector,
		nullableFloat(dims.accuracyM), string(dims.precisionClass), eventTS,
	)
	return err
}

func nullableFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

// bumpAggregates increments the hourly H3/place/admin aggregate tables
// by the device/user deltas a freshly-inserted presence row produced.
func bumpAggregates(ctx context.Context, tx pgx.Tx, appUUID string, hourBucket time.Time, dims *geoDims, deviceNew, userNew bool) error {
	devicesInc, usersInc := 0, 0
	if deviceNew {
		devicesInc = 1
	}
	if userNew {
		usersInc = 1
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO agg_h3_r9_hourly (app_uuid, hour_bucket, h3_r9, devices_count, users_count)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (app_uuid, hour_bucket, h3_r9) DO UPDATE SET
		  devices_count = agg_h3_r9_hourly.devices_count + EXCLUDED.devices_count,
		  users_count = agg_h3_r9_hourly.users_count + EXCLUDED.users_count,
		  updated_at = now()
	`, appUUID, hourBucket, dims.indices.R9, devicesInc, usersInc); err != nil {
		return err
	}

	if dims.placeID != nil {
		if _, err := tx.Exec(ctx, `
			INSERT INTO agg_place_hourly (app_uuid, hour_bucket, place_id, devices_count, users_count)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (app_uuid, hour_bucket, place_id) DO UPDATE SET
			  devices_count = agg_place_hourly.devices_count + EXCLUDED.devices_count,
			  users_count = agg_place_hourly.users_count + EXCLUDED.users_count,
			  updated_at = now()
		`, appUUID, hourBucket, *dims.placeID, devicesInc, usersInc); err != nil {
			return err
		}
	}

	for level, code := range map[string]*string{
		"country": dims.country, "province": dims.province,
		"municipality": dims.municipality, "sector": dims.sector,
	} {
		if code == nil {
			continue
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO agg_admin_hourly (app_uuid, hour_bucket, level, code, devices_count, users_count)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (app_uuid, hour_bucket, level, code) DO UPDATE SET
			  devices_count = agg_admin_hourly.devices_count + EXCLUDED.devices_count,
			  users_count = agg_admin_hourly.users_count + EXCLUDED.users_count,
			  updated_at = now()
		`, appUUID, hourBucket, level, *code, devicesInc, usersInc); err != nil {
			return err
		}
	}
	return nil
}

func upsertCustomer360FromGeo(ctx context.Context, tx pgx.Tx, ev *envelope.NormalizedEvent, dims *geoDims) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO customer_360 (
		  app_uuid, anon_user_id, device_id_hash,
		  first_seen_at, last_seen_at,
		  last_event_type, last_session_id, last_sdk_version, last_event_version,
		  last_h3_r9, last_place_id,
		  last_admin_country_code, last_admin_province_code, last_admin_municipality_code, last_admin_sector_code,
		  geo_events_count, active_user_hours_count, active_device_hours_count,
		  updated_at
		) VALUES (
		  $1, $2, $3,
		  $4, $4,
		  $5, $6, $7, $8,
		  $9, $10,
		  $11, $12, $13, $14,
		  1,
		  (SELECT COUNT(*) FROM user_hourly_presence WHERE app_uuid = $1 AND anon_user_id = $2),
		  (SELECT COUNT(*) FROM device_hourly_presence WHERE app_uuid = $1 AND device_id_hash = $3),
		  now()
		)
		ON CONFLICT (app_uuid, anon_user_id) DO UPDATE SET
		  device_id_hash = EXCLUDED.device_id_hash,
		  first_seen_at = LEAST(customer_360.first_seen_at, EXCLUDED.first_seen_at),
		  last_seen_at = GREATEST(customer_360.last_seen_at, EXCLUDED.last_seen_at),
		  -- last geo/event dimensions only move forward when this event is
		  -- at least as new as what's stored (spec.md §4.5: "incoming if
		  -- event_ts >= last_seen").
		  last_event_type = CASE WHEN $4 >= customer_360.last_seen_at THEN EXCLUDED.last_event_type ELSE customer_360.last_event_type END,
		  last_session_id = CASE WHEN $4 >= customer_360.last_seen_at THEN EXCLUDED.last_session_id ELSE customer_360.last_session_id END,
		  last_sdk_version = CASE WHEN $4 >= customer_360.last_seen_at THEN EXCLUDED.last_sdk_version ELSE customer_360.last_sdk_version END,
		  last_event_version = CASE WHEN $4 >= customer_360.last_seen_at THEN EXCLUDED.last_event_version ELSE customer_360.last_event_version END,
		  last_h3_r9 = CASE WHEN $4 >= customer_360.last_seen_at THEN EXCLUDED.last_h3_r9 ELSE customer_360.last_h3_r9 END,
		  last_place_id = CASE WHEN $4 >= customer_360.last_seen_at THEN EXCLUDED.last_place_id ELSE customer_360.last_place_id END,
		  last_admin_country_code = CASE WHEN $4 >= customer_360.last_seen_at THEN EXCLUDED.last_admin_country_code ELSE customer_360.last_admin_country_code END,
		  last_admin_province_code = CASE WHEN $4 >= customer_360.last_seen_at THEN EXCLUDED.last_admin_province_code ELSE customer_360.last_admin_province_code END,
		  last_admin_municipality_code = CASE WHEN $4 >= customer_360.last_seen_at THEN EXCLUDED.last_admin_municipality_code ELSE customer_360.last_admin_municipality_code END,
		  last_admin_sector_code = CASE WHEN $4 >= customer_360.last_seen_at THEN EXCLUDED.last_admin_sector_code ELSE customer_360.last_admin_sector_code END,
		  geo_events_count = customer_360.geo_events_count + 1,
		  active_user_hours_count = (SELECT COUNT(*) FROM user_hourly_presence WHERE app_uuid = customer_360.app_uuid AND anon_user_id = customer_360.anon_user_id),
		  active_device_hours_count = (SELECT COUNT(*) FROM device_hourly_presence WHERE app_uuid = customer_360.app_uuid AND device_id_hash = EXCLUDED.device_id_hash),
		  updated_at = now()
	`,
		ev.AppUUID, ev.AnonUserID, ev.DeviceIDHash,
		ev.OccurredAt,
		ev.EventName, ev.SessionID, ev.SDKVersion, ev.EventVersion,
		dims.indices.R9, dims.placeID,
		dims.country, dims.province, dims.municipality, dims.sector,
	)
	return err
}
