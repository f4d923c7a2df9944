// Package ingest implements the batch envelope-ingestion transaction
// and its HTTP surface, grounded on original_source's
// services/ingest-api/app/main.py.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sb-analytics/pipeline/internal/envelope"
	"github.com/sb-analytics/pipeline/internal/privacy"
	"github.com/sb-analytics/pipeline/internal/routing"
)

// ItemResult is one batch item's outcome, echoed back to the caller.
type ItemResult struct {
	Index   int    `json:"index"`
	Code    string `json:"error_code,omitempty"`
	Message string `json:"message,omitempty"`
}

// BatchResult is the /v1/events response body.
type BatchResult struct {
	Accepted int          `json:"accepted"`
	Deduped  int          `json:"deduped"`
	Rejected []ItemResult `json:"rejected"`
}

// Service owns the shared pool and the envelope strictness setting.
type Service struct {
	pool           *pgxpool.Pool
	strictEnvelope bool
}

func New(pool *pgxpool.Pool, strictEnvelope bool) *Service {
	return &Service{pool: pool, strictEnvelope: strictEnvelope}
}

// StrictEnvelope reports whether this service rejects non-conforming
// envelopes outright rather than accepting the lax aliases (spec.md
// §4.1) — the HTTP layer uses it to pick the 422-on-total-failure
// status code spec.md §6 reserves for strict mode.
func (s *Service) StrictEnvelope() bool {
	return s.strictEnvelope
}

// IngestBatch validates and stages every document in one transaction:
// each accepted event's raw_event and outbox rows commit atomically,
// mirroring spec.md §4.3's "single per-batch transaction" semantics.
func (s *Service) IngestBatch(ctx context.Context, docs []map[string]any) (*BatchResult, error) {
	result := &BatchResult{}
	optedOutCache := make(map[[2]string]bool)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("ingest: begin batch: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for idx, doc := range docs {
		ev, err := envelope.Parse(doc, s.strictEnvelope)
		if err != nil {
			result.Rejected = append(result.Rejected, ItemResult{Index: idx, Code: "invalid_envelope", Message: err.Error()})
			continue
		}

		key := [2]string{ev.AppUUID, ev.AnonUserID}
		optedOut, cached := optedOutCache[key]
		if !cached {
			optedOut, err = privacy.IsOptedOut(ctx, s.pool, ev.AppUUID, ev.AnonUserID)
			if err != nil {
				return nil, fmt.Errorf("ingest: check opt-out: %w", err)
			}
			optedOutCache[key] = optedOut
		}
		if optedOut {
			result.Rejected = append(result.Rejected, ItemResult{Index: idx, Code: "opted_out", Message: "identifier has opted out"})
			continue
		}

		inserted, err := insertRawEvent(ctx, tx, ev)
		if err != nil {
			return nil, fmt.Errorf("ingest: insert raw_event: %w", err)
		}
		if !inserted {
			result.Deduped++
			continue
		}

		stagedPayload, err := stagedPayload(doc, ev)
		if err != nil {
			return nil, fmt.Errorf("ingest: build staged payload: %w", err)
		}

		for _, key := range routing.KeysFor(ev.EventName) {
			if err := insertOutboxRow(ctx, tx, ev, key, stagedPayload); err != nil {
				return nil, fmt.Errorf("ingest: insert outbox row: %w", err)
			}
		}

		result.Accepted++
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("ingest: commit batch: %w", err)
	}
	return result, nil
}

func insertRawEvent(ctx context.Context, tx pgx.Tx, ev *envelope.NormalizedEvent) (bool, error) {
	payloadJSON, err := json.Marshal(ev.Payload)
	if err != nil {
		return false, err
	}
	contextJSON, err := json.Marshal(ev.Context)
	if err != nil {
		return false, err
	}
	rawJSON, err := json.Marshal(ev.Raw)
	if err != nil {
		return false, err
	}

	lat, lon, accuracyM, source, hasGeo := ev.Geo()

	var geoLat, geoLon, geoAccuracy any
	var geoSource any
	if hasGeo {
		geoLat, geoLon = lat, lon
		if accuracyM != nil {
			geoAccuracy = *accuracyM
		}
		if source != "" {
			geoSource = source
		}
	}

	var one int
	err = tx.QueryRow(ctx, `
		INSERT INTO raw_events (
			event_id, trace_id, producer, actor,
			app_uuid, event_type, event_ts,
			anon_user_id, device_id_hash, session_id, sdk_version, event_version,
			geo_lat, geo_lon, geo_accuracy_m, geo_source,
			payload, context, raw_doc
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7,
			$8, $9, $10, $11, $12,
			$13, $14, $15, $16,
			$17, $18, $19
		)
		ON CONFLICT (app_uuid, event_id) DO NOTHING
		RETURNING 1
	`,
		ev.EventID, ev.TraceID, ev.Producer, ev.Actor,
		ev.AppUUID, ev.EventName, ev.OccurredAt,
		ev.AnonUserID, ev.DeviceIDHash, ev.SessionID, ev.SDKVersion, ev.EventVersion,
		geoLat, geoLon, geoAccuracy, geoSource,
		payloadJSON, contextJSON, rawJSON,
	).Scan(&one)

	if err == nil {
		return true, nil
	}
	if err == pgx.ErrNoRows {
		return false, nil
	}
	return false, err
}

// stagedPayload is the outbox payload: the original document plus the
// normalized envelope keys, so downstream consumers see a canonical
// shape regardless of which envelope variant the producer sent.
func stagedPayload(doc map[string]any, ev *envelope.NormalizedEvent) ([]byte, error) {
	staged := make(map[string]any, len(doc)+6)
	for k, v := range doc {
		staged[k] = v
	}
	staged["event_id"] = ev.EventID
	staged["trace_id"] = ev.TraceID
	staged["producer"] = ev.Producer
	staged["actor"] = ev.Actor
	staged["occurred_at"] = ev.OccurredAt.Format("2006-01-02T15:04:05.000Z07:00")
	staged["event_name"] = ev.EventName
	staged["app_uuid"] = ev.AppUUID
	staged["anon_user_id"] = ev.AnonUserID
	staged["device_id_hash"] = ev.DeviceIDHash
	return json.Marshal(staged)
}

func insertOutboxRow(ctx context.Context, tx pgx.Tx, ev *envelope.NormalizedEvent, routingKey string, payload []byte) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO outbox_events (app_uuid, event_id, trace_id, occurred_at, routing_key, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (app_uuid, event_id, routing_key) DO NOTHING
	`, ev.AppUUID, ev.EventID, ev.TraceID, ev.OccurredAt, routingKey, payload)
	return err
}
