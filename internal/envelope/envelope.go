// Package envelope normalizes the two accepted event envelope shapes
// (strict, lax) into a single internal NormalizedEvent, per SPEC_FULL.md
// §4.1 / Design Notes §9 ("duck-typed envelope union" → tagged variant +
// normalization step).
package envelope

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ValidationError is a structured, per-item rejection reason. It is never
// a 5xx — ingest reports it back to the caller in the batch response.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func reject(code, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NormalizedEvent is the single internal representation downstream code
// (ingest transaction, outbox payload, processor dispatch) operates on,
// regardless of which envelope shape arrived.
type NormalizedEvent struct {
	EventID      string
	TraceID      string
	Producer     string
	Actor        string
	AppUUID      string
	EventName    string
	OccurredAt   time.Time
	AnonUserID   string
	DeviceIDHash string
	SessionID    string
	SDKVersion   string
	EventVersion string
	Payload      map[string]any
	Context      map[string]any

	// Raw is the original, unmodified document as submitted — persisted
	// verbatim into raw_events.raw_doc.
	Raw map[string]any
}

// Geo extracts context.geo when present. Returns ok=false when absent or
// malformed (missing/non-numeric lat or lon).
func (e *NormalizedEvent) Geo() (lat, lon float64, accuracyM *float64, source string, ok bool) {
	geoRaw, _ := e.Context["geo"].(map[string]any)
	if geoRaw == nil {
		return 0, 0, nil, "", false
	}
	latV, latOK := asFloat(geoRaw["lat"])
	lonV, lonOK := asFloat(geoRaw["lon"])
	if !latOK || !lonOK {
		return 0, 0, nil, "", false
	}
	if accV, accOK := asFloat(geoRaw["accuracy_m"]); accOK {
		accuracyM = &accV
	}
	if s, ok := geoRaw["source"].(string); ok {
		source = s
	}
	return latV, lonV, accuracyM, source, true
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

const anonIDMinLength = 4

// minLengthOK enforces the "no PII escape hatch" rule from spec.md §4.1:
// every anon identifier must match a minimum-length pattern.
func minLengthOK(s string) bool {
	return len(strings.TrimSpace(s)) >= anonIDMinLength
}

func asString(doc map[string]any, key string) (string, bool) {
	v, present := doc[key]
	if !present {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func asObject(doc map[string]any, key string) (map[string]any, bool) {
	v, present := doc[key]
	if !present {
		return nil, false
	}
	m, ok := v.(map[string]any)
	return m, ok
}

func parseTimestamp(v any) (time.Time, error) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("must be an ISO-8601 string")
	}
	// time.RFC3339 handles the "Z" / offset suffix; fall back to
	// RFC3339Nano for sub-second precision producers sometimes send.
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
		}
	}
	return t.UTC(), nil
}

func coerceUUID(v any, generateIfEmpty bool) (string, bool) {
	s, _ := v.(string)
	s = strings.TrimSpace(s)
	if s == "" {
		if generateIfEmpty {
			return uuid.NewString(), true
		}
		return "", false
	}
	parsed, err := uuid.Parse(s)
	if err != nil {
		return "", false
	}
	return parsed.String(), true
}

// Parse normalizes a raw JSON document (already decoded into a
// map[string]any) into a NormalizedEvent, honoring the strict/lax
// selector from configuration (spec.md §4.1).
//
// Strict requires: event_id (v4 UUID), event_name, occurred_at (ISO-8601
// UTC), trace_id (UUID), producer, actor, app_uuid, anon_user_id,
// device_id_hash, session_id, sdk_version, event_version, payload,
// context.
//
// Lax additionally accepts legacy aliases event_type↔event_name,
// timestamp↔occurred_at; missing event_id/trace_id are generated;
// missing producer/actor default to "unknown"/"anonymous".
func Parse(doc map[string]any, strict bool) (*NormalizedEvent, error) {
	working := make(map[string]any, len(doc))
	for k, v := range doc {
		working[k] = v
	}

	eventName, hasName := asString(working, "event_name")
	if !hasName {
		if legacy, ok := asString(working, "event_type"); ok {
			eventName = legacy
			hasName = true
		}
	}

	occurredRaw, hasOccurred := working["occurred_at"]
	if !hasOccurred {
		if legacy, ok := working["timestamp"]; ok {
			occurredRaw = legacy
			hasOccurred = true
		}
	}

	if strict {
		var missing []string
		if !hasName {
			missing = append(missing, "event_name")
		}
		if !hasOccurred {
			missing = append(missing, "occurred_at")
		}
		for _, f := range []string{"event_id", "trace_id", "producer", "actor"} {
			v, present := working[f]
			if !present || v == nil || v == "" {
				missing = append(missing, f)
			}
		}
		if len(missing) > 0 {
			return nil, reject("missing_fields", "missing required envelope fields: %v", missing)
		}
	}

	if !hasName {
		return nil, reject("missing_fields", "missing required fields: [event_name]")
	}
	if !hasOccurred {
		return nil, reject("missing_fields", "missing required fields: [occurred_at]")
	}

	occurredAt, err := parseTimestamp(occurredRaw)
	if err != nil {
		return nil, reject("invalid_timestamp", "%s", err.Error())
	}

	for _, f := range []string{"app_uuid", "anon_user_id", "device_id_hash", "session_id", "sdk_version", "event_version"} {
		if _, ok := asString(working, f); !ok {
			return nil, reject("missing_fields", "missing required field: %s", f)
		}
	}

	payload, hasPayload := asObject(working, "payload")
	if !hasPayload {
		return nil, reject("invalid_payload", "payload must be an object")
	}
	context, hasContext := asObject(working, "context")
	if !hasContext {
		return nil, reject("invalid_context", "context must be an object")
	}

	eventID, ok := coerceUUID(working["event_id"], !strict)
	if !ok || uuid.MustParse(eventID).Version() != 4 {
		return nil, reject("invalid_event_id", "event_id must be a v4 UUID")
	}
	traceID, ok := coerceUUID(working["trace_id"], !strict)
	if !ok {
		return nil, reject("invalid_trace_id", "trace_id must be a UUID")
	}

	producer, hasProducer := asString(working, "producer")
	actor, hasActor := asString(working, "actor")
	if strict {
		if !hasProducer || strings.TrimSpace(producer) == "" {
			return nil, reject("missing_fields", "missing required field: producer")
		}
		if !hasActor || strings.TrimSpace(actor) == "" {
			return nil, reject("missing_fields", "missing required field: actor")
		}
	} else {
		if !hasProducer || producer == "" {
			producer = "unknown"
		}
		if !hasActor || actor == "" {
			actor = "anonymous"
		}
	}

	appUUID, _ := asString(working, "app_uuid")
	anonUserID, _ := asString(working, "anon_user_id")
	deviceIDHash, _ := asString(working, "device_id_hash")
	sessionID, _ := asString(working, "session_id")
	sdkVersion, _ := asString(working, "sdk_version")
	eventVersion, _ := asString(working, "event_version")

	for name, v := range map[string]string{
		"anon_user_id":   anonUserID,
		"device_id_hash": deviceIDHash,
		"session_id":     sessionID,
	} {
		if !minLengthOK(v) {
			return nil, reject("invalid_identifier", "%s is too short", name)
		}
	}

	if _, err := uuid.Parse(appUUID); err != nil {
		return nil, reject("invalid_app_uuid", "app_uuid must be a UUID")
	}

	return &NormalizedEvent{
		EventID:      eventID,
		TraceID:      traceID,
		Producer:     producer,
		Actor:        actor,
		AppUUID:      appUUID,
		EventName:    eventName,
		OccurredAt:   occurredAt,
		AnonUserID:   anonUserID,
		DeviceIDHash: deviceIDHash,
		SessionID:    sessionID,
		SDKVersion:   sdkVersion,
		EventVersion: eventVersion,
		Payload:      payload,
		Context:      context,
		Raw:          doc,
	}, nil
}
