package envelope

import "testing"

func strictDoc() map[string]any {
	return map[string]any{
		"event_id":       "4b6a9f2a-3c1d-4e9a-9b0b-2f6a1c9d0e11",
		"trace_id":       "4b6a9f2a-3c1d-4e9a-9b0b-2f6a1c9d0e12",
		"producer":       "mobile-sdk",
		"actor":          "user",
		"app_uuid":       "4b6a9f2a-3c1d-4e9a-9b0b-2f6a1c9d0e13",
		"event_name":     "ui.screen_view",
		"occurred_at":    "2026-08-03T12:00:00Z",
		"anon_user_id":   "anon-1234",
		"device_id_hash": "device-1234",
		"session_id":     "session-1234",
		"sdk_version":    "1.0.0",
		"event_version":  "1",
		"payload":        map[string]any{},
		"context":        map[string]any{},
	}
}

func TestParse_StrictAcceptsCompleteDoc(t *testing.T) {
	ev, err := Parse(strictDoc(), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.EventName != "ui.screen_view" {
		t.Fatalf("unexpected event name: %s", ev.EventName)
	}
}

func TestParse_StrictRejectsMissingProducer(t *testing.T) {
	doc := strictDoc()
	delete(doc, "producer")
	if _, err := Parse(doc, true); err == nil {
		t.Fatal("expected error for missing producer in strict mode")
	}
}

func TestParse_LaxAliasesEventTypeAndTimestamp(t *testing.T) {
	doc := map[string]any{
		"event_type":     "session.start",
		"timestamp":      "2026-08-03T12:00:00Z",
		"app_uuid":       "4b6a9f2a-3c1d-4e9a-9b0b-2f6a1c9d0e13",
		"anon_user_id":   "anon-1234",
		"device_id_hash": "device-1234",
		"session_id":     "session-1234",
		"sdk_version":    "1.0.0",
		"event_version":  "1",
		"payload":        map[string]any{},
		"context":        map[string]any{},
	}
	ev, err := Parse(doc, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.EventName != "session.start" {
		t.Fatalf("expected event_type alias to populate EventName, got %q", ev.EventName)
	}
	if ev.EventID == "" || ev.TraceID == "" {
		t.Fatal("expected lax mode to generate missing event_id/trace_id")
	}
	if ev.Producer != "unknown" || ev.Actor != "anonymous" {
		t.Fatalf("expected lax defaults, got producer=%q actor=%q", ev.Producer, ev.Actor)
	}
}

func TestParse_RejectsShortIdentifiers(t *testing.T) {
	doc := strictDoc()
	doc["anon_user_id"] = "a"
	if _, err := Parse(doc, true); err == nil {
		t.Fatal("expected error for too-short anon_user_id")
	}
}

func TestParse_RejectsInvalidAppUUID(t *testing.T) {
	doc := strictDoc()
	doc["app_uuid"] = "not-a-uuid"
	if _, err := Parse(doc, true); err == nil {
		t.Fatal("expected error for invalid app_uuid")
	}
}

func TestNormalizedEvent_GeoExtractsContext(t *testing.T) {
	doc := strictDoc()
	doc["context"] = map[string]any{
		"geo": map[string]any{"lat": -1.95, "lon": 30.06, "accuracy_m": 12.5, "source": "gps"},
	}
	ev, err := Parse(doc, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	lat, lon, acc, source, ok := ev.Geo()
	if !ok {
		t.Fatal("expected geo to be present")
	}
	if lat != -1.95 || lon != 30.06 || acc == nil || *acc != 12.5 || source != "gps" {
		t.Fatalf("unexpected geo extraction: lat=%v lon=%v acc=%v source=%v", lat, lon, acc, source)
	}
}

func TestNormalizedEvent_GeoAbsentWhenNoContextGeo(t *testing.T) {
	ev, err := Parse(strictDoc(), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, _, _, ok := ev.Geo(); ok {
		t.Fatal("expected ok=false when context.geo is absent")
	}
}
