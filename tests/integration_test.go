package tests

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

////////////////////////////////////////////////////////////////////////////////
// INTEGRATION TEST SUITE
//
// These tests validate the ingest API end-to-end:
//
//   Client → HTTP API → auth → Postgres (raw_events + outbox_events)
//
// The ingest-api binary must already be running (for example via docker
// compose) with SB_AUTH_MODE=api_key and API_KEYS containing the dev key
// below.
//
// Optional environment overrides:
//
//   BASE_URL default http://localhost:8080
//   API_KEY  default dev-key
//
////////////////////////////////////////////////////////////////////////////////

func baseURL() string {
	if v := os.Getenv("BASE_URL"); v != "" {
		return v
	}
	return "http://localhost:8080"
}

func apiKey() string {
	if v := os.Getenv("API_KEY"); v != "" {
		return v
	}
	return "dev-key"
}

func waitReady(t *testing.T) {
	t.Helper()

	client := &http.Client{Timeout: 2 * time.Second}
	deadline := time.Now().Add(30 * time.Second)

	for time.Now().Before(deadline) {
		resp, err := client.Get(baseURL() + "/ready")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(300 * time.Millisecond)
	}

	t.Fatalf("service not ready after 30s")
}

func httpGet(t *testing.T, key string, path string) (int, []byte) {
	t.Helper()

	req, _ := http.NewRequest("GET", baseURL()+path, nil)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}

	resp, err := (&http.Client{Timeout: 5 * time.Second}).Do(req)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	defer resp.Body.Close()

	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, b
}

func postJSON(t *testing.T, key, path string, payload any) (int, []byte) {
	t.Helper()

	b, _ := json.Marshal(payload)

	req, _ := http.NewRequest("POST", baseURL()+path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}

	resp, err := (&http.Client{Timeout: 5 * time.Second}).Do(req)
	if err != nil {
		t.Fatalf("POST %s failed: %v", path, err)
	}
	defer resp.Body.Close()

	out, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, out
}

func uniqueID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func sampleEvent(eventName, appUUID, anonUserID, eventID string) map[string]any {
	return map[string]any{
		"event_id":       eventID,
		"trace_id":       uuid.NewString(),
		"producer":       "integration-test",
		"actor":          "test-suite",
		"app_uuid":       appUUID,
		"event_name":     eventName,
		"occurred_at":    time.Now().UTC().Format(time.RFC3339),
		"anon_user_id":   anonUserID,
		"device_id_hash": "device-" + anonUserID,
		"session_id":     "session-" + anonUserID,
		"sdk_version":    "1.0.0",
		"event_version":  "1",
		"payload":        map[string]any{},
		"context":        map[string]any{},
	}
}

////////////////////////////////////////////////////////////////////////////////
// HEALTH & READINESS
////////////////////////////////////////////////////////////////////////////////

func TestHealth_ReturnsOK(t *testing.T) {
	s, _ := httpGet(t, "", "/health")
	if s != http.StatusOK {
		t.Fatalf("health expected 200 got %d", s)
	}
}

func TestReady_ReturnsOK(t *testing.T) {
	waitReady(t)
	s, _ := httpGet(t, "", "/ready")
	if s != http.StatusOK {
		t.Fatalf("ready expected 200 got %d", s)
	}
}

////////////////////////////////////////////////////////////////////////////////
// /v1/events CONTRACT
////////////////////////////////////////////////////////////////////////////////

func TestEvents_UnauthorizedWithoutAPIKey(t *testing.T) {
	waitReady(t)

	appUUID := uuid.NewString()
	batch := []map[string]any{sampleEvent("ui.screen_view", appUUID, uniqueID("u"), uuid.NewString())}

	s, _ := postJSON(t, "", "/v1/events", batch)
	if s != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", s)
	}
}

func TestEvents_RejectsEmptyBatch(t *testing.T) {
	waitReady(t)

	s, _ := postJSON(t, apiKey(), "/v1/events", []map[string]any{})
	if s != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", s)
	}
}

func TestEvents_AcceptsValidBatch(t *testing.T) {
	waitReady(t)

	appUUID := uuid.NewString()
	anonUserID := uniqueID("anon")
	batch := []map[string]any{sampleEvent("ui.screen_view", appUUID, anonUserID, uuid.NewString())}

	s, body := postJSON(t, apiKey(), "/v1/events", batch)
	if s != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", s, body)
	}

	var resp struct {
		Accepted int `json:"accepted"`
		Deduped  int `json:"deduped"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("invalid response JSON: %v", err)
	}
	if resp.Accepted != 1 {
		t.Fatalf("expected 1 accepted, got %d", resp.Accepted)
	}
}

func TestEvents_DuplicateEventIDIsDeduped(t *testing.T) {
	waitReady(t)

	appUUID := uuid.NewString()
	anonUserID := uniqueID("anon")
	eventID := uuid.NewString()

	batch := []map[string]any{sampleEvent("ui.screen_view", appUUID, anonUserID, eventID)}
	postJSON(t, apiKey(), "/v1/events", batch)

	s, body := postJSON(t, apiKey(), "/v1/events", batch)
	if s != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", s, body)
	}

	var resp struct {
		Accepted int `json:"accepted"`
		Deduped  int `json:"deduped"`
	}
	json.Unmarshal(body, &resp) //nolint:errcheck
	if resp.Deduped != 1 {
		t.Fatalf("expected duplicate event_id to be deduped, got accepted=%d deduped=%d", resp.Accepted, resp.Deduped)
	}
}

////////////////////////////////////////////////////////////////////////////////
// PRIVACY ENDPOINTS
////////////////////////////////////////////////////////////////////////////////

func TestOptOut_ThenEventIsRejected(t *testing.T) {
	waitReady(t)

	appUUID := uuid.NewString()
	anonUserID := uniqueID("anon")

	s, body := postJSON(t, apiKey(), "/v1/opt-out", map[string]any{
		"app_uuid":     appUUID,
		"anon_user_id": anonUserID,
	})
	if s != http.StatusOK {
		t.Fatalf("opt-out expected 200 got %d: %s", s, body)
	}

	batch := []map[string]any{sampleEvent("ui.screen_view", appUUID, anonUserID, uuid.NewString())}
	s, body = postJSON(t, apiKey(), "/v1/events", batch)
	if s != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", s, body)
	}

	var resp struct {
		Rejected []struct {
			Code string `json:"error_code"`
		} `json:"rejected"`
	}
	json.Unmarshal(body, &resp) //nolint:errcheck
	if len(resp.Rejected) != 1 || resp.Rejected[0].Code != "opted_out" {
		t.Fatalf("expected event to be rejected as opted_out, got %+v", resp)
	}
}
