package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func runMiddleware(t *testing.T, cfg Config, setupReq func(*http.Request)) (*httptest.ResponseRecorder, *gin.Context) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req := httptest.NewRequest(http.MethodPost, "/v1/events", nil)
	if setupReq != nil {
		setupReq(req)
	}
	c.Request = req

	Middleware(cfg)(c)
	return w, c
}

func TestMiddleware_OpenModeAlwaysPasses(t *testing.T) {
	w, c := runMiddleware(t, Config{Mode: ModeOpen}, nil)
	if c.IsAborted() {
		t.Fatal("expected open mode to never abort")
	}
	_ = w
}

func TestMiddleware_APIKeyModeRejectsMissingKey(t *testing.T) {
	w, c := runMiddleware(t, Config{Mode: ModeAPIKey, APIKeys: map[string]string{"k1": "tenant-a"}}, nil)
	if !c.IsAborted() || w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got aborted=%v code=%d", c.IsAborted(), w.Code)
	}
}

func TestMiddleware_APIKeyModeAcceptsKnownKey(t *testing.T) {
	_, c := runMiddleware(t, Config{Mode: ModeAPIKey, APIKeys: map[string]string{"k1": "tenant-a"}}, func(r *http.Request) {
		r.Header.Set("X-API-Key", "k1")
	})
	if c.IsAborted() {
		t.Fatal("expected known key to be accepted")
	}
	if Identity(c) != "tenant-a" {
		t.Fatalf("expected identity to be tenant-a, got %v", Identity(c))
	}
}

func TestMiddleware_JWTOrAPIKeyFallsBackToAPIKey(t *testing.T) {
	_, c := runMiddleware(t, Config{Mode: ModeJWTOrAPIKey, APIKeys: map[string]string{"k1": "tenant-a"}}, func(r *http.Request) {
		r.Header.Set("X-API-Key", "k1")
	})
	if c.IsAborted() {
		t.Fatal("expected jwt_or_api_key to fall back to a valid api key")
	}
}

func TestMiddleware_JWTModeRejectsNonJWTBearerToken(t *testing.T) {
	w, c := runMiddleware(t, Config{Mode: ModeJWT}, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer not-a-jwt")
	})
	if !c.IsAborted() || w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for malformed bearer token in jwt mode, got code=%d", w.Code)
	}
}
