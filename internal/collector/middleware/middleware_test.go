package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/oaklinehq/content-telemetry/internal/auth/apikey"
	"github.com/oaklinehq/content-telemetry/internal/auth/ratelimit"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestCORSPreflightShortCircuits(t *testing.T) {
	h := CORS(DefaultCORSConfig())(okHandler())

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/events", nil)
	req.Header.Set("Origin", "https://reader.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for preflight, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://reader.example.com" {
		t.Errorf("unexpected allow-origin header %q", got)
	}
}

func TestCORSSkipsNonBrowserRequests(t *testing.T) {
	h := CORS(DefaultCORSConfig())(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/events", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("no CORS headers expected without an Origin header")
	}
}

func TestCORSDisallowedOriginGetsNoHeaders(t *testing.T) {
	cfg := DefaultCORSConfig()
	cfg.AllowOrigins = []string{"https://allowed.example.com"}
	h := CORS(cfg)(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/events", nil)
	req.Header.Set("Origin", "https://other.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("disallowed origin must not receive CORS headers")
	}
}

func TestRateLimitPassesWithoutKeyInfo(t *testing.T) {
	limiter := ratelimit.New(time.Minute)
	defer limiter.Close()
	h := RateLimit(limiter)(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/events", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 without key info, got %d", rec.Code)
	}
}

func TestRateLimitBlocksWithBackoffHeaders(t *testing.T) {
	limiter := ratelimit.New(time.Minute)
	defer limiter.Close()
	h := RateLimit(limiter)(okHandler())

	info := &apikey.KeyInfo{ID: "key-1", RateLimit: 2}
	send := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req = req.WithContext(context.WithValue(req.Context(), apiKeyInfoKey, info))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	send("/api/v1/events")
	send("/api/v1/events")
	rec := send("/api/v1/events")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 past the budget, got %d", rec.Code)
	}
	if got := rec.Header().Get("X-RateLimit-Limit"); got != "2" {
		t.Errorf("expected limit header 2, got %q", got)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected a Retry-After hint on the limited response")
	}

	// Admin routes have their own guard and never consume tokens.
	if rec := send("/admin/v1/keys"); rec.Code != http.StatusOK {
		t.Errorf("expected admin route to bypass the limiter, got %d", rec.Code)
	}
}

func TestExtractAPIKeyPriority(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/suggestions?api_key=query-key", nil)
	req.Header.Set("X-API-Key", "header-key")
	req.Header.Set("Authorization", "Bearer bearer-key")

	if got := extractAPIKey(req); got != "bearer-key" {
		t.Errorf("expected bearer key to win, got %q", got)
	}

	req.Header.Del("Authorization")
	if got := extractAPIKey(req); got != "header-key" {
		t.Errorf("expected header key, got %q", got)
	}

	req.Header.Del("X-API-Key")
	if got := extractAPIKey(req); got != "query-key" {
		t.Errorf("expected query key, got %q", got)
	}
}
