package ratelimit

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/modelgate/healthcore/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestLimiter_AllowsUpToBurst(t *testing.T) {
	cfg := config.RateLimitConfig{
		RequestsPerSecond: 10,
		BurstSize:         5,
	}
	limiter := New(cfg, testLogger())
	defer limiter.Stop()

	handler := limiter.Middleware()(okHandler())

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest("GET", "/admin/endpoints", nil)
		req.RemoteAddr = "10.0.0.1:12345"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
}

func TestLimiter_BlocksAfterBurst(t *testing.T) {
	cfg := config.RateLimitConfig{
		RequestsPerSecond: 1,
		BurstSize:         2,
	}
	limiter := New(cfg, testLogger())
	defer limiter.Stop()

	handler := limiter.Middleware()(okHandler())

	// Use up burst
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("GET", "/admin/endpoints", nil)
		req.RemoteAddr = "10.0.0.2:12345"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
	}

	// Next request should be rate limited
	req := httptest.NewRequest("GET", "/admin/endpoints", nil)
	req.RemoteAddr = "10.0.0.2:12345"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %q", ct)
	}
}

func TestLimiter_PerClientIsolation(t *testing.T) {
	cfg := config.RateLimitConfig{
		RequestsPerSecond: 1,
		BurstSize:         1,
	}
	limiter := New(cfg, testLogger())
	defer limiter.Stop()

	handler := limiter.Middleware()(okHandler())

	// Client 1 uses up its burst
	req1 := httptest.NewRequest("GET", "/admin/endpoints", nil)
	req1.RemoteAddr = "10.0.0.1:12345"
	handler.ServeHTTP(httptest.NewRecorder(), req1)

	// Client 1 is now rate limited
	req1b := httptest.NewRequest("GET", "/admin/endpoints", nil)
	req1b.RemoteAddr = "10.0.0.1:12345"
	rec1b := httptest.NewRecorder()
	handler.ServeHTTP(rec1b, req1b)
	if rec1b.Code != http.StatusTooManyRequests {
		t.Errorf("client 1 should be rate limited, got %d", rec1b.Code)
	}

	// Client 2 should still be allowed
	req2 := httptest.NewRequest("GET", "/admin/endpoints", nil)
	req2.RemoteAddr = "10.0.0.2:12345"
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)

	if rec2.Code != http.StatusOK {
		t.Errorf("client 2 should be allowed, got %d", rec2.Code)
	}
}

func TestLimiter_UpdateConfig(t *testing.T) {
	cfg := config.RateLimitConfig{
		RequestsPerSecond: 1,
		BurstSize:         1,
	}
	limiter := New(cfg, testLogger())
	defer limiter.Stop()

	handler := limiter.Middleware()(okHandler())

	req := httptest.NewRequest("GET", "/admin/endpoints", nil)
	req.RemoteAddr = "10.0.0.3:12345"
	handler.ServeHTTP(httptest.NewRecorder(), req)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 before update, got %d", rec.Code)
	}

	// Raising the limits takes effect immediately.
	limiter.UpdateConfig(config.RateLimitConfig{RequestsPerSecond: 100, BurstSize: 50})

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 after update, got %d", rec.Code)
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.0.2.7:9999"
	if got := clientIP(req); got != "192.0.2.7" {
		t.Errorf("expected 192.0.2.7, got %s", got)
	}

	req.RemoteAddr = "bad-addr"
	if got := clientIP(req); got != "bad-addr" {
		t.Errorf("expected raw addr fallback, got %s", got)
	}
}
