package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func testRateLimiterConfig(generalBurst, writeBurst int) RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    generalBurst,
		WriteRate:       1,
		WriteBurst:      writeBurst,
		CleanupInterval: time.Minute,
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func requestAs(method, userID string) *http.Request {
	req := httptest.NewRequest(method, "/api/v1/notifications", nil)
	return req.WithContext(ContextWithUserID(req.Context(), userID))
}

func serve(h http.Handler, req *http.Request) *http.Response {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w.Result()
}

func TestRateLimitMiddleware_AllowsRequestsWithinBurst(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(5, 10))
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	for i := 0; i < 5; i++ {
		if resp := serve(handler, requestAs(http.MethodGet, "user-1")); resp.StatusCode != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, resp.StatusCode, http.StatusOK)
		}
	}
}

func TestRateLimitMiddleware_Returns429WithRetryAfter(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(1, 10))
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	serve(handler, requestAs(http.MethodGet, "user-retry"))
	resp := serve(handler, requestAs(http.MethodGet, "user-retry"))

	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusTooManyRequests)
	}

	retrySeconds, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || retrySeconds < 1 {
		t.Errorf("Retry-After = %q, want a number >= 1", resp.Header.Get("Retry-After"))
	}

	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}
	var body ErrorResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Code != "RATE_LIMIT_EXCEEDED" || body.Category != "system" {
		t.Errorf("unexpected body: %+v", body)
	}
}

func TestRateLimitMiddleware_IsolatesUsers(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(1, 10))
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(okHandler())

	serve(handler, requestAs(http.MethodGet, "user-A"))
	if resp := serve(handler, requestAs(http.MethodGet, "user-A")); resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("user-A second request: status = %d, want 429", resp.StatusCode)
	}
	if resp := serve(handler, requestAs(http.MethodGet, "user-B")); resp.StatusCode != http.StatusOK {
		t.Errorf("user-B first request: status = %d, want 200", resp.StatusCode)
	}
}

func TestRateLimitMiddleware_NoUserID_Returns401(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(5, 10))
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called without user ID")
	}))

	resp := serve(handler, httptest.NewRequest(http.MethodGet, "/api/v1/notifications", nil))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
}

func TestPublicRateLimit_AnonymousKeyedByClientIP(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(1, 10))
	defer rl.Stop()

	handler := rl.PublicMiddleware()(okHandler())

	anonymous := func(addr string) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/notifications/global", nil)
		req.RemoteAddr = addr
		return req
	}

	if resp := serve(handler, anonymous("192.0.2.1:1111")); resp.StatusCode != http.StatusOK {
		t.Fatalf("first anonymous request: status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if resp := serve(handler, anonymous("192.0.2.1:2222")); resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("same IP, other port: status = %d, want %d", resp.StatusCode, http.StatusTooManyRequests)
	}
	if resp := serve(handler, anonymous("192.0.2.2:1111")); resp.StatusCode != http.StatusOK {
		t.Errorf("other IP: status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if resp := serve(handler, requestAs(http.MethodGet, "user-public")); resp.StatusCode != http.StatusOK {
		t.Errorf("authenticated user: status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestWriteRateLimit_IndependentFromGeneralLimit(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(1, 1))
	defer rl.Stop()

	general := rl.GeneralMiddleware()(okHandler())
	write := rl.WriteMiddleware()(okHandler())

	serve(general, requestAs(http.MethodGet, "user-indep"))
	if resp := serve(general, requestAs(http.MethodGet, "user-indep")); resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("general limit should be exhausted, got %d", resp.StatusCode)
	}

	if resp := serve(write, requestAs(http.MethodPost, "user-indep")); resp.StatusCode != http.StatusOK {
		t.Errorf("write limit should still allow the request: status = %d", resp.StatusCode)
	}
	if resp := serve(write, requestAs(http.MethodPost, "user-indep")); resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("second write: status = %d, want 429", resp.StatusCode)
	}
	if rl.WriteLimiterCount() != 1 || rl.GeneralLimiterCount() != 1 {
		t.Errorf("limiter counts = (%d, %d), want (1, 1)", rl.GeneralLimiterCount(), rl.WriteLimiterCount())
	}
}

func TestRateLimiter_CleanupRemovesIdleEntries(t *testing.T) {
	cfg := testRateLimiterConfig(5, 5)
	cfg.CleanupInterval = time.Minute
	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	serve(rl.GeneralMiddleware()(okHandler()), requestAs(http.MethodGet, "user-cleanup"))
	serve(rl.WriteMiddleware()(okHandler()), requestAs(http.MethodPost, "user-cleanup"))

	rl.cleanup(time.Now().Add(time.Minute))
	if rl.GeneralLimiterCount() != 1 {
		t.Fatalf("entry accessed within the TTL should be kept")
	}

	rl.cleanup(time.Now().Add(3 * time.Minute))
	if rl.GeneralLimiterCount() != 0 || rl.WriteLimiterCount() != 0 {
		t.Errorf("expected idle entries to be removed, got (%d, %d)", rl.GeneralLimiterCount(), rl.WriteLimiterCount())
	}
}

func TestNewRateLimiterConfig_PerMinute(t *testing.T) {
	cfg := NewRateLimiterConfig(120, 0)

	if cfg.GeneralRate != 2 || cfg.GeneralBurst != 120 {
		t.Errorf("general = (%v, %d), want (2, 120)", cfg.GeneralRate, cfg.GeneralBurst)
	}
	if cfg.WriteBurst != 1 {
		t.Errorf("WriteBurst = %d, want 1 for non-positive input", cfg.WriteBurst)
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimiterConfig())
	rl.Stop()
	rl.Stop()
}
