package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/eugenenazirov/tsrlib/internal/config"
	"github.com/eugenenazirov/tsrlib/internal/document"
)

type staticLimiter struct {
	allow bool
}

func (s *staticLimiter) Allow() bool {
	return s.allow
}

func routerForSettings(t *testing.T, settings config.Settings) http.Handler {
	t.Helper()

	handler := NewHandler(newTestManager(t), nil)
	return NewRouter(handler, zaptest.NewLogger(t),
		WithLogging(settings.EnableRequestLogging),
		WithRateLimit(settings.RateLimitRPS, settings.RateLimitBurst),
	)
}

func getConfigStatus(router http.Handler) int {
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/config", nil))
	return rec.Code
}

func TestSettingsBurstBoundsConfigReads(t *testing.T) {
	settings := config.DefaultSettings()
	settings.EnableRequestLogging = false
	settings.RateLimitRPS = 0.001
	settings.RateLimitBurst = 2

	router := routerForSettings(t, settings)

	for i := range settings.RateLimitBurst {
		if code := getConfigStatus(router); code != http.StatusOK {
			t.Fatalf("request %d within burst: expected 200, got %d", i+1, code)
		}
	}
	if code := getConfigStatus(router); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 once the burst is spent, got %d", code)
	}
}

func TestZeroRateInDocumentDisablesLimiter(t *testing.T) {
	doc := document.Mapping{}
	doc.Set("server.ratelimit.rps", document.Number(0))
	doc.Set("server.logging", document.Bool(false))
	settings, err := config.SettingsFrom(doc)
	if err != nil {
		t.Fatalf("SettingsFrom returned error: %v", err)
	}

	router := routerForSettings(t, settings)
	for i := range 2 * settings.RateLimitBurst {
		if code := getConfigStatus(router); code != http.StatusOK {
			t.Fatalf("request %d: expected limiter to be disabled, got %d", i+1, code)
		}
	}
}

func TestRateLimitMiddlewareRejectsWithJSONError(t *testing.T) {
	middleware := rateLimitMiddleware(&staticLimiter{allow: false}, http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		t.Fatalf("config handler should not execute when rate limited")
	}))

	rec := httptest.NewRecorder()
	middleware.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/api/config/a", nil))

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	var body errorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("expected JSON error body: %v", err)
	}
	if body.Error == "" {
		t.Fatalf("expected error message in body")
	}
}

func TestRateLimitMiddlewareWithoutLimiter(t *testing.T) {
	var called bool
	next := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		called = true
	})

	rateLimitMiddleware(nil, next).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if !called {
		t.Fatalf("expected request to pass without a limiter")
	}
}

func TestNewTokenBucketLimiterClampsInvalidSettings(t *testing.T) {
	limiter := newTokenBucketLimiter(-5, 0)
	if !limiter.Allow() {
		t.Fatalf("expected a clamped limiter to admit the first request")
	}
}
