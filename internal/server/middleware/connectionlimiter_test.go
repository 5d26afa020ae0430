package middleware_test

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/wardenhq/warden/internal/server/middleware"
	"github.com/wardenhq/warden/pkg/config"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

func limitedHandler(t *testing.T, count int, cycled *bool, cfg config.ConnectionLimitConfig) http.Handler {
	t.Helper()
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return middleware.Chain(ok,
		middleware.RequestMetadataMiddleware(),
		middleware.NewConnectionLimiter(
			newTestLogger(),
			func(string) int { return count },
			func(string) { *cycled = true },
			cfg,
		),
	)
}

func TestLimiterAllowsUnderLimit(t *testing.T) {
	var cycled bool
	h := limitedHandler(t, 2, &cycled, config.ConnectionLimitConfig{MaxPerIP: 3, Mode: "reject"})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 under the limit, got %d", rec.Code)
	}
	if cycled {
		t.Error("Cycler should not run under the limit")
	}
}

func TestLimiterRejectsAtLimit(t *testing.T) {
	var cycled bool
	h := limitedHandler(t, 3, &cycled, config.ConnectionLimitConfig{MaxPerIP: 3, Mode: "reject"})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))

	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429 at the limit, got %d", rec.Code)
	}
}

func TestLimiterCyclesAtLimit(t *testing.T) {
	var cycled bool
	h := limitedHandler(t, 3, &cycled, config.ConnectionLimitConfig{MaxPerIP: 3, Mode: "cycle"})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 in cycle mode, got %d", rec.Code)
	}
	if !cycled {
		t.Error("Cycler should run at the limit in cycle mode")
	}
}

func TestLimiterDisabledWhenUnconfigured(t *testing.T) {
	var cycled bool
	h := limitedHandler(t, 1000, &cycled, config.ConnectionLimitConfig{MaxPerIP: 0})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 with limiter disabled, got %d", rec.Code)
	}
}
