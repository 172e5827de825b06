package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/mpraski/admission-gateway/app/ratelimit"
)

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func healthCode(t *testing.T, h http.Handler) int {
	t.Helper()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	return w.Code
}

func TestNewHealth(t *testing.T) {
	var ready atomic.Bool
	ready.Store(true)

	h, err := NewHealth("admission-gateway", "test", &ready, pinger{err: errors.New("connection refused")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if code := healthCode(t, h); code != http.StatusOK {
		t.Fatalf("expected a failing store to only degrade health, got %d", code)
	}

	ready.Store(false)

	if code := healthCode(t, h); code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while shutting down, got %d", code)
	}
}

func TestNewInternal(t *testing.T) {
	p, err := ratelimit.NewPolicy(ratelimit.Default, 10, 60, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	registry, err := ratelimit.NewRegistry(0, p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s := NewInternal(Config{Address: ":0"}, registry)

	body := "ratelimit:\n  policies:\n    default:\n      quota: 3\n      window_seconds: 10\n"

	w := httptest.NewRecorder()
	s.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/internal/policies", strings.NewReader(body)))

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", w.Code, w.Body)
	}

	if q := registry.Lookup(ratelimit.Default).Quota; q != 3 {
		t.Fatalf("expected the replaced quota, got %d", q)
	}
}
