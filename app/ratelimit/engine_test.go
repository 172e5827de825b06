package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

type (
	stubStore struct {
		calls int
		err   error
		panic interface{}
		res   Result
	}
)

func (s *stubStore) TryAdmit(context.Context, Key, Limit, time.Time) (Result, error) {
	s.calls++

	if s.panic != nil {
		panic(s.panic)
	}

	return s.res, s.err
}

func fixedClock(at *time.Time) func() time.Time {
	return func() time.Time { return *at }
}

func TestEngine_DegradesToLocalStore(t *testing.T) {
	var (
		m            = miniredis.RunT(t)
		shared       = NewSortedSetStore(newRedisClient(t, m), WithStoreTimeout(time.Second))
		logger, hook = test.NewNullLogger()
		now          = t0
		p            = mustPolicy(t, Default, 3, 60, 0)
		key          = Key{Category: Default, Identifier: "ip:10.0.0.5"}
		e            = NewEngine(shared,
			WithFallback(NewLocalStore(0)),
			WithClock(fixedClock(&now)),
			WithLogger(logger),
			WithDegradedLogInterval(time.Hour),
		)
	)

	for i := 0; i < 2; i++ {
		d, err := e.Check(context.Background(), key, p)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if !d.Admitted || d.Degraded {
			t.Fatalf("expected a healthy admission, got %+v", d)
		}
	}

	m.Close()

	// the local store starts from an empty log
	for i, want := range []bool{true, true, true, false, false} {
		now = now.Add(time.Second)

		d, err := e.Check(context.Background(), key, p)
		if err != nil {
			t.Fatalf("call %d: expected degradation to be absorbed, got %v", i, err)
		}

		if !d.Degraded {
			t.Fatalf("call %d: expected a degraded decision", i)
		}

		if d.Admitted != want {
			t.Fatalf("call %d: expected admitted=%v, got %v", i, want, d.Admitted)
		}
	}

	var warnings int

	for _, entry := range hook.AllEntries() {
		if entry.Level == log.WarnLevel {
			warnings++
		}
	}

	if warnings != 1 {
		t.Fatalf("expected one degradation warning per interval, got %d", warnings)
	}
}

func TestEngine_UnavailableWithoutFallback(t *testing.T) {
	var (
		s = &stubStore{err: fmt.Errorf("%w: dial tcp: refused", ErrStoreUnavailable)}
		e = NewEngine(s)
	)

	_, err := e.Check(context.Background(), Key{Category: Default, Identifier: "unknown"}, mustPolicy(t, Default, 1, 1, 0))

	var unexpected *UnexpectedEngineError
	if !errors.As(err, &unexpected) {
		t.Fatalf("expected UnexpectedEngineError, got %v", err)
	}

	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected the cause to be preserved, got %v", err)
	}
}

func TestEngine_UnexpectedErrors(t *testing.T) {
	tests := []struct {
		name  string
		store *stubStore
	}{
		{name: "store error", store: &stubStore{err: errors.New("boom")}},
		{name: "store panic", store: &stubStore{panic: "boom"}},
		{name: "store panic with error", store: &stubStore{panic: errors.New("boom")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fallback := &stubStore{}
			e := NewEngine(tt.store, WithFallback(fallback))

			_, err := e.Check(context.Background(), Key{Category: Default, Identifier: "unknown"}, mustPolicy(t, Default, 1, 1, 0))

			var unexpected *UnexpectedEngineError
			if !errors.As(err, &unexpected) {
				t.Fatalf("expected UnexpectedEngineError, got %v", err)
			}

			if fallback.calls != 0 {
				t.Fatal("expected the fallback to be reserved for unavailability")
			}

			if s := fmt.Sprintf("%+v", err); len(s) <= len(err.Error()) {
				t.Fatalf("expected a stack trace in %%+v output, got %q", s)
			}
		})
	}
}

func TestEngine_ZeroQuotaAlwaysDenies(t *testing.T) {
	var (
		s = &stubStore{res: Result{Admitted: true, Remaining: 10}}
		e = NewEngine(s)
		p = Policy{Category: Default, Limit: Limit{Quota: 0, Window: time.Minute}}
	)

	d, err := e.Check(context.Background(), Key{Category: Default, Identifier: "unknown"}, p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if d.Admitted {
		t.Fatal("expected a zero quota to deny")
	}

	if s.calls != 0 {
		t.Fatal("expected the store not to be consulted")
	}

	if d.RetryAfterSeconds() != 60 {
		t.Fatalf("expected retry after 60s, got %d", d.RetryAfterSeconds())
	}
}

func TestEngine_DecisionMetadata(t *testing.T) {
	var (
		now = t0
		e   = NewEngine(NewLocalStore(0), WithClock(fixedClock(&now)))
		p   = mustPolicy(t, Default, 2, 10, 0)
		key = Key{Category: Default, Identifier: "ip:10.0.0.1"}
	)

	d, _ := e.Check(context.Background(), key, p)
	if d.Limit != 2 || d.Remaining != 1 || d.RetryAfter != 0 {
		t.Fatalf("unexpected admitted decision %+v", d)
	}

	if d.ResetUnix() != t0.Add(10*time.Second).Unix() {
		t.Fatalf("expected reset at %d, got %d", t0.Add(10*time.Second).Unix(), d.ResetUnix())
	}

	now = now.Add(1500 * time.Millisecond)
	_, _ = e.Check(context.Background(), key, p)

	now = now.Add(time.Second)
	d, _ = e.Check(context.Background(), key, p)

	if d.Admitted || d.Remaining != 0 {
		t.Fatalf("expected denial, got %+v", d)
	}

	if d.RetryAfter != 7500*time.Millisecond || d.RetryAfterSeconds() != 8 {
		t.Fatalf("expected 7.5s rounded up to 8, got %s (%d)", d.RetryAfter, d.RetryAfterSeconds())
	}

	h := d.Headers()
	if h["X-RateLimit-Limit"] != "2" || h["X-RateLimit-Remaining"] != "0" || h["Retry-After"] != "8" {
		t.Fatalf("unexpected headers %v", h)
	}
}

func TestEngine_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()

	m, err := NewMetrics(reg)
	if err != nil {
		t.Fatalf("failed to register metrics: %v", err)
	}

	var (
		now = t0
		e   = NewEngine(&stubStore{err: ErrStoreUnavailable},
			WithFallback(NewLocalStore(0)),
			WithClock(fixedClock(&now)),
			WithMetrics(m),
		)
		p   = mustPolicy(t, Authentication, 1, 60, 0)
		key = Key{Category: Authentication, Identifier: "user:1"}
	)

	_, _ = e.Check(context.Background(), key, p)
	_, _ = e.Check(context.Background(), key, p)

	if v := testutil.ToFloat64(m.Decisions.WithLabelValues("authentication", "admitted")); v != 1 {
		t.Fatalf("expected 1 admitted decision, got %v", v)
	}

	if v := testutil.ToFloat64(m.Decisions.WithLabelValues("authentication", "denied")); v != 1 {
		t.Fatalf("expected 1 denied decision, got %v", v)
	}

	if v := testutil.ToFloat64(m.Degraded); v != 2 {
		t.Fatalf("expected 2 degraded decisions, got %v", v)
	}

	if _, err := NewMetrics(reg); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}
