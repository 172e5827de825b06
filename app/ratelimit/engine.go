package ratelimit

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

type (
	// Engine turns a key and a policy into a Decision. It owns the fail-open
	// policy: when the shared store is unavailable the same check runs
	// against the local fallback store and the decision is marked degraded.
	Engine struct {
		primary  CounterStore
		fallback CounterStore
		now      func() time.Time
		warn     *rate.Sometimes
		logger   log.FieldLogger
		metrics  *Metrics
	}

	EngineOption func(*Engine)
)

const DefaultDegradedLogInterval = 30 * time.Second

func WithFallback(store CounterStore) EngineOption {
	return func(e *Engine) { e.fallback = store }
}

func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

func WithDegradedLogInterval(d time.Duration) EngineOption {
	return func(e *Engine) { e.warn = &rate.Sometimes{Interval: d} }
}

func WithLogger(logger log.FieldLogger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

func NewEngine(primary CounterStore, opts ...EngineOption) *Engine {
	e := &Engine{
		primary: primary,
		now:     time.Now,
		warn:    &rate.Sometimes{Interval: DefaultDegradedLogInterval},
		logger:  log.StandardLogger(),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

func (e *Engine) Check(ctx context.Context, key Key, policy Policy) (d Decision, err error) {
	defer func() {
		if r := recover(); r != nil {
			d, err = Decision{}, recoveredEngineError(r)
		}

		e.metrics.observe(policy.Category, d, err)
	}()

	now := e.now()

	if policy.Quota <= 0 {
		return Decision{
			Limit:      0,
			ResetAt:    now.Add(policy.Window),
			RetryAfter: policy.Window,
		}, nil
	}

	res, err := e.primary.TryAdmit(ctx, key, policy.Limit, now)

	var degraded bool

	if errors.Is(err, ErrStoreUnavailable) && e.fallback != nil {
		degraded = true

		e.warn.Do(func() {
			e.logger.WithError(err).WithField("category", policy.Category).
				Warn("shared counter store unavailable, enforcing limits locally")
		})

		res, err = e.fallback.TryAdmit(ctx, key, policy.Limit, now)
	}

	if err != nil {
		return Decision{}, newUnexpectedEngineError(err)
	}

	d = Decision{
		Admitted:  res.Admitted,
		Degraded:  degraded,
		Limit:     policy.Quota,
		Remaining: clampRemaining(res.Remaining, policy.Quota),
		ResetAt:   res.ResetAt,
	}

	if !res.Admitted {
		d.Remaining = 0
		d.RetryAfter = res.RetryAfter
	}

	return d, nil
}
