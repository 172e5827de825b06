package ratelimit

import (
	"context"
	"math"
	"strconv"
	"time"
)

type (
	// CounterStore performs the whole sliding window check for one key as a
	// single atomic step. Implementations must not decide fail-open or
	// fail-closed on their own: an unreachable backend is reported with an
	// error matching ErrStoreUnavailable.
	CounterStore interface {
		TryAdmit(ctx context.Context, key Key, limit Limit, now time.Time) (Result, error)
	}

	Category string

	Limit struct {
		Quota   int
		Window  time.Duration
		Lockout time.Duration
	}

	Key struct {
		Category   Category
		Identifier string
	}

	Result struct {
		Admitted   bool
		Remaining  int
		ResetAt    time.Time
		RetryAfter time.Duration
	}

	Decision struct {
		Admitted   bool
		Degraded   bool
		Limit      int
		Remaining  int
		ResetAt    time.Time
		RetryAfter time.Duration
	}
)

const (
	Default        Category = "default"
	Authentication Category = "authentication"
	SensitiveWrite Category = "sensitive-write"
	PrivilegedAPI  Category = "privileged-api"
)

const unknownIdentifier = "unknown"

func (k Key) String() string {
	return string(k.Category) + ":" + k.Identifier
}

// RetryAfterSeconds rounds up so a client never retries before the slot frees.
func (d Decision) RetryAfterSeconds() int {
	if d.Admitted || d.RetryAfter <= 0 {
		return 0
	}

	return int(math.Ceil(d.RetryAfter.Seconds()))
}

func (d Decision) ResetUnix() int64 {
	if d.ResetAt.IsZero() {
		return 0
	}

	return int64(math.Ceil(float64(d.ResetAt.UnixMilli()) / 1000))
}

func (d Decision) Headers() map[string]string {
	h := map[string]string{
		headerLimit:     strconv.Itoa(d.Limit),
		headerRemaining: strconv.Itoa(d.Remaining),
		headerReset:     strconv.FormatInt(d.ResetUnix(), 10),
	}

	if !d.Admitted {
		h[headerRetryAfter] = strconv.Itoa(d.RetryAfterSeconds())
	}

	return h
}

func clampRemaining(remaining, quota int) int {
	switch {
	case remaining < 0:
		return 0
	case quota > 0 && remaining > quota:
		return quota
	}

	return remaining
}

// recordTTL bounds how long an idle record lives: twice the window, or until
// an active lockout ends if that is later.
func recordTTL(l Limit) time.Duration {
	ttl := 2 * l.Window
	if l.Lockout > ttl {
		ttl = l.Lockout
	}

	return ttl
}
