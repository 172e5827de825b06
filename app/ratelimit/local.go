package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

type (
	// LocalStore keeps sliding window logs in process memory. Keys are spread
	// over a fixed table of shards, each with its own lock, so unrelated keys
	// do not serialize behind one mutex.
	LocalStore struct {
		shards []*localShard
	}

	localShard struct {
		mu      sync.Mutex
		records map[string]*localRecord
		sweepAt int64
	}

	localRecord struct {
		events      []int64
		lockedUntil int64
		expiresAt   int64
	}
)

const (
	DefaultLocalShards = 64
	localSweepInterval = time.Minute
)

var _ CounterStore = (*LocalStore)(nil)

func NewLocalStore(shards int) *LocalStore {
	if shards <= 0 {
		shards = DefaultLocalShards
	}

	s := &LocalStore{shards: make([]*localShard, shards)}

	for i := range s.shards {
		s.shards[i] = &localShard{records: make(map[string]*localRecord)}
	}

	return s
}

func (s *LocalStore) TryAdmit(_ context.Context, key Key, limit Limit, now time.Time) (Result, error) {
	var (
		k     = key.String()
		shard = s.shards[xxhash.Sum64String(k)%uint64(len(s.shards))]
		ms    = now.UnixMilli()
	)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	shard.sweep(ms)

	rec, ok := shard.records[k]
	if !ok || rec.expiresAt <= ms {
		rec = &localRecord{}
		shard.records[k] = rec
	}

	return rec.admit(limit, ms), nil
}

func (s *LocalStore) Len() int {
	var n int

	for _, shard := range s.shards {
		shard.mu.Lock()
		n += len(shard.records)
		shard.mu.Unlock()
	}

	return n
}

func (sh *localShard) sweep(now int64) {
	if now < sh.sweepAt {
		return
	}

	for k, rec := range sh.records {
		if rec.expiresAt <= now {
			delete(sh.records, k)
		}
	}

	sh.sweepAt = now + localSweepInterval.Milliseconds()
}

func (r *localRecord) admit(l Limit, now int64) Result {
	var (
		window  = l.Window.Milliseconds()
		lockout = l.Lockout.Milliseconds()
	)

	if r.lockedUntil > now {
		return Result{
			ResetAt:    time.UnixMilli(r.lockedUntil),
			RetryAfter: time.Duration(r.lockedUntil-now) * time.Millisecond,
		}
	}

	// drop everything at or before now-window
	cut := sort.Search(len(r.events), func(i int) bool { return r.events[i] > now-window })
	r.events = r.events[cut:]

	if len(r.events) >= l.Quota {
		resetAt := now + window
		if len(r.events) > 0 {
			resetAt = r.events[0] + window
		}

		if lockout > 0 {
			r.lockedUntil = now + lockout

			if r.lockedUntil > resetAt {
				resetAt = r.lockedUntil
			}
		}

		r.touch(l, now)

		return Result{
			ResetAt:    time.UnixMilli(resetAt),
			RetryAfter: time.Duration(resetAt-now) * time.Millisecond,
		}
	}

	// keep events ordered even if the clock stepped backwards
	i := sort.Search(len(r.events), func(i int) bool { return r.events[i] > now })
	r.events = append(r.events, 0)
	copy(r.events[i+1:], r.events[i:])
	r.events[i] = now

	r.touch(l, now)

	return Result{
		Admitted:  true,
		Remaining: clampRemaining(l.Quota-len(r.events), l.Quota),
		ResetAt:   time.UnixMilli(r.events[0] + window),
	}
}

func (r *localRecord) touch(l Limit, now int64) {
	exp := now + 2*l.Window.Milliseconds()
	if r.lockedUntil > exp {
		exp = r.lockedUntil
	}

	r.expiresAt = exp
}
