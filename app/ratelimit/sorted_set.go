package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

type (
	// SortedSetStore keeps each sliding window log in a Redis sorted set
	// scored by admission time in milliseconds. The lockout marker lives in a
	// sibling key with the same hash tag so both fit in one cluster slot.
	SortedSetStore struct {
		client  redis.UniversalClient
		prefix  string
		timeout time.Duration
	}

	SortedSetOption func(*SortedSetStore)
)

const DefaultStoreTimeout = 100 * time.Millisecond

// KEYS[1] events, KEYS[2] lock
// ARGV quota, window, lockout, now, cutoff, member, ttl, lock ttl, locked until
var slidingWindow = redis.NewScript(`
local quota = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local lockout = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local lockedUntil = tonumber(redis.call('GET', KEYS[2]))
if lockedUntil and lockedUntil > now then
  return {0, 0, lockedUntil, lockedUntil - now}
end

redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[5])

local count = redis.call('ZCARD', KEYS[1])
if count >= quota then
  local resetAt = now + window
  local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
  if oldest[2] then
    resetAt = tonumber(oldest[2]) + window
  end

  if lockout > 0 then
    redis.call('SET', KEYS[2], ARGV[9], 'PX', ARGV[3])
    redis.call('PEXPIRE', KEYS[1], ARGV[8])
    if now + lockout > resetAt then
      resetAt = now + lockout
    end
  else
    redis.call('PEXPIRE', KEYS[1], ARGV[7])
  end

  return {0, 0, resetAt, resetAt - now}
end

redis.call('ZADD', KEYS[1], ARGV[4], ARGV[6])
redis.call('PEXPIRE', KEYS[1], ARGV[7])

local first = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')

return {1, quota - count - 1, tonumber(first[2]) + window, 0}
`)

var (
	_ CounterStore = (*SortedSetStore)(nil)

	errMalformedReply = errors.New("malformed sliding window reply")

	// Replies that mean the node cannot serve writes right now.
	unavailableReplies = []string{"LOADING", "READONLY", "MASTERDOWN", "CLUSTERDOWN", "TRYAGAIN"}
)

func WithKeyPrefix(prefix string) SortedSetOption {
	return func(s *SortedSetStore) { s.prefix = strings.Trim(prefix, ":") }
}

func WithStoreTimeout(d time.Duration) SortedSetOption {
	return func(s *SortedSetStore) { s.timeout = d }
}

func NewSortedSetStore(client redis.UniversalClient, opts ...SortedSetOption) *SortedSetStore {
	s := &SortedSetStore{
		client:  client,
		prefix:  defaultKeyPrefix,
		timeout: DefaultStoreTimeout,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *SortedSetStore) TryAdmit(ctx context.Context, key Key, limit Limit, now time.Time) (Result, error) {
	// The script is allowed to finish even if the caller goes away; only the
	// store's own deadline bounds it.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	var (
		ms      = now.UnixMilli()
		window  = limit.Window.Milliseconds()
		lockout = limit.Lockout.Milliseconds()
		events  = s.eventsKey(key)
		keys    = []string{events, events + ":lock"}
	)

	reply, err := slidingWindow.Run(ctx, s.client, keys,
		limit.Quota,
		window,
		lockout,
		ms,
		ms-window,
		strconv.FormatInt(ms, 10)+"-"+uuid.New().String(),
		(2 * limit.Window).Milliseconds(),
		recordTTL(limit).Milliseconds(),
		ms+lockout,
	).Slice()
	if err != nil {
		return Result{}, s.classify(key, err)
	}

	if len(reply) != 4 {
		return Result{}, fmt.Errorf("%w for key %q: %d values", errMalformedReply, key, len(reply))
	}

	var v [4]int64

	for i := range reply {
		n, ok := reply[i].(int64)
		if !ok {
			return Result{}, fmt.Errorf("%w for key %q: value %d is %T", errMalformedReply, key, i, reply[i])
		}

		v[i] = n
	}

	return Result{
		Admitted:   v[0] == 1,
		Remaining:  clampRemaining(int(v[1]), limit.Quota),
		ResetAt:    time.UnixMilli(v[2]),
		RetryAfter: time.Duration(v[3]) * time.Millisecond,
	}, nil
}

func (s *SortedSetStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.client.Ping(ctx).Err(); err != nil {
		return s.classify(Key{}, err)
	}

	return nil
}

func (s *SortedSetStore) eventsKey(key Key) string {
	return s.prefix + ":{" + key.String() + "}"
}

func (s *SortedSetStore) classify(key Key, err error) error {
	var reply redis.Error
	if errors.As(err, &reply) && !isUnavailableReply(reply.Error()) {
		return fmt.Errorf("failed to run sliding window script for key %q: %w", key, err)
	}

	return fmt.Errorf("%w: key %q: %w", ErrStoreUnavailable, key, err)
}

func isUnavailableReply(msg string) bool {
	for _, p := range unavailableReplies {
		if strings.HasPrefix(msg, p) {
			return true
		}
	}

	return false
}
