package store

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

type RedisConfig struct {
	Host         string
	Port         int
	DB           int
	Password     string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
}

const (
	defaultRedisPort    = 6379
	defaultRedisTimeout = 100 * time.Millisecond
)

// Enabled reports whether a shared store was configured at all.
func (c RedisConfig) Enabled() bool {
	return c.Host != ""
}

func (c RedisConfig) Addr() string {
	port := c.Port
	if port == 0 {
		port = defaultRedisPort
	}

	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// NewRedisClient builds a client whose socket timeouts stay within the
// admission budget. Retries are disabled: a failed call is answered by the
// local store rather than retried against a struggling server.
func NewRedisClient(config RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         config.Addr(),
		DB:           config.DB,
		Password:     config.Password,
		DialTimeout:  orDefault(config.DialTimeout, defaultRedisTimeout),
		ReadTimeout:  orDefault(config.ReadTimeout, defaultRedisTimeout),
		WriteTimeout: orDefault(config.WriteTimeout, defaultRedisTimeout),
		PoolSize:     config.PoolSize,
		MaxRetries:   -1,
	})
}

// Ping verifies connectivity once at startup. A failure is not fatal for the
// gateway; callers log it and keep going.
func Ping(ctx context.Context, client redis.UniversalClient) error {
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}

	return nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}

	return d
}
