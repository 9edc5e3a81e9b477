package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStoreConfig points the issuance limiter at a shared Redis.
type RedisStoreConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
	Timeout  time.Duration
	// KeyPrefix namespaces counters. Defaults to "bitriver:vod:ratelimit:".
	KeyPrefix string
}

// redisStore counts hits per key in fixed windows with INCR and EXPIRE.
type redisStore struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

func newRedisStore(cfg RedisStoreConfig) (*redisStore, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("redis address required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "bitriver:vod:ratelimit:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})
	return &redisStore{client: client, prefix: prefix, timeout: timeout}, nil
}

func (s *redisStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	fullKey := s.prefix + key
	count, err := s.client.Incr(ctx, fullKey).Result()
	if err != nil {
		return false, 0, fmt.Errorf("redis incr: %w", err)
	}
	if count == 1 {
		seconds := window.Round(time.Second)
		if seconds < time.Second {
			seconds = time.Second
		}
		if err := s.client.Expire(ctx, fullKey, seconds).Err(); err != nil {
			return false, 0, fmt.Errorf("redis expire: %w", err)
		}
	}
	if count <= int64(limit) {
		return true, 0, nil
	}
	ttl, err := s.client.TTL(ctx, fullKey).Result()
	if err != nil {
		return false, 0, fmt.Errorf("redis ttl: %w", err)
	}
	if ttl < 0 {
		return false, window, nil
	}
	return false, ttl, nil
}

func (s *redisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
