// Package redisstore is a ratelimit.Store backed by Redis, letting several
// server instances share one set of counters.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/mcp-sse-go/ratelimit"
	"github.com/redis/go-redis/v9"
)

// Store implements ratelimit.Store on a Redis client.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
}

// Option configures a Store.
type Option func(*Store)

// WithKeyPrefix namespaces every key, e.g. per deployment. Default "mcp:".
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// New returns a Store using client.
func New(client redis.UniversalClient, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, errors.New("redisstore: client is required")
	}
	s := &Store{client: client, keyPrefix: "mcp:"}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) k(key string) string { return s.keyPrefix + key }

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, s.k(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redisstore: get: %w", err)
	}
	return v, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, s.k(key), value, 0).Err(); err != nil {
		return fmt.Errorf("redisstore: set: %w", err)
	}
	return nil
}

func (s *Store) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("redisstore: invalid ttl %s", ttl)
	}
	if err := s.client.SetEx(ctx, s.k(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redisstore: setex: %w", err)
	}
	return nil
}

func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Incr(ctx, s.k(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("redisstore: incr: %w", err)
	}
	return n, nil
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.Expire(ctx, s.k(key), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redisstore: expire: %w", err)
	}
	return ok, nil
}

// TTL maps go-redis' raw -1/-2 replies onto ratelimit.NoExpiry/KeyMissing.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.client.PTTL(ctx, s.k(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("redisstore: ttl: %w", err)
	}
	switch d {
	case -1, -1 * time.Millisecond:
		return ratelimit.NoExpiry, nil
	case -2, -2 * time.Millisecond:
		return ratelimit.KeyMissing, nil
	}
	return d, nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.k(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redisstore: exists: %w", err)
	}
	return n > 0, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redisstore: ping: %w", err)
	}
	return nil
}

var _ ratelimit.Store = (*Store)(nil)
