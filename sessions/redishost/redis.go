package redishost

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/mcp-sse-go/sessions"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for a Redis-backed SessionHost loaded from the environment.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: SESSIONS_KEY_PREFIX
	KeyPrefix string `env:"SESSIONS_KEY_PREFIX,default=mcp:sessions:"`
	// MaxLen caps each session stream. ENV: SESSIONS_STREAM_MAXLEN
	MaxLen int64 `env:"SESSIONS_STREAM_MAXLEN,default=1000"`
	// StreamTTL expires idle streams. ENV: SESSIONS_STREAM_TTL
	StreamTTL time.Duration `env:"SESSIONS_STREAM_TTL,default=1h"`
}

type Host struct {
	client    redis.UniversalClient
	ownClient bool
	keyPrefix string
	maxLen    int64
	streamTTL time.Duration
	block     time.Duration
}

// Option configures a Host.
type Option func(*Host)

// WithKeyPrefix namespaces every key. Default "mcp:sessions:".
func WithKeyPrefix(p string) Option { return func(h *Host) { h.keyPrefix = p } }

// WithMaxLen caps each stream with approximate trimming. Zero disables trimming.
func WithMaxLen(n int64) Option { return func(h *Host) { h.maxLen = n } }

// WithStreamTTL sets the expiry refreshed on every publish. Zero disables it.
func WithStreamTTL(d time.Duration) Option { return func(h *Host) { h.streamTTL = d } }

// WithBlock sets how long each XREAD blocks before re-checking the context.
func WithBlock(d time.Duration) Option { return func(h *Host) { h.block = d } }

// New returns a Host on an existing client. Close does not close the client.
func New(client redis.UniversalClient, opts ...Option) (*Host, error) {
	if client == nil {
		return nil, errors.New("redishost: client is required")
	}
	h := &Host{
		client:    client,
		keyPrefix: "mcp:sessions:",
		maxLen:    1000,
		streamTTL: time.Hour,
		block:     500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// NewFromEnv builds a Host and its own client from environment configuration.
func NewFromEnv(ctx context.Context) (*Host, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("redishost: decode env: %w", err)
	}
	cl := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	h, err := New(cl, WithKeyPrefix(cfg.KeyPrefix), WithMaxLen(cfg.MaxLen), WithStreamTTL(cfg.StreamTTL))
	if err != nil {
		_ = cl.Close()
		return nil, err
	}
	h.ownClient = true
	return h, nil
}

// Close closes the Redis client if the Host created it.
func (h *Host) Close() error {
	if h.ownClient {
		return h.client.Close()
	}
	return nil
}

func (h *Host) streamKey(sessionID string) string { return h.keyPrefix + "stream:" + sessionID }

func (h *Host) PublishSession(ctx context.Context, sessionID string, data []byte) (string, error) {
	key := h.streamKey(sessionID)
	args := &redis.XAddArgs{Stream: key, Values: map[string]interface{}{"d": data}}
	if h.maxLen > 0 {
		args.MaxLen = h.maxLen
		args.Approx = true
	}

	pipe := h.client.TxPipeline()
	add := pipe.XAdd(ctx, args)
	if h.streamTTL > 0 {
		pipe.Expire(ctx, key, h.streamTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("redishost: publish: %w", err)
	}
	return add.Val(), nil
}

func (h *Host) SubscribeSession(ctx context.Context, sessionID string, lastEventID string, handler sessions.MessageHandlerFunction) error {
	key := h.streamKey(sessionID)
	start := lastEventID
	if start == "" {
		// Resolve "now" to a concrete id so nothing published between two
		// XREAD calls is skipped, which "$" would do.
		last, err := h.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("redishost: resolve stream tail: %w", err)
		}
		start = "0-0"
		if len(last) > 0 {
			start = last[0].ID
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := h.client.XRead(ctx, &redis.XReadArgs{Streams: []string{key, start}, Count: 100, Block: h.block}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("redishost: xread: %w", err)
		}
		for _, stream := range res {
			for _, m := range stream.Messages {
				start = m.ID
				var payload []byte
				switch v := m.Values["d"].(type) {
				case string:
					payload = []byte(v)
				case []byte:
					payload = v
				default:
					payload = []byte(fmt.Sprintf("%v", v))
				}
				if err := handler(ctx, m.ID, payload); err != nil {
					return err
				}
			}
		}
	}
}

func (h *Host) CleanupSession(ctx context.Context, sessionID string) error {
	if err := h.client.Del(context.WithoutCancel(ctx), h.streamKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("redishost: cleanup: %w", err)
	}
	return nil
}

var _ sessions.SessionHost = (*Host)(nil)
