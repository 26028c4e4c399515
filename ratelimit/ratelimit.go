// Package ratelimit enforces a per-identity fixed-window request budget on top
// of an external atomic counting store, so that every server instance sharing
// the store sees the same counters.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"
)

// TTL sentinels returned by Store.TTL, mirroring Redis semantics.
const (
	// NoExpiry means the key exists but has no expiry set.
	NoExpiry time.Duration = -1
	// KeyMissing means the key does not exist.
	KeyMissing time.Duration = -2
)

// Store is the atomic counting store backing the limiter. Incr and Expire
// must be atomic with respect to concurrent callers, including callers in
// other processes.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	Exists(ctx context.Context, key string) (bool, error)
	Ping(ctx context.Context) error
}

// ErrStoreUnavailable reports that the counting store could not be consulted.
// The limiter fails closed: callers must reject the request.
var ErrStoreUnavailable = errors.New("ratelimit: store unavailable")

// RateLimitError is returned when an identity has exhausted its budget for
// the current window.
type RateLimitError struct {
	// RetryAfter is the number of whole seconds until the window resets.
	RetryAfter int
	Message    string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s (retry after %ds)", e.Message, e.RetryAfter)
}

// KeyType identifies the type of rate limit key.
type KeyType string

const (
	// KeyTypeUser is for per-user rate limiting.
	KeyTypeUser KeyType = "user"
	// KeyTypeIP is for per-address rate limiting.
	KeyTypeIP KeyType = "ip"
)

const keyPrefix = "ratelimit"

// FormatKey returns a structured rate limit key.
// Format: "ratelimit:{type}:{value}"
func FormatKey(keyType KeyType, value string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, keyType, value)
}

// Limiter is a fixed-window counter limiter.
type Limiter struct {
	store   Store
	limit   int64
	window  time.Duration
	keyType KeyType
	log     *slog.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLimit sets the number of requests allowed per window. Default 100.
func WithLimit(n int) Option {
	return func(l *Limiter) { l.limit = int64(n) }
}

// WithWindow sets the window length. Default 1m.
func WithWindow(d time.Duration) Option {
	return func(l *Limiter) { l.window = d }
}

// WithKeyType sets the key namespace used for identities. Default KeyTypeUser.
func WithKeyType(t KeyType) Option {
	return func(l *Limiter) { l.keyType = t }
}

// WithLogger sets the logger used for store failures.
func WithLogger(log *slog.Logger) Option {
	return func(l *Limiter) { l.log = log }
}

// New returns a Limiter backed by store.
func New(store Store, opts ...Option) (*Limiter, error) {
	if store == nil {
		return nil, errors.New("ratelimit: store is required")
	}
	l := &Limiter{
		store:   store,
		limit:   100,
		window:  time.Minute,
		keyType: KeyTypeUser,
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.limit <= 0 {
		return nil, fmt.Errorf("ratelimit: limit must be positive, got %d", l.limit)
	}
	if l.window < time.Second {
		return nil, fmt.Errorf("ratelimit: window must be at least 1s, got %s", l.window)
	}
	return l, nil
}

// Limit returns the configured budget per window.
func (l *Limiter) Limit() int { return int(l.limit) }

// Window returns the configured window length.
func (l *Limiter) Window() time.Duration { return l.window }

// CheckLimit counts one request for identity. It returns a *RateLimitError
// once the budget for the current window is exhausted, and an error wrapping
// ErrStoreUnavailable if the store cannot be consulted.
func (l *Limiter) CheckLimit(ctx context.Context, identity string) error {
	key := FormatKey(l.keyType, identity)

	n, err := l.store.Incr(ctx, key)
	if err != nil {
		return l.storeErr(ctx, "incr", err)
	}
	if n == 1 {
		if _, err := l.store.Expire(ctx, key, l.window); err != nil {
			return l.storeErr(ctx, "expire", err)
		}
	}
	if n <= l.limit {
		return nil
	}

	ttl, err := l.store.TTL(ctx, key)
	if err != nil {
		return l.storeErr(ctx, "ttl", err)
	}
	if ttl < 0 {
		// A counter without expiry would block the identity forever.
		if _, err := l.store.Expire(ctx, key, l.window); err != nil {
			return l.storeErr(ctx, "expire", err)
		}
		ttl = l.window
	}
	return &RateLimitError{
		RetryAfter: retryAfterSeconds(ttl),
		Message:    "Rate limit exceeded",
	}
}

// Remaining reports how many requests identity may still make in the current
// window without counting one.
func (l *Limiter) Remaining(ctx context.Context, identity string) (int, error) {
	v, ok, err := l.store.Get(ctx, FormatKey(l.keyType, identity))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !ok {
		return int(l.limit), nil
	}
	var used int64
	if _, err := fmt.Sscan(v, &used); err != nil {
		return 0, fmt.Errorf("ratelimit: corrupt counter %q: %w", v, err)
	}
	return int(max(l.limit-used, 0)), nil
}

// Healthy pings the store.
func (l *Limiter) Healthy(ctx context.Context) error {
	if err := l.store.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (l *Limiter) storeErr(ctx context.Context, op string, err error) error {
	l.log.ErrorContext(ctx, "ratelimit.store.fail", slog.String("op", op), slog.String("err", err.Error()))
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

// retryAfterSeconds rounds up so clients never retry before the window resets.
func retryAfterSeconds(ttl time.Duration) int {
	secs := int(math.Ceil(ttl.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
