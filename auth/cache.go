package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-sse-go/storage"
)

const cacheBucket = "auth.tokens"

// CachingValidator memoizes successful validations of an inner validator.
// Entries are keyed by the SHA-256 of the token so raw credentials never
// reach the store. Failures are never cached, and a failing store degrades
// to calling the inner validator directly.
type CachingValidator struct {
	inner TokenValidator
	store storage.Storage
	ttl   time.Duration
	log   *slog.Logger
}

// CacheOption configures a CachingValidator.
type CacheOption func(*CachingValidator)

// WithCacheTTL sets how long a successful validation is reused. Default 1m.
func WithCacheTTL(d time.Duration) CacheOption {
	return func(c *CachingValidator) { c.ttl = d }
}

// WithCacheLogger sets the logger used for cache store failures.
func WithCacheLogger(l *slog.Logger) CacheOption {
	return func(c *CachingValidator) { c.log = l }
}

// NewCachingValidator wraps inner with a cache held in store.
func NewCachingValidator(inner TokenValidator, store storage.Storage, opts ...CacheOption) *CachingValidator {
	c := &CachingValidator{
		inner: inner,
		store: store,
		ttl:   time.Minute,
		log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type cachedUser struct {
	UserID      int64     `json:"user_id"`
	Username    string    `json:"username"`
	Email       string    `json:"email"`
	Permissions []string  `json:"permissions"`
	ValidatedAt time.Time `json:"validated_at"`
}

// ValidateToken implements TokenValidator.
func (c *CachingValidator) ValidateToken(ctx context.Context, token string) (*UserContext, error) {
	if token == "" {
		return nil, ErrTokenMissing
	}
	key := tokenKey(token)

	item, err := c.store.Get(ctx, key, storage.WithBucket(cacheBucket))
	if err != nil {
		c.log.WarnContext(ctx, "auth.cache.get.fail", slog.String("err", err.Error()))
	} else if item != nil {
		var cu cachedUser
		if err := json.Unmarshal(item.Data, &cu); err == nil {
			return NewUserContext(cu.UserID, cu.Username, cu.Email, token, cu.Permissions, cu.ValidatedAt), nil
		}
	}

	u, err := c.inner.ValidateToken(ctx, token)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(cachedUser{
		UserID:      u.UserID,
		Username:    u.Username,
		Email:       u.Email,
		Permissions: u.Permissions,
		ValidatedAt: u.ValidatedAt,
	})
	if err == nil {
		if err := c.store.Set(ctx, key, data, storage.WithBucket(cacheBucket), storage.WithTTL(c.ttl)); err != nil {
			c.log.WarnContext(ctx, "auth.cache.set.fail", slog.String("err", err.Error()))
		}
	}
	return u.Clone(), nil
}

// Forget drops any cached validation for token.
func (c *CachingValidator) Forget(ctx context.Context, token string) error {
	return c.store.Delete(ctx, storage.WithBucket(cacheBucket), storage.WithKey(tokenKey(token)))
}

// Purge drops every cached validation.
func (c *CachingValidator) Purge(ctx context.Context) error {
	return c.store.Delete(ctx, storage.WithBucket(cacheBucket))
}

func tokenKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

var _ TokenValidator = (*CachingValidator)(nil)
