// Package authtest provides token validators for tests and local development.
package authtest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-sse-go/auth"
)

// Static is a TokenValidator backed by a fixed token table. It counts calls
// so tests can assert caching behavior.
type Static struct {
	mu    sync.RWMutex
	users map[string]*auth.UserContext
	calls atomic.Int64
	err   error
}

// NewStatic creates an empty Static validator.
func NewStatic() *Static {
	return &Static{users: map[string]*auth.UserContext{}}
}

// Add registers token for a user and returns the validator for chaining.
func (s *Static) Add(token string, userID int64, username string, perms ...string) *Static {
	s.mu.Lock()
	s.users[token] = auth.NewUserContext(userID, username, username+"@example.com", token, perms, time.Time{})
	s.mu.Unlock()
	return s
}

// Remove revokes token.
func (s *Static) Remove(token string) {
	s.mu.Lock()
	delete(s.users, token)
	s.mu.Unlock()
}

// FailWith makes every subsequent call return err; nil restores normal behavior.
func (s *Static) FailWith(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Calls reports how many times ValidateToken ran.
func (s *Static) Calls() int64 { return s.calls.Load() }

// ValidateToken implements auth.TokenValidator.
func (s *Static) ValidateToken(ctx context.Context, token string) (*auth.UserContext, error) {
	s.calls.Add(1)
	if token == "" {
		return nil, auth.ErrTokenMissing
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	u, ok := s.users[token]
	if !ok {
		return nil, fmt.Errorf("%w: unknown token", auth.ErrUnauthorized)
	}
	c := u.Clone()
	c.ValidatedAt = time.Now()
	return c, nil
}

var _ auth.TokenValidator = (*Static)(nil)
