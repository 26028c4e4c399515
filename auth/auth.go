package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"
)

// ErrUnauthorized indicates authentication failed or no valid credentials were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// ErrTokenMissing indicates the request carried no credential at all.
var ErrTokenMissing = fmt.Errorf("%w: token missing", ErrUnauthorized)

// UserContext is the identity attached to a validated token. Values are
// immutable once constructed; validators return fresh copies.
type UserContext struct {
	UserID      int64
	Username    string
	Email       string
	Token       string
	Permissions []string
	ValidatedAt time.Time
}

// NewUserContext builds a UserContext with a sorted, de-duplicated permission set.
func NewUserContext(id int64, username, email, token string, perms []string, validatedAt time.Time) *UserContext {
	p := slices.Clone(perms)
	slices.Sort(p)
	p = slices.Compact(p)
	return &UserContext{
		UserID:      id,
		Username:    username,
		Email:       email,
		Token:       token,
		Permissions: p,
		ValidatedAt: validatedAt,
	}
}

// HasPermission reports whether perm is in the user's permission set.
func (u *UserContext) HasPermission(perm string) bool {
	if u == nil {
		return false
	}
	_, ok := slices.BinarySearch(u.Permissions, perm)
	return ok
}

// IdentityKey is the stable per-user key used for rate limiting and logging.
func (u *UserContext) IdentityKey() string {
	return strconv.FormatInt(u.UserID, 10)
}

// Clone returns a deep copy of u.
func (u *UserContext) Clone() *UserContext {
	if u == nil {
		return nil
	}
	c := *u
	c.Permissions = slices.Clone(u.Permissions)
	return &c
}

// TokenValidator resolves a bearer token to a user. Failures caused by the
// credential itself wrap ErrUnauthorized; any other error is a dependency
// failure. Implementations must be safe for concurrent use.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*UserContext, error)
}

// ValidatorFunc adapts a function to TokenValidator.
type ValidatorFunc func(ctx context.Context, token string) (*UserContext, error)

func (f ValidatorFunc) ValidateToken(ctx context.Context, token string) (*UserContext, error) {
	return f(ctx, token)
}
