package auth

import (
	"context"
	"errors"
	"fmt"
)

// Chain tries validators in order. The first result that is not an
// ErrUnauthorized failure wins, so a dependency error from one validator is
// returned immediately instead of being masked by later ones.
type Chain []TokenValidator

// ValidateToken implements TokenValidator.
func (c Chain) ValidateToken(ctx context.Context, token string) (*UserContext, error) {
	if token == "" {
		return nil, ErrTokenMissing
	}
	if len(c) == 0 {
		return nil, fmt.Errorf("%w: no validators configured", ErrUnauthorized)
	}
	var last error
	for _, v := range c {
		u, err := v.ValidateToken(ctx, token)
		if err == nil {
			return u, nil
		}
		if !errors.Is(err, ErrUnauthorized) {
			return nil, err
		}
		last = err
	}
	return nil, last
}

var _ TokenValidator = Chain(nil)
