package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ggoodman/mcp-sse-go/internal/jwtauth"
)

// JWTOption configures optional aspects of the access token validator
// (scopes, algorithms, leeway).
type JWTOption func(*jwtauth.Config)

// WithRequiredScopes requires all of the provided scopes to be present in the
// space-delimited "scope" claim.
func WithRequiredScopes(scopes ...string) JWTOption {
	return func(c *jwtauth.Config) {
		c.RequiredScopes = append([]string(nil), scopes...)
		c.ScopeModeAny = false
	}
}

// WithAnyRequiredScope requires at least one of the provided scopes to be present.
func WithAnyRequiredScope(scopes ...string) JWTOption {
	return func(c *jwtauth.Config) {
		c.RequiredScopes = append([]string(nil), scopes...)
		c.ScopeModeAny = true
	}
}

// WithAllowedAlgs restricts allowed JWS algorithms. Defaults to ["RS256"].
func WithAllowedAlgs(algs ...string) JWTOption {
	return func(c *jwtauth.Config) {
		c.AllowedAlgs = append([]string(nil), algs...)
	}
}

// WithLeeway sets clock skew tolerance for time-based claims.
func WithLeeway(d time.Duration) JWTOption {
	return func(c *jwtauth.Config) { c.Leeway = d }
}

// WithAdditionalAudiences accepts further "aud" values beyond the primary one.
func WithAdditionalAudiences(aud ...string) JWTOption {
	return func(c *jwtauth.Config) {
		c.ExpectedAudiences = append(c.ExpectedAudiences, aud...)
	}
}

// WithoutATJWTType accepts tokens whose typ header is not "at+jwt".
func WithoutATJWTType() JWTOption {
	return func(c *jwtauth.Config) { c.RequireATJWT = false }
}

// JWTValidator validates RFC 9068 JWT access tokens and maps their claims
// onto a UserContext.
type JWTValidator struct {
	authn jwtauth.Authenticator
	now   func() time.Time
}

// NewJWTValidatorFromDiscovery returns a validator whose keys and issuer are
// obtained via OpenID Connect discovery.
func NewJWTValidatorFromDiscovery(ctx context.Context, issuer, audience string, opts ...JWTOption) (*JWTValidator, error) {
	cfg, err := jwtConfig(issuer, audience, opts)
	if err != nil {
		return nil, err
	}
	a, err := jwtauth.NewFromDiscovery(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &JWTValidator{authn: a, now: time.Now}, nil
}

// NewJWTValidatorStatic returns a validator for a fixed issuer and JWKS URI.
func NewJWTValidatorStatic(ctx context.Context, issuer, audience, jwksURI string, opts ...JWTOption) (*JWTValidator, error) {
	cfg, err := jwtConfig(issuer, audience, opts)
	if err != nil {
		return nil, err
	}
	a, err := jwtauth.NewStatic(ctx, cfg, jwksURI)
	if err != nil {
		return nil, err
	}
	return &JWTValidator{authn: a, now: time.Now}, nil
}

func jwtConfig(issuer, audience string, opts []JWTOption) (*jwtauth.Config, error) {
	if audience == "" {
		return nil, errors.New("audience is required")
	}
	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = issuer
	cfg.ExpectedAudiences = []string{audience}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg, nil
}

type accessTokenClaims struct {
	Subject           string   `json:"sub"`
	UID               any      `json:"uid"`
	PreferredUsername string   `json:"preferred_username"`
	Email             string   `json:"email"`
	Scope             string   `json:"scope"`
	Permissions       []string `json:"permissions"`
}

// ValidateToken implements TokenValidator.
func (v *JWTValidator) ValidateToken(ctx context.Context, token string) (*UserContext, error) {
	if token == "" {
		return nil, ErrTokenMissing
	}
	ui, err := v.authn.CheckAuthentication(ctx, token)
	if err != nil {
		if errors.Is(err, jwtauth.ErrUnauthorized) || errors.Is(err, jwtauth.ErrInsufficientScope) {
			return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return nil, err
	}

	var claims accessTokenClaims
	if err := ui.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: unreadable claims: %v", ErrUnauthorized, err)
	}

	id, ok := numericID(claims.UID)
	if !ok {
		id, ok = numericID(ui.Subject())
	}
	if !ok {
		return nil, fmt.Errorf("%w: token carries no numeric user id", ErrUnauthorized)
	}

	perms := append(strings.Fields(claims.Scope), claims.Permissions...)
	return NewUserContext(id, claims.PreferredUsername, claims.Email, token, perms, v.now()), nil
}

func numericID(v any) (int64, bool) {
	switch x := v.(type) {
	case float64:
		if x > 0 && x == float64(int64(x)) {
			return int64(x), true
		}
	case string:
		if n, err := strconv.ParseInt(x, 10, 64); err == nil && n > 0 {
			return n, true
		}
	}
	return 0, false
}

var _ TokenValidator = (*JWTValidator)(nil)
