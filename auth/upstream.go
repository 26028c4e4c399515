package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// UpstreamValidator validates tokens by calling the task REST API's identity
// endpoint with the token as a bearer credential.
type UpstreamValidator struct {
	endpoint     string
	client       *http.Client
	defaultPerms []string
	now          func() time.Time
}

// UpstreamOption configures an UpstreamValidator.
type UpstreamOption func(*UpstreamValidator)

// WithHTTPClient sets the client used for identity calls.
func WithHTTPClient(c *http.Client) UpstreamOption {
	return func(v *UpstreamValidator) { v.client = c }
}

// WithDefaultPermissions sets permissions granted when the upstream response
// carries none.
func WithDefaultPermissions(perms ...string) UpstreamOption {
	return func(v *UpstreamValidator) { v.defaultPerms = append([]string(nil), perms...) }
}

// WithUpstreamClock overrides the time source for ValidatedAt.
func WithUpstreamClock(now func() time.Time) UpstreamOption {
	return func(v *UpstreamValidator) { v.now = now }
}

// NewUpstreamValidator returns a validator that calls GET {baseURL}/user.
func NewUpstreamValidator(baseURL string, opts ...UpstreamOption) (*UpstreamValidator, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("auth: invalid upstream url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("auth: upstream url must be http(s), got %q", baseURL)
	}
	endpoint, err := url.JoinPath(baseURL, "user")
	if err != nil {
		return nil, fmt.Errorf("auth: invalid upstream url: %w", err)
	}

	v := &UpstreamValidator{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

type upstreamUser struct {
	ID          int64    `json:"id"`
	Username    string   `json:"username"`
	Email       string   `json:"email"`
	Permissions []string `json:"permissions"`
}

// ValidateToken implements TokenValidator.
func (v *UpstreamValidator) ValidateToken(ctx context.Context, token string) (*UserContext, error) {
	if token == "" {
		return nil, ErrTokenMissing
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("auth: build upstream request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	res, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth: upstream identity call: %w", err)
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		_, _ = io.Copy(io.Discard, res.Body)
		return nil, fmt.Errorf("%w: upstream rejected token (%d)", ErrUnauthorized, res.StatusCode)
	case res.StatusCode < 200 || res.StatusCode > 299:
		_, _ = io.Copy(io.Discard, res.Body)
		return nil, fmt.Errorf("auth: upstream identity call returned %d", res.StatusCode)
	}

	var body upstreamUser
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&body); err != nil {
		return nil, fmt.Errorf("auth: decode upstream identity: %w", err)
	}
	if body.ID <= 0 {
		return nil, fmt.Errorf("%w: upstream identity has no user id", ErrUnauthorized)
	}

	perms := body.Permissions
	if len(perms) == 0 {
		perms = v.defaultPerms
	}
	return NewUserContext(body.ID, body.Username, body.Email, token, perms, v.now()), nil
}

var _ TokenValidator = (*UpstreamValidator)(nil)
