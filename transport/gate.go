package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/ggoodman/mcp-sse-go/auth"
	"github.com/ggoodman/mcp-sse-go/metrics"
	"github.com/ggoodman/mcp-sse-go/ratelimit"
)

// RateLimiter is the part of ratelimit.Limiter the gate consumes.
type RateLimiter interface {
	CheckLimit(ctx context.Context, identity string) error
}

// Gate admits a request by authenticating its credential and charging the
// resolved identity's rate-limit budget, in that order. Nothing about a
// session may change before Admit succeeds.
type Gate struct {
	validator auth.TokenValidator
	limiter   RateLimiter
	log       *slog.Logger
	metrics   *metrics.Metrics
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithGateLogger sets the logger for admission failures.
func WithGateLogger(l *slog.Logger) GateOption {
	return func(g *Gate) { g.log = l }
}

// WithGateMetrics counts auth failures and rate-limited requests in m.
func WithGateMetrics(m *metrics.Metrics) GateOption {
	return func(g *Gate) { g.metrics = m }
}

// NewGate returns a Gate. A nil limiter admits every authenticated request.
func NewGate(validator auth.TokenValidator, limiter RateLimiter, opts ...GateOption) *Gate {
	g := &Gate{
		validator: validator,
		limiter:   limiter,
		log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Admit returns the authenticated user of r or an error FromError can render.
func (g *Gate) Admit(ctx context.Context, r *http.Request) (*auth.UserContext, error) {
	tok, err := ExtractToken(r)
	if err != nil {
		g.authFailed(ctx, err)
		return nil, err
	}

	user, err := g.validator.ValidateToken(ctx, tok)
	if err != nil {
		g.authFailed(ctx, err)
		return nil, err
	}
	g.log.DebugContext(ctx, "auth.ok", slog.Int64("user_id", user.UserID))

	if g.limiter == nil {
		return user, nil
	}
	if err := g.limiter.CheckLimit(ctx, user.IdentityKey()); err != nil {
		var rle *ratelimit.RateLimitError
		if errors.As(err, &rle) {
			g.metrics.RateLimit()
			g.log.InfoContext(ctx, "ratelimit.reject", slog.Int64("user_id", user.UserID), slog.Int("retry_after", rle.RetryAfter))
		} else {
			g.log.ErrorContext(ctx, "ratelimit.check.fail", slog.String("err", err.Error()))
		}
		return nil, err
	}
	return user, nil
}

func (g *Gate) authFailed(ctx context.Context, err error) {
	switch {
	case errors.Is(err, auth.ErrTokenMissing):
		g.metrics.AuthFailure("missing")
		g.log.InfoContext(ctx, "auth.check.missing")
	case errors.Is(err, auth.ErrUnauthorized):
		g.metrics.AuthFailure("invalid")
		g.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
	default:
		g.metrics.AuthFailure("error")
		g.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
	}
}
