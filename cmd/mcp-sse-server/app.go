package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ggoodman/mcp-sse-go/auth"
	"github.com/ggoodman/mcp-sse-go/internal/config"
	"github.com/ggoodman/mcp-sse-go/metrics"
	"github.com/ggoodman/mcp-sse-go/ratelimit"
	"github.com/ggoodman/mcp-sse-go/ratelimit/memorystore"
	"github.com/ggoodman/mcp-sse-go/ratelimit/redisstore"
	"github.com/ggoodman/mcp-sse-go/sessions"
	"github.com/ggoodman/mcp-sse-go/sessions/memoryhost"
	"github.com/ggoodman/mcp-sse-go/sessions/redishost"
	"github.com/ggoodman/mcp-sse-go/ssetransport"
	"github.com/ggoodman/mcp-sse-go/storage"
	storagememory "github.com/ggoodman/mcp-sse-go/storage/memory"
	storageredis "github.com/ggoodman/mcp-sse-go/storage/redis"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
)

// app is the assembled server.
type app struct {
	handler   http.Handler
	sse       *ssetransport.Handler
	manager   *sessions.Manager
	limiter   *ratelimit.Limiter
	tokenFile *auth.FileValidator
	closers   []io.Closer
}

func buildApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	var client redis.UniversalClient
	if cfg.RedisAddr != "" {
		cl := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		a.closers = append(a.closers, cl)
		if err := cl.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		client = cl
	}

	var (
		reg = prometheus.NewRegistry()
		m   *metrics.Metrics
	)
	if cfg.MetricsEnabled {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m = metrics.New(reg)
	}

	var store ratelimit.Store
	if client != nil {
		rs, err := redisstore.New(client, redisstore.WithKeyPrefix(cfg.RedisKeyPrefix))
		if err != nil {
			return nil, err
		}
		store = rs
	} else {
		ms := memorystore.New()
		a.closers = append(a.closers, ms)
		store = ms
	}
	a.limiter, err = ratelimit.New(store,
		ratelimit.WithLimit(cfg.RateLimitMax),
		ratelimit.WithWindow(cfg.RateLimitWindow),
		ratelimit.WithLogger(log),
	)
	if err != nil {
		return nil, err
	}
	if err := a.limiter.Healthy(ctx); err != nil {
		return nil, fmt.Errorf("rate limit store: %w", err)
	}

	validator, err := a.buildValidator(ctx, cfg, client, log)
	if err != nil {
		return nil, err
	}

	var host sessions.SessionHost
	if client != nil {
		rh, err := redishost.New(client,
			redishost.WithKeyPrefix(cfg.RedisKeyPrefix+"sessions:"),
			redishost.WithMaxLen(int64(cfg.SessionMaxMessages)),
		)
		if err != nil {
			return nil, err
		}
		host = rh
	} else {
		host = memoryhost.New(memoryhost.WithMaxMessages(cfg.SessionMaxMessages))
	}

	a.manager = sessions.NewManager(
		sessions.WithIdleTimeout(cfg.SessionIdleTimeout),
		sessions.WithOrphanTimeout(cfg.SessionOrphanTimeout),
		sessions.WithRetention(cfg.SessionRetention),
		sessions.WithSweepInterval(cfg.SessionSweepInterval),
		sessions.WithLogger(log),
		sessions.WithOnTerminate(func(s sessions.Session) {
			m.SessionEnded(string(s.Transport))
			cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := host.CleanupSession(cctx, s.ID); err != nil {
				log.Warn("session.host.cleanup.fail", slog.String("session_id", s.ID), slog.String("err", err.Error()))
			}
		}),
	)
	m.RegisterSessionGauges(func(status string) int { return a.manager.Count(sessions.Status(status)) },
		string(sessions.StatusActive), string(sessions.StatusOrphaned), string(sessions.StatusTerminated))

	sunset, err := cfg.SunsetTime()
	if err != nil {
		return nil, err
	}
	a.sse, err = ssetransport.New(validator, a.limiter, a.manager, host,
		ssetransport.WithLogger(log),
		ssetransport.WithMetrics(m),
		ssetransport.WithPath(cfg.Path),
		ssetransport.WithRealm(cfg.Realm),
		ssetransport.WithSunset(sunset),
		ssetransport.WithSuccessorURL(cfg.SuccessorURL),
		ssetransport.WithKeepAlive(cfg.KeepAlive),
		ssetransport.WithMaxBodyBytes(cfg.MaxBodyBytes),
		ssetransport.WithDispatchTimeout(cfg.DispatchTimeout),
	)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle(a.sse.Path(), a.sse)
	mux.HandleFunc("GET /healthz", a.handleHealth)
	if cfg.MetricsEnabled {
		mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	}

	a.handler = mux
	if len(cfg.CORSOrigins) > 0 {
		a.handler = cors.New(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID"},
			ExposedHeaders: []string{"Deprecation", "Sunset", "Link", "Retry-After", "WWW-Authenticate"},
		}).Handler(mux)
	}
	return a, nil
}

// buildValidator chains the configured validators (token file, JWT, task
// API, in that order) and puts the validation cache in front.
func (a *app) buildValidator(ctx context.Context, cfg *config.Config, client redis.UniversalClient, log *slog.Logger) (auth.TokenValidator, error) {
	var chain auth.Chain

	if cfg.TokenFile != "" {
		fv, err := auth.NewFileValidator(cfg.TokenFile, auth.WithFileLogger(log))
		if err != nil {
			return nil, err
		}
		a.tokenFile = fv
		chain = append(chain, fv)
	}

	if cfg.JWTIssuer != "" {
		var (
			jv  *auth.JWTValidator
			err error
		)
		if cfg.JWKSURI != "" {
			jv, err = auth.NewJWTValidatorStatic(ctx, cfg.JWTIssuer, cfg.JWTAudience, cfg.JWKSURI)
		} else {
			jv, err = auth.NewJWTValidatorFromDiscovery(ctx, cfg.JWTIssuer, cfg.JWTAudience)
		}
		if err != nil {
			return nil, fmt.Errorf("jwt validator: %w", err)
		}
		chain = append(chain, jv)
	}

	if cfg.UpstreamURL != "" {
		uv, err := auth.NewUpstreamValidator(cfg.UpstreamURL, auth.WithHTTPClient(&http.Client{Timeout: cfg.UpstreamTimeout}))
		if err != nil {
			return nil, err
		}
		chain = append(chain, uv)
	}

	if len(chain) == 0 {
		return nil, errors.New("no token validator configured")
	}
	var validator auth.TokenValidator = chain
	if len(chain) == 1 {
		validator = chain[0]
	}
	if cfg.AuthCacheTTL <= 0 {
		return validator, nil
	}

	var cache storage.Storage
	if client != nil {
		rs, err := storageredis.New(storageredis.Config{Client: client, KeyPrefix: cfg.RedisKeyPrefix + "storage:"})
		if err != nil {
			return nil, err
		}
		cache = rs
	} else {
		ms, err := storagememory.New(cfg.AuthCacheSize)
		if err != nil {
			return nil, err
		}
		cache = ms
	}
	a.closers = append(a.closers, cache)
	return auth.NewCachingValidator(validator, cache, auth.WithCacheTTL(cfg.AuthCacheTTL), auth.WithCacheLogger(log)), nil
}

func (a *app) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	w.Header().Set("Content-Type", "application/json")
	if err := a.limiter.Healthy(ctx); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"status":"unavailable"}`)
		return
	}
	_, _ = io.WriteString(w, `{"status":"ok"}`)
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i].Close()
	}
}
