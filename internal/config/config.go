// Package config loads the server configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config is the complete server configuration. Every field has an ENV
// variable; durations use Go syntax ("30s", "5m").
type Config struct {
	// Addr is the listen address. ENV: MCP_SSE_ADDR
	Addr string `env:"MCP_SSE_ADDR,default=:8080"`
	// Path is where the SSE endpoint is mounted. ENV: MCP_SSE_PATH
	Path string `env:"MCP_SSE_PATH,default=/sse"`
	// Realm is advertised in WWW-Authenticate challenges. ENV: MCP_SSE_REALM
	Realm string `env:"MCP_SSE_REALM"`
	// Sunset is the retirement date of the endpoint, as 2006-01-02 or an
	// HTTP date. ENV: MCP_SSE_SUNSET
	Sunset string `env:"MCP_SSE_SUNSET,default=2027-06-30"`
	// SuccessorURL is the streaming HTTP endpoint clients should move to.
	// ENV: MCP_SSE_SUCCESSOR_URL
	SuccessorURL string `env:"MCP_SSE_SUCCESSOR_URL"`
	// KeepAlive is the interval of comment frames on idle streams; 0 disables.
	// ENV: MCP_SSE_KEEPALIVE
	KeepAlive time.Duration `env:"MCP_SSE_KEEPALIVE,default=25s"`
	// MaxBodyBytes bounds a POST body. ENV: MCP_SSE_MAX_BODY_BYTES
	MaxBodyBytes int64 `env:"MCP_SSE_MAX_BODY_BYTES,default=1048576"`
	// DispatchTimeout bounds the processing of one message. ENV: MCP_SSE_DISPATCH_TIMEOUT
	DispatchTimeout time.Duration `env:"MCP_SSE_DISPATCH_TIMEOUT,default=30s"`
	// ShutdownTimeout bounds graceful shutdown. ENV: MCP_SSE_SHUTDOWN_TIMEOUT
	ShutdownTimeout time.Duration `env:"MCP_SSE_SHUTDOWN_TIMEOUT,default=15s"`

	// RedisAddr selects Redis for rate-limit counters, session streams and
	// the validation cache. Empty keeps everything in process. ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR"`
	// RedisKeyPrefix namespaces every key. ENV: REDIS_KEY_PREFIX
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX,default=mcp:"`

	// RateLimitMax is the request budget per identity and window. ENV: RATE_LIMIT_MAX
	RateLimitMax int `env:"RATE_LIMIT_MAX,default=100"`
	// RateLimitWindow is the fixed window length. ENV: RATE_LIMIT_WINDOW
	RateLimitWindow time.Duration `env:"RATE_LIMIT_WINDOW,default=1m"`

	// UpstreamURL is the base URL of the task REST API whose /user endpoint
	// validates tokens. ENV: TASKS_API_URL
	UpstreamURL string `env:"TASKS_API_URL"`
	// UpstreamTimeout bounds one identity check. ENV: TASKS_API_TIMEOUT
	UpstreamTimeout time.Duration `env:"TASKS_API_TIMEOUT,default=10s"`
	// JWTIssuer enables JWT access tokens. ENV: JWT_ISSUER
	JWTIssuer string `env:"JWT_ISSUER"`
	// JWTAudience is the expected aud claim. ENV: JWT_AUDIENCE
	JWTAudience string `env:"JWT_AUDIENCE"`
	// JWKSURI skips discovery when set. ENV: JWT_JWKS_URI
	JWKSURI string `env:"JWT_JWKS_URI"`
	// TokenFile is a YAML token table reloaded on change. ENV: TOKEN_FILE
	TokenFile string `env:"TOKEN_FILE"`
	// AuthCacheTTL is how long a validation is reused; 0 disables caching.
	// ENV: AUTH_CACHE_TTL
	AuthCacheTTL time.Duration `env:"AUTH_CACHE_TTL,default=1m"`
	// AuthCacheSize bounds the in-process cache. ENV: AUTH_CACHE_SIZE
	AuthCacheSize int `env:"AUTH_CACHE_SIZE,default=10000"`

	// SessionIdleTimeout terminates active sessions without POSTs; 0 disables.
	// ENV: SESSION_IDLE_TIMEOUT
	SessionIdleTimeout time.Duration `env:"SESSION_IDLE_TIMEOUT,default=30m"`
	// SessionOrphanTimeout terminates sessions whose stream closed.
	// ENV: SESSION_ORPHAN_TIMEOUT
	SessionOrphanTimeout time.Duration `env:"SESSION_ORPHAN_TIMEOUT,default=5m"`
	// SessionRetention keeps terminated records before purging them.
	// ENV: SESSION_RETENTION
	SessionRetention time.Duration `env:"SESSION_RETENTION,default=10m"`
	// SessionSweepInterval is how often the sweep runs. ENV: SESSION_SWEEP_INTERVAL
	SessionSweepInterval time.Duration `env:"SESSION_SWEEP_INTERVAL,default=1m"`
	// SessionMaxMessages caps each session's pending message log.
	// ENV: SESSION_MAX_MESSAGES
	SessionMaxMessages int `env:"SESSION_MAX_MESSAGES,default=1000"`

	// CORSOrigins lists browser origins allowed to connect, separated by
	// semicolons. ENV: CORS_ALLOWED_ORIGINS
	CORSOrigins []string `env:"CORS_ALLOWED_ORIGINS"`

	// LogLevel is debug, info, warn or error. ENV: LOG_LEVEL
	LogLevel string `env:"LOG_LEVEL,default=info"`
	// LogFormat is json or text. ENV: LOG_FORMAT
	LogFormat string `env:"LOG_FORMAT,default=json"`
	// MetricsEnabled serves /metrics. ENV: METRICS_ENABLED
	MetricsEnabled bool `env:"METRICS_ENABLED,default=true"`
}

// Load decodes the environment and validates the result.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("config: decode env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if !strings.HasPrefix(c.Path, "/") {
		errs = append(errs, fmt.Errorf("MCP_SSE_PATH %q must start with /", c.Path))
	}
	if _, err := c.SunsetTime(); err != nil {
		errs = append(errs, err)
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("MCP_SSE_MAX_BODY_BYTES must be positive"))
	}
	if c.DispatchTimeout <= 0 {
		errs = append(errs, errors.New("MCP_SSE_DISPATCH_TIMEOUT must be positive"))
	}
	if c.RateLimitMax <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_MAX must be positive"))
	}
	if c.RateLimitWindow < time.Second {
		errs = append(errs, errors.New("RATE_LIMIT_WINDOW must be at least 1s"))
	}
	if c.UpstreamURL == "" && c.JWTIssuer == "" && c.TokenFile == "" {
		errs = append(errs, errors.New("no token validator configured: set TASKS_API_URL, JWT_ISSUER or TOKEN_FILE"))
	}
	if c.JWTIssuer != "" && c.JWTAudience == "" {
		errs = append(errs, errors.New("JWT_AUDIENCE is required with JWT_ISSUER"))
	}
	if c.SessionSweepInterval <= 0 {
		errs = append(errs, errors.New("SESSION_SWEEP_INTERVAL must be positive"))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT %q must be json or text", c.LogFormat))
	}
	return errors.Join(errs...)
}

// SunsetTime parses Sunset.
func (c *Config) SunsetTime() (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, c.Sunset); err == nil {
		return t, nil
	}
	if t, err := http.ParseTime(c.Sunset); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("MCP_SSE_SUNSET %q is neither a date nor an HTTP date", c.Sunset)
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	return l, nil
}
