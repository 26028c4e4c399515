package ssetransport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-sse-go/auth"
	"github.com/ggoodman/mcp-sse-go/dispatch"
	"github.com/ggoodman/mcp-sse-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-sse-go/internal/logctx"
	"github.com/ggoodman/mcp-sse-go/metrics"
	"github.com/ggoodman/mcp-sse-go/sessions"
	"github.com/ggoodman/mcp-sse-go/transport"
	"github.com/google/uuid"
)

var (
	_ http.Handler        = (*Handler)(nil)
	_ transport.Transport = (*Handler)(nil)
)

var jsonMediaType = contenttype.NewMediaType("application/json")

const (
	// DefaultPath is where the endpoint is mounted unless WithPath says otherwise.
	DefaultPath = "/sse"
	// DefaultMaxBodyBytes bounds a POST body.
	DefaultMaxBodyBytes = 1 << 20

	allowedMethods = "GET, POST, DELETE"

	sessionEvent = "session"
	messageEvent = "message"
)

// DefaultSunset is the advertised retirement date of the endpoint.
var DefaultSunset = time.Date(2027, time.June, 30, 0, 0, 0, 0, time.UTC)

// Handler serves the legacy SSE transport: GET opens an event stream and
// creates a session, POST submits one JSON-RPC message to a session, and
// DELETE ends a session. Replies produced by the dispatcher travel over the
// session's GET stream, never in a POST response.
//
// Sessions live in the process that accepted the GET, so a deployment with
// several instances must route a client's requests to the same instance.
type Handler struct {
	mux      *http.ServeMux
	log      *slog.Logger
	metrics  *metrics.Metrics
	gate     *transport.Gate
	sessions *sessions.Manager
	host     sessions.SessionHost
	runner   *dispatch.Runner

	path               string
	realm              string
	sunset             string
	successorURL       string
	deprecationMessage string
	keepAlive          time.Duration
	maxBodyBytes       int64

	mu      sync.Mutex
	closed  chan struct{}
	streams sync.WaitGroup
}

// Option configures the Handler.
type Option func(*config)

type config struct {
	logger             *slog.Logger
	metrics            *metrics.Metrics
	dispatcher         dispatch.Dispatcher
	dispatchTimeout    time.Duration
	path               string
	realm              string
	sunset             time.Time
	successorURL       string
	deprecationMessage string
	keepAlive          time.Duration
	maxBodyBytes       int64
}

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithMetrics records request, stream and dispatch metrics into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// WithDispatcher sets the component that processes accepted messages. The
// default answers ping and reports every other method as not found.
func WithDispatcher(d dispatch.Dispatcher) Option {
	return func(c *config) { c.dispatcher = d }
}

// WithDispatchTimeout bounds the processing of one message.
func WithDispatchTimeout(d time.Duration) Option {
	return func(c *config) { c.dispatchTimeout = d }
}

// WithPath sets the path the endpoint answers on. Default "/sse".
func WithPath(p string) Option {
	return func(c *config) { c.path = p }
}

// WithRealm sets the realm advertised in WWW-Authenticate challenges.
func WithRealm(realm string) Option {
	return func(c *config) { c.realm = strings.TrimSpace(realm) }
}

// WithSunset sets the date sent in the Sunset header.
func WithSunset(t time.Time) Option {
	return func(c *config) { c.sunset = t }
}

// WithSuccessorURL points clients at the streaming HTTP transport, both in a
// Link header and in the session event's deprecation message.
func WithSuccessorURL(u string) Option {
	return func(c *config) { c.successorURL = u }
}

// WithDeprecationMessage overrides the message carried by the session event.
func WithDeprecationMessage(msg string) Option {
	return func(c *config) { c.deprecationMessage = msg }
}

// WithKeepAlive sets the interval of comment frames on idle streams. Zero
// disables them.
func WithKeepAlive(d time.Duration) Option {
	return func(c *config) { c.keepAlive = d }
}

// WithMaxBodyBytes bounds the size of a POST body.
func WithMaxBodyBytes(n int64) Option {
	return func(c *config) { c.maxBodyBytes = n }
}

// New constructs a Handler.
//
// Required:
//   - validator: resolves bearer credentials to users
//   - manager: the session table
//   - host: carries dispatcher output to the session's stream
//
// limiter may be nil, in which case authenticated requests are never
// throttled.
func New(validator auth.TokenValidator, limiter transport.RateLimiter, manager *sessions.Manager, host sessions.SessionHost, opts ...Option) (*Handler, error) {
	if validator == nil {
		return nil, errors.New("ssetransport: token validator is required")
	}
	if manager == nil {
		return nil, errors.New("ssetransport: session manager is required")
	}
	if host == nil {
		return nil, errors.New("ssetransport: session host is required")
	}

	cfg := config{
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		dispatcher:      dispatch.Fallback{},
		dispatchTimeout: 30 * time.Second,
		path:            DefaultPath,
		sunset:          DefaultSunset,
		keepAlive:       25 * time.Second,
		maxBodyBytes:    DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if !strings.HasPrefix(cfg.path, "/") {
		return nil, fmt.Errorf("ssetransport: path %q must start with /", cfg.path)
	}
	if cfg.maxBodyBytes <= 0 {
		return nil, fmt.Errorf("ssetransport: max body bytes must be positive, got %d", cfg.maxBodyBytes)
	}
	if cfg.deprecationMessage == "" {
		cfg.deprecationMessage = "The SSE transport is deprecated; switch to the streaming HTTP transport"
		if cfg.successorURL != "" {
			cfg.deprecationMessage += " at " + cfg.successorURL
		}
	}

	h := &Handler{
		mux:      http.NewServeMux(),
		log:      cfg.logger,
		metrics:  cfg.metrics,
		gate:     transport.NewGate(validator, limiter, transport.WithGateLogger(cfg.logger), transport.WithGateMetrics(cfg.metrics)),
		sessions: manager,
		host:     host,
		runner: dispatch.NewRunner(cfg.dispatcher,
			dispatch.WithTimeout(cfg.dispatchTimeout),
			dispatch.WithLogger(cfg.logger),
			dispatch.WithObserver(func(o dispatch.Outcome, d time.Duration) { cfg.metrics.ObserveDispatch(string(o), d) }),
		),
		path:               cfg.path,
		realm:              cfg.realm,
		sunset:             cfg.sunset.UTC().Format(http.TimeFormat),
		successorURL:       cfg.successorURL,
		deprecationMessage: cfg.deprecationMessage,
		keepAlive:          cfg.keepAlive,
		maxBodyBytes:       cfg.maxBodyBytes,
		closed:             make(chan struct{}),
	}

	h.mux.HandleFunc(fmt.Sprintf("GET %s", h.path), h.handleStream)
	h.mux.HandleFunc(fmt.Sprintf("POST %s", h.path), h.handleMessage)
	h.mux.HandleFunc(fmt.Sprintf("DELETE %s", h.path), h.handleDelete)

	return h, nil
}

// Kind reports the transport recorded on sessions this handler creates.
func (h *Handler) Kind() sessions.Transport { return sessions.TransportSSE }

// Path reports the path the endpoint answers on.
func (h *Handler) Path() string { return h.path }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.setDeprecationHeaders(w)
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// setDeprecationHeaders marks every response of the endpoint, whatever its
// outcome, as coming from a deprecated transport.
func (h *Handler) setDeprecationHeaders(w http.ResponseWriter) {
	w.Header().Set("Deprecation", "true")
	w.Header().Set("Sunset", h.sunset)
	if h.successorURL != "" {
		w.Header().Set("Link", fmt.Sprintf(`<%s>; rel="successor-version"`, h.successorURL))
	}
}

func (h *Handler) isClosed() bool {
	select {
	case <-h.closed:
		return true
	default:
		return false
	}
}

// beginStream registers a stream unless the handler is closing.
func (h *Handler) beginStream() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.isClosed() {
		return false
	}
	h.streams.Add(1)
	return true
}

func (h *Handler) reject(ctx context.Context, w http.ResponseWriter, r *http.Request, start time.Time, err error) {
	status := transport.WriteError(w, err, h.realm)
	h.metrics.ObserveRequest(r.Method, status, time.Since(start))
	h.log.InfoContext(ctx, "http.reject", slog.Int("status", status), slog.String("err", err.Error()))
}

type sessionEventData struct {
	SessionID          string `json:"session_id"`
	Deprecated         bool   `json:"deprecated"`
	DeprecationMessage string `json:"deprecation_message"`
}

// handleStream handles GET: it authenticates and rate-limits the caller,
// creates a session, announces it with a session event and then relays the
// session's messages until the client goes away or the session ends.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.get.start")

	// The GET pattern also matches HEAD, which must not open a session.
	if r.Method == http.MethodHead {
		w.Header().Set("Allow", allowedMethods)
		h.reject(ctx, w, r, start, &transport.Error{
			Status:  http.StatusMethodNotAllowed,
			Code:    jsonrpc.ErrorCodeInvalidRequest,
			Message: "Method not allowed",
		})
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		h.reject(ctx, w, r, start, errors.New("response writer cannot flush"))
		return
	}

	if !h.beginStream() {
		h.reject(ctx, w, r, start, transport.ErrClosed)
		return
	}
	defer h.streams.Done()

	user, err := h.gate.Admit(ctx, r)
	if err != nil {
		h.reject(ctx, w, r, start, err)
		return
	}

	token, _ := transport.ExtractToken(r)
	sess := h.sessions.CreateSession(token, user, sessions.TransportSSE)
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: sess.ID,
		UserID:    user.IdentityKey(),
		Transport: string(sess.Transport),
		Status:    string(sess.Status),
	})
	h.log.InfoContext(ctx, "session.create.ok")

	defer h.metrics.StreamOpened()()

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	h.metrics.ObserveRequest(r.Method, http.StatusOK, 0)

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := h.sessions.Done(sess.ID)
	go func() {
		select {
		case <-done:
		case <-h.closed:
		case <-streamCtx.Done():
		}
		cancel()
	}()

	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: streamCtx}

	hello, err := json.Marshal(sessionEventData{SessionID: sess.ID, Deprecated: true, DeprecationMessage: h.deprecationMessage})
	if err != nil {
		h.log.ErrorContext(ctx, "sse.session_event.marshal.fail", slog.String("err", err.Error()))
		h.endStream(ctx, sess.ID, done, start)
		return
	}
	if err := writeSSEEvent(wf, sessionEvent, hello); err != nil {
		h.log.InfoContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
		h.endStream(ctx, sess.ID, done, start)
		return
	}
	h.log.InfoContext(ctx, "sse.stream.start")

	var keepAliveDone sync.WaitGroup
	if h.keepAlive > 0 {
		keepAliveDone.Add(1)
		go func() {
			defer keepAliveDone.Done()
			h.keepStreamAlive(streamCtx, wf)
		}()
	}

	// The log is read from its start so that replies published between the
	// session event and this subscription are not lost.
	err = h.host.SubscribeSession(streamCtx, sess.ID, sessions.FromStart, func(msgCtx context.Context, _ string, msg []byte) error {
		if err := writeSSEEvent(wf, messageEvent, msg); err != nil {
			return err
		}
		h.metrics.StreamEvent()
		h.log.DebugContext(msgCtx, "sse.message.deliver")
		return nil
	})
	cancel()
	keepAliveDone.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		h.log.WarnContext(ctx, "subscribe.session.fail", slog.String("err", err.Error()))
	}
	h.endStream(ctx, sess.ID, done, start)
}

func (h *Handler) keepStreamAlive(ctx context.Context, wf *lockedWriteFlusher) {
	t := time.NewTicker(h.keepAlive)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := writeSSEComment(wf, "ping"); err != nil {
				return
			}
		}
	}
}

// endStream records why a stream ended. A stream that ends while its session
// is still live lost its client, so the session becomes orphaned. Either way
// the session's message log is dropped: nothing can read it any more.
func (h *Handler) endStream(ctx context.Context, sessionID string, done <-chan struct{}, start time.Time) {
	reason := "disconnect"
	select {
	case <-done:
		reason = "terminated"
	default:
		if err := h.sessions.MarkOrphaned(sessionID); err != nil && !errors.Is(err, sessions.ErrSessionNotFound) {
			h.log.WarnContext(ctx, "session.orphan.fail", slog.String("err", err.Error()))
		} else {
			h.log.InfoContext(ctx, "session.orphaned")
		}
	}

	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := h.host.CleanupSession(cleanupCtx, sessionID); err != nil {
		h.log.WarnContext(ctx, "session.host.cleanup.fail", slog.String("err", err.Error()))
	}
	h.log.InfoContext(ctx, "sse.stream.end", slog.String("reason", reason), slog.Duration("dur", time.Since(start)))
}

type messageRequest struct {
	SessionID string          `json:"session_id"`
	Message   json.RawMessage `json:"message"`
}

type messageAccepted struct {
	Accepted  bool   `json:"accepted"`
	SessionID string `json:"session_id"`
}

// handleMessage handles POST: it admits the caller, validates the body and
// the target session, stamps the session's activity and hands the message
// to the dispatcher. It answers 202 without waiting for the dispatcher.
func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	if h.isClosed() {
		h.reject(ctx, w, r, start, transport.ErrClosed)
		return
	}

	user, err := h.gate.Admit(ctx, r)
	if err != nil {
		h.reject(ctx, w, r, start, err)
		return
	}

	req, err := h.readMessage(w, r)
	if err != nil {
		h.reject(ctx, w, r, start, err)
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: req.SessionID,
		UserID:    user.IdentityKey(),
		Transport: string(sessions.TransportSSE),
	})

	if _, err := h.ownedSession(ctx, req.SessionID, user, true); err != nil {
		h.reject(ctx, w, r, start, err)
		return
	}
	if err := h.sessions.UpdateActivity(req.SessionID); err != nil {
		h.reject(ctx, w, r, start, err)
		return
	}

	out := &sessionPublisher{host: h.host, sessions: h.sessions, sessionID: req.SessionID}
	if err := h.runner.Go(ctx, &dispatch.Request{SessionID: req.SessionID, User: user, Message: req.Message}, out); err != nil {
		h.reject(ctx, w, r, start, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(messageAccepted{Accepted: true, SessionID: req.SessionID})
	h.metrics.ObserveRequest(r.Method, http.StatusAccepted, time.Since(start))
	h.log.InfoContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)))
}

func (h *Handler) readMessage(w http.ResponseWriter, r *http.Request) (*messageRequest, error) {
	// A missing Content-Type is read as JSON; any other declared type is refused.
	if r.Header.Get("Content-Type") != "" {
		ctype, err := contenttype.GetMediaType(r)
		if err != nil || !ctype.Matches(jsonMediaType) {
			return nil, transport.Malformed("content-type must be application/json")
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, transport.Malformed("body exceeds %d bytes", mbe.Limit)
		}
		return nil, transport.Malformed("unreadable body")
	}

	var req messageRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, transport.Malformed("body must be a JSON object")
	}
	if req.SessionID == "" {
		return nil, transport.Malformed("session_id is required")
	}
	msg := strings.TrimSpace(string(req.Message))
	if msg == "" || msg == "null" {
		return nil, transport.Malformed("message is required")
	}
	if !strings.HasPrefix(msg, "{") {
		return nil, transport.Malformed("message must be a JSON-RPC object")
	}
	return &req, nil
}

// ownedSession returns the session if it is live and belongs to user. A
// session of another user is reported as not found.
func (h *Handler) ownedSession(ctx context.Context, id string, user *auth.UserContext, requireActive bool) (sessions.Session, error) {
	sess, err := h.sessions.GetSession(id)
	if err != nil {
		h.log.InfoContext(ctx, "session.load.miss")
		return sessions.Session{}, err
	}
	if sess.UserID() != user.UserID {
		h.log.WarnContext(ctx, "session.owner.mismatch")
		return sessions.Session{}, sessions.ErrSessionNotFound
	}
	if requireActive && sess.Status != sessions.StatusActive {
		h.log.InfoContext(ctx, "session.inactive", slog.String("status", string(sess.Status)))
		return sessions.Session{}, sessions.ErrSessionNotFound
	}
	return sess, nil
}

// handleDelete handles DELETE: the caller ends one of its sessions, which
// also closes the session's stream.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

	user, err := h.gate.Admit(ctx, r)
	if err != nil {
		h.reject(ctx, w, r, start, err)
		return
	}

	id := r.URL.Query().Get("session_id")
	if id == "" {
		h.reject(ctx, w, r, start, transport.Malformed("session_id is required"))
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: id, UserID: user.IdentityKey()})

	if _, err := h.ownedSession(ctx, id, user, false); err != nil {
		h.reject(ctx, w, r, start, err)
		return
	}
	if err := h.sessions.TerminateSession(id); err != nil {
		h.reject(ctx, w, r, start, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
	h.metrics.ObserveRequest(r.Method, http.StatusNoContent, time.Since(start))
	h.log.InfoContext(ctx, "http.delete.ok", slog.Duration("dur", time.Since(start)))
}

// Close stops accepting requests, terminates every session so open streams
// end, and waits for streams and in-flight dispatches until ctx ends.
func (h *Handler) Close(ctx context.Context) error {
	h.mu.Lock()
	if !h.isClosed() {
		close(h.closed)
	}
	h.mu.Unlock()

	n := h.sessions.TerminateAll()
	h.log.InfoContext(ctx, "sse.close", slog.Int("terminated", n))

	streamsDone := make(chan struct{})
	go func() {
		h.streams.Wait()
		close(streamsDone)
	}()

	runnerErr := h.runner.Shutdown(ctx)
	select {
	case <-streamsDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	return runnerErr
}

// sessionPublisher routes dispatcher output onto a session's stream. Output
// for a session that is no longer active has no reader and is dropped.
type sessionPublisher struct {
	host      sessions.SessionHost
	sessions  *sessions.Manager
	sessionID string
}

func (p *sessionPublisher) Publish(ctx context.Context, data []byte) error {
	sess, err := p.sessions.GetSession(p.sessionID)
	if err != nil {
		return err
	}
	if sess.Status != sessions.StatusActive {
		return sessions.ErrSessionNotFound
	}
	_, err = p.host.PublishSession(ctx, p.sessionID, data)
	return err
}
