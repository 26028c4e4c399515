package ssetransport_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/mcp-sse-go/auth/authtest"
	"github.com/ggoodman/mcp-sse-go/dispatch"
	"github.com/ggoodman/mcp-sse-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-sse-go/ratelimit"
	"github.com/ggoodman/mcp-sse-go/sessions"
	"github.com/ggoodman/mcp-sse-go/sessions/memoryhost"
	"github.com/ggoodman/mcp-sse-go/ssetransport"
)

var uuidPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

func TestStream_FirstEventIsSession(t *testing.T) {
	f := newFixture(t)

	resp, stream := f.open(t, "alice-token", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); got != "text/event-stream; charset=utf-8" {
		t.Fatalf("Content-Type = %q", got)
	}
	if got := resp.Header.Get("Cache-Control"); got != "no-cache" {
		t.Fatalf("Cache-Control = %q", got)
	}
	assertDeprecated(t, resp)

	evt := stream.next(t)
	if evt.event != "session" {
		t.Fatalf("first event = %q, want session", evt.event)
	}
	var data struct {
		SessionID          string `json:"session_id"`
		Deprecated         bool   `json:"deprecated"`
		DeprecationMessage string `json:"deprecation_message"`
	}
	mustUnmarshalJSON(t, evt.data, &data)
	if len(data.SessionID) != 36 || !uuidPattern.MatchString(data.SessionID) {
		t.Fatalf("session_id %q is not a UUID", data.SessionID)
	}
	if !data.Deprecated {
		t.Fatalf("deprecated = false")
	}
	if !strings.Contains(data.DeprecationMessage, "https://api.example/mcp") {
		t.Fatalf("deprecation message does not name the successor: %q", data.DeprecationMessage)
	}

	sess, err := f.manager.GetSession(data.SessionID)
	if err != nil {
		t.Fatalf("session not registered: %v", err)
	}
	if sess.Transport != sessions.TransportSSE || sess.UserID() != 1 || sess.Token != "alice-token" {
		t.Fatalf("unexpected session %+v", sess)
	}
}

func TestStream_HeaderCredential(t *testing.T) {
	f := newFixture(t)
	_, stream := f.open(t, "", "Bearer bob-token")
	id := stream.sessionID(t)
	sess, err := f.manager.GetSession(id)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.UserID() != 2 {
		t.Fatalf("user = %d, want 2", sess.UserID())
	}
}

func TestStream_ConcurrentSessionsAreDistinct(t *testing.T) {
	f := newFixture(t)

	var (
		wg  sync.WaitGroup
		ids [2]string
	)
	for i, tok := range []string{"alice-token", "bob-token"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, stream := f.open(t, tok, "")
			ids[i] = stream.sessionID(t)
		}()
	}
	wg.Wait()

	if ids[0] == "" || ids[0] == ids[1] {
		t.Fatalf("session ids collide: %v", ids)
	}
	a, errA := f.manager.GetSession(ids[0])
	b, errB := f.manager.GetSession(ids[1])
	if errA != nil || errB != nil {
		t.Fatalf("get sessions: %v %v", errA, errB)
	}
	if a.UserID() == b.UserID() {
		t.Fatalf("both sessions resolved to user %d", a.UserID())
	}
}

func TestStream_Unauthenticated(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name    string
		query   string
		header  string
		message string
	}{
		{name: "no credential", message: "Authentication required"},
		{name: "unknown token", query: "?token=nope", message: "Invalid token"},
		{name: "wrong scheme", header: "Basic Zm9v", message: "Invalid token"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/sse"+tc.query, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			resp := do(t, req)
			code, msg := readError(t, resp, http.StatusUnauthorized)
			if code != jsonrpc.ErrorCodeAuthentication || msg != tc.message {
				t.Fatalf("error = %d %q", code, msg)
			}
			if !strings.HasPrefix(resp.Header.Get("WWW-Authenticate"), "Bearer") {
				t.Fatalf("missing bearer challenge")
			}
			assertDeprecated(t, resp)
		})
	}
	if n := f.manager.Count(sessions.StatusActive); n != 0 {
		t.Fatalf("%d sessions created by rejected requests", n)
	}
}

func TestStream_RateLimited(t *testing.T) {
	f := newFixture(t)
	f.limiter.reject(17)

	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/sse?token=alice-token", nil)
	resp := do(t, req)
	code, msg := readError(t, resp, http.StatusTooManyRequests)
	if code != jsonrpc.ErrorCodeRateLimited || msg != "Rate limit exceeded" {
		t.Fatalf("error = %d %q", code, msg)
	}
	if got := resp.Header.Get("Retry-After"); got != "17" {
		t.Fatalf("Retry-After = %q, want 17", got)
	}
	assertDeprecated(t, resp)
	if n := f.manager.Count(sessions.StatusActive); n != 0 {
		t.Fatalf("rate-limited GET created %d sessions", n)
	}
}

func TestStream_HeadDoesNotOpenSession(t *testing.T) {
	f := newFixture(t)

	req, _ := http.NewRequest(http.MethodHead, f.srv.URL+"/sse?token=alice-token", nil)
	resp := do(t, req)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
	if got := resp.Header.Get("Allow"); got != "GET, POST, DELETE" {
		t.Fatalf("Allow = %q", got)
	}
	assertDeprecated(t, resp)

	if n := f.manager.Count(sessions.StatusActive); n != 0 {
		t.Fatalf("HEAD created %d active sessions", n)
	}
	if n := f.limiter.calls.Load(); n != 0 {
		t.Fatalf("HEAD consumed %d rate-limit units", n)
	}
}

func TestMessage_MissingContentTypeIsJSON(t *testing.T) {
	f := newFixture(t)
	_, stream := f.open(t, "alice-token", "")
	id := stream.sessionID(t)

	req, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/sse?token=alice-token", strings.NewReader(body(id, `{"jsonrpc":"2.0","id":2,"method":"ping"}`)))
	req.Header.Del("Content-Type")
	resp := do(t, req)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d: %s", resp.StatusCode, readAll(t, resp))
	}
	if evt := stream.next(t); evt.event != "message" {
		t.Fatalf("event = %q, want message", evt.event)
	}
}

func TestMessage_Accepted(t *testing.T) {
	f := newFixture(t)
	_, stream := f.open(t, "alice-token", "")
	id := stream.sessionID(t)

	before, _ := f.manager.GetSession(id)
	f.clock.Advance(time.Minute)

	resp := f.post(t, "alice-token", "", body(id, `{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d: %s", resp.StatusCode, readAll(t, resp))
	}
	assertDeprecated(t, resp)
	var accepted struct {
		Accepted  bool   `json:"accepted"`
		SessionID string `json:"session_id"`
	}
	mustUnmarshalJSON(t, []byte(readAll(t, resp)), &accepted)
	if !accepted.Accepted || accepted.SessionID != id {
		t.Fatalf("body = %+v", accepted)
	}

	after, _ := f.manager.GetSession(id)
	if !after.LastActivityAt.After(before.LastActivityAt) {
		t.Fatalf("LastActivityAt not advanced: %v -> %v", before.LastActivityAt, after.LastActivityAt)
	}

	evt := stream.next(t)
	if evt.event != "message" {
		t.Fatalf("event = %q, want message", evt.event)
	}
	msg, err := jsonrpc.Decode(evt.data)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	res := msg.AsResponse()
	if res == nil || res.Error != nil || res.ID.String() != "1" {
		t.Fatalf("unexpected reply %s", evt.data)
	}
}

func TestMessage_RepeatedPostsAreIndependent(t *testing.T) {
	f := newFixture(t)
	_, stream := f.open(t, "alice-token", "")
	id := stream.sessionID(t)

	for i := 0; i < 2; i++ {
		resp := f.post(t, "alice-token", "", body(id, `{"jsonrpc":"2.0","id":5,"method":"ping"}`))
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("post %d status = %d", i, resp.StatusCode)
		}
		resp.Body.Close()
	}
	for i := 0; i < 2; i++ {
		if evt := stream.next(t); evt.event != "message" {
			t.Fatalf("reply %d: event %q", i, evt.event)
		}
	}
}

func TestMessage_HeaderCredentialAndUnknownMethod(t *testing.T) {
	f := newFixture(t)
	_, stream := f.open(t, "bob-token", "")
	id := stream.sessionID(t)

	resp := f.post(t, "", "Bearer bob-token", body(id, `{"jsonrpc":"2.0","id":"x","method":"tasks/list"}`))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	evt := stream.next(t)
	msg, err := jsonrpc.Decode(evt.data)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if res := msg.AsResponse(); res == nil || res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeMethodNotFound {
		t.Fatalf("unexpected reply %s", evt.data)
	}
}

func TestMessage_Malformed(t *testing.T) {
	f := newFixture(t)
	_, stream := f.open(t, "alice-token", "")
	id := stream.sessionID(t)

	cases := []struct {
		name        string
		contentType string
		body        string
		mention     string
	}{
		{name: "missing session_id", body: `{"message":{"jsonrpc":"2.0","method":"ping","id":1}}`, mention: "session_id"},
		{name: "missing message", body: `{"session_id":"` + id + `"}`, mention: "message"},
		{name: "null message", body: `{"session_id":"` + id + `","message":null}`, mention: "message"},
		{name: "scalar message", body: `{"session_id":"` + id + `","message":42}`, mention: "message"},
		{name: "not json", body: `session_id=` + id, mention: "JSON"},
		{name: "wrong content type", contentType: "text/plain", body: body(id, `{}`), mention: "content-type"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/sse?token=alice-token", strings.NewReader(tc.body))
			ct := tc.contentType
			if ct == "" {
				ct = "application/json"
			}
			req.Header.Set("Content-Type", ct)
			resp := do(t, req)
			code, msg := readError(t, resp, http.StatusBadRequest)
			if code != jsonrpc.ErrorCodeInvalidRequest {
				t.Fatalf("code = %d", code)
			}
			if !strings.HasPrefix(msg, "Invalid Request: ") || !strings.Contains(msg, tc.mention) {
				t.Fatalf("message %q does not mention %q", msg, tc.mention)
			}
		})
	}
}

func TestMessage_BodyTooLarge(t *testing.T) {
	f := newFixture(t, ssetransport.WithMaxBodyBytes(64))
	_, stream := f.open(t, "alice-token", "")
	id := stream.sessionID(t)

	big := body(id, `{"jsonrpc":"2.0","id":1,"method":"ping","params":{"pad":"`+strings.Repeat("x", 256)+`"}}`)
	resp := f.post(t, "alice-token", "", big)
	if code, _ := readError(t, resp, http.StatusBadRequest); code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("code = %d", code)
	}
}

func TestMessage_SessionNotFound(t *testing.T) {
	f := newFixture(t)

	t.Run("unknown", func(t *testing.T) {
		resp := f.post(t, "alice-token", "", body("6f1c1f1e-8a4b-4b8e-9c51-1f1b0f0d2a7e", `{"jsonrpc":"2.0","id":1,"method":"ping"}`))
		if code, msg := readError(t, resp, http.StatusNotFound); code != jsonrpc.ErrorCodeSessionNotFound || msg != "Session not found" {
			t.Fatalf("error = %d %q", code, msg)
		}
	})

	t.Run("terminated", func(t *testing.T) {
		_, stream := f.open(t, "alice-token", "")
		id := stream.sessionID(t)
		if err := f.manager.TerminateSession(id); err != nil {
			t.Fatalf("terminate: %v", err)
		}
		stream.waitClosed(t)

		resp := f.post(t, "alice-token", "", body(id, `{"jsonrpc":"2.0","id":1,"method":"ping"}`))
		if code, _ := readError(t, resp, http.StatusNotFound); code != jsonrpc.ErrorCodeSessionNotFound {
			t.Fatalf("code = %d", code)
		}
	})

	t.Run("another user's session", func(t *testing.T) {
		_, stream := f.open(t, "alice-token", "")
		id := stream.sessionID(t)

		resp := f.post(t, "bob-token", "", body(id, `{"jsonrpc":"2.0","id":1,"method":"ping"}`))
		if code, _ := readError(t, resp, http.StatusNotFound); code != jsonrpc.ErrorCodeSessionNotFound {
			t.Fatalf("code = %d", code)
		}
	})
}

func TestMessage_RateLimitedLeavesSessionUntouched(t *testing.T) {
	f := newFixture(t)
	_, stream := f.open(t, "alice-token", "")
	id := stream.sessionID(t)
	before, _ := f.manager.GetSession(id)

	f.clock.Advance(time.Minute)
	f.limiter.reject(9)
	resp := f.post(t, "alice-token", "", body(id, `{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	if code, _ := readError(t, resp, http.StatusTooManyRequests); code != jsonrpc.ErrorCodeRateLimited {
		t.Fatalf("code = %d", code)
	}
	if got := resp.Header.Get("Retry-After"); got != "9" {
		t.Fatalf("Retry-After = %q", got)
	}
	assertDeprecated(t, resp)

	after, _ := f.manager.GetSession(id)
	if !after.LastActivityAt.Equal(before.LastActivityAt) {
		t.Fatalf("rate-limited POST touched the session")
	}
	if f.dispatched.Load() != 0 {
		t.Fatalf("rate-limited POST reached the dispatcher")
	}
}

func TestStream_DisconnectOrphansSession(t *testing.T) {
	f := newFixture(t)
	resp, stream := f.open(t, "alice-token", "")
	id := stream.sessionID(t)

	resp.Body.Close()
	waitFor(t, func() bool {
		s, err := f.manager.GetSession(id)
		return err == nil && s.Status == sessions.StatusOrphaned
	})

	post := f.post(t, "alice-token", "", body(id, `{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	if code, _ := readError(t, post, http.StatusNotFound); code != jsonrpc.ErrorCodeSessionNotFound {
		t.Fatalf("code = %d", code)
	}
	waitFor(t, func() bool { return f.host.Len() == 0 })
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	_, stream := f.open(t, "alice-token", "")
	id := stream.sessionID(t)

	req, _ := http.NewRequest(http.MethodDelete, f.srv.URL+"/sse?token=bob-token&session_id="+id, nil)
	if code, _ := readError(t, do(t, req), http.StatusNotFound); code != jsonrpc.ErrorCodeSessionNotFound {
		t.Fatalf("code = %d", code)
	}

	req, _ = http.NewRequest(http.MethodDelete, f.srv.URL+"/sse?token=alice-token&session_id="+id, nil)
	resp := do(t, req)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	assertDeprecated(t, resp)
	stream.waitClosed(t)

	if _, err := f.manager.GetSession(id); err == nil {
		t.Fatalf("session still live after delete")
	}

	req, _ = http.NewRequest(http.MethodDelete, f.srv.URL+"/sse?token=alice-token", nil)
	if code, _ := readError(t, do(t, req), http.StatusBadRequest); code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("code = %d", code)
	}
}

func TestStream_KeepAlive(t *testing.T) {
	f := newFixture(t, ssetransport.WithKeepAlive(10*time.Millisecond))
	_, stream := f.open(t, "alice-token", "")
	stream.sessionID(t)

	if evt := stream.next(t); evt.comment != "ping" {
		t.Fatalf("expected keep-alive comment, got %+v", evt)
	}
}

func TestClose_EndsStreamsAndRejects(t *testing.T) {
	f := newFixture(t)
	_, stream := f.open(t, "alice-token", "")
	id := stream.sessionID(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.h.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	stream.waitClosed(t)
	if _, err := f.manager.GetSession(id); err == nil {
		t.Fatalf("session still live after close")
	}

	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/sse?token=alice-token", nil)
	resp := do(t, req)
	readError(t, resp, http.StatusServiceUnavailable)
	assertDeprecated(t, resp)
}

func TestNew_Validation(t *testing.T) {
	m := sessions.NewManager()
	host := memoryhost.New()
	v := authtest.NewStatic()

	if _, err := ssetransport.New(nil, nil, m, host); err == nil {
		t.Fatal("expected error without validator")
	}
	if _, err := ssetransport.New(v, nil, nil, host); err == nil {
		t.Fatal("expected error without manager")
	}
	if _, err := ssetransport.New(v, nil, m, nil); err == nil {
		t.Fatal("expected error without host")
	}
	if _, err := ssetransport.New(v, nil, m, host, ssetransport.WithPath("sse")); err == nil {
		t.Fatal("expected error for relative path")
	}
	h, err := ssetransport.New(v, nil, m, host)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if h.Path() != "/sse" || h.Kind() != sessions.TransportSSE {
		t.Fatalf("defaults: %s %s", h.Path(), h.Kind())
	}
}

// ============================================================================
// Fixture
// ============================================================================

type fixture struct {
	srv        *httptest.Server
	h          *ssetransport.Handler
	manager    *sessions.Manager
	host       *memoryhost.Host
	limiter    *switchLimiter
	clock      *fakeClock
	dispatched *atomic.Int64
}

func newFixture(t *testing.T, opts ...ssetransport.Option) *fixture {
	t.Helper()

	f := &fixture{
		host:       memoryhost.New(),
		limiter:    &switchLimiter{},
		clock:      &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
		dispatched: &atomic.Int64{},
	}
	f.manager = sessions.NewManager(sessions.WithClock(f.clock.Now))

	validator := authtest.NewStatic().
		Add("alice-token", 1, "alice").
		Add("bob-token", 2, "bob")

	counting := dispatch.Func(func(ctx context.Context, req *dispatch.Request, out dispatch.Publisher) error {
		f.dispatched.Add(1)
		return dispatch.Fallback{}.Dispatch(ctx, req, out)
	})

	log := slog.New(testLogHandler(t))
	base := []ssetransport.Option{
		ssetransport.WithLogger(log),
		ssetransport.WithDispatcher(counting),
		ssetransport.WithKeepAlive(0),
		ssetransport.WithSuccessorURL("https://api.example/mcp"),
		ssetransport.WithSunset(time.Date(2027, 6, 30, 0, 0, 0, 0, time.UTC)),
	}
	h, err := ssetransport.New(validator, f.limiter, f.manager, f.host, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	f.h = h

	mux := http.NewServeMux()
	mux.Handle(h.Path(), h)
	f.srv = httptest.NewServer(mux)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.Close(ctx)
		f.srv.Close()
	})
	return f
}

func (f *fixture) open(t *testing.T, token, authHeader string) (*http.Response, *eventStream) {
	t.Helper()
	url := f.srv.URL + "/sse"
	if token != "" {
		url += "?token=" + token
	}
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new get req: %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do get: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp, newEventStream(resp.Body)
}

func (f *fixture) post(t *testing.T, token, authHeader, payload string) *http.Response {
	t.Helper()
	url := f.srv.URL + "/sse"
	if token != "" {
		url += "?token=" + token
	}
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(payload))
	if err != nil {
		t.Fatalf("new post req: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	return do(t, req)
}

func body(sessionID, message string) string {
	return `{"session_id":"` + sessionID + `","message":` + message + `}`
}

func do(t *testing.T, req *http.Request) *http.Response {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do %s: %v", req.Method, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}

func readError(t *testing.T, resp *http.Response, wantStatus int) (jsonrpc.ErrorCode, string) {
	t.Helper()
	b := readAll(t, resp)
	if resp.StatusCode != wantStatus {
		t.Fatalf("status = %d, want %d: %s", resp.StatusCode, wantStatus, b)
	}
	var e struct {
		Error struct {
			Code    jsonrpc.ErrorCode `json:"code"`
			Message string            `json:"message"`
		} `json:"error"`
	}
	mustUnmarshalJSON(t, []byte(b), &e)
	return e.Error.Code, e.Error.Message
}

func assertDeprecated(t *testing.T, resp *http.Response) {
	t.Helper()
	if got := resp.Header.Get("Deprecation"); got != "true" {
		t.Fatalf("Deprecation = %q", got)
	}
	if got := resp.Header.Get("Sunset"); got != "Wed, 30 Jun 2027 00:00:00 GMT" {
		t.Fatalf("Sunset = %q", got)
	}
	if got := resp.Header.Get("Link"); got != `<https://api.example/mcp>; rel="successor-version"` {
		t.Fatalf("Link = %q", got)
	}
}

func mustUnmarshalJSON[T any](t *testing.T, data []byte, v *T) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal json: %v\ninput: %s", err, string(data))
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type switchLimiter struct {
	retryAfter atomic.Int64
	calls      atomic.Int64
}

func (l *switchLimiter) reject(retryAfter int) { l.retryAfter.Store(int64(retryAfter)) }

func (l *switchLimiter) CheckLimit(context.Context, string) error {
	l.calls.Add(1)
	if n := l.retryAfter.Load(); n > 0 {
		return &ratelimit.RateLimitError{RetryAfter: int(n), Message: "Rate limit exceeded"}
	}
	return nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// ============================================================================
// SSE client
// ============================================================================

type sseEvent struct {
	event   string
	data    []byte
	comment string
}

// eventStream reads frames on a goroutine so tests can wait with a deadline.
type eventStream struct {
	events chan sseEvent
	closed chan struct{}
}

func newEventStream(r io.Reader) *eventStream {
	s := &eventStream{events: make(chan sseEvent, 64), closed: make(chan struct{})}
	go func() {
		defer close(s.closed)
		br := bufio.NewReader(r)
		for {
			evt, err := readOneSSE(br)
			if err != nil {
				return
			}
			s.events <- evt
		}
	}()
	return s
}

func (s *eventStream) next(t *testing.T) sseEvent {
	t.Helper()
	select {
	case evt := <-s.events:
		return evt
	case <-s.closed:
		select {
		case evt := <-s.events:
			return evt
		default:
		}
		t.Fatal("stream closed before next event")
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return sseEvent{}
}

func (s *eventStream) sessionID(t *testing.T) string {
	t.Helper()
	evt := s.next(t)
	if evt.event != "session" {
		t.Fatalf("first event = %q, want session", evt.event)
	}
	var data struct {
		SessionID string `json:"session_id"`
	}
	mustUnmarshalJSON(t, evt.data, &data)
	return data.SessionID
}

func (s *eventStream) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-s.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("stream still open")
	}
}

func readOneSSE(br *bufio.Reader) (sseEvent, error) {
	var (
		event   sseEvent
		dataBuf bytes.Buffer
		seen    bool
	)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return sseEvent{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if !seen {
				continue
			}
			if dataBuf.Len() > 0 {
				event.data = append([]byte(nil), dataBuf.Bytes()...)
			}
			return event, nil
		}
		seen = true
		switch {
		case strings.HasPrefix(line, ":"):
			event.comment = strings.TrimSpace(strings.TrimPrefix(line, ":"))
		case strings.HasPrefix(line, "event: "):
			event.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			if dataBuf.Len() > 0 {
				dataBuf.WriteByte('\n')
			}
			dataBuf.WriteString(strings.TrimPrefix(line, "data: "))
		}
	}
}

// ============================================================================
// Logging
// ============================================================================

// logBridge is an implementation of slog.Handler that works
// with the stdlib testing pkg.
type logBridge struct {
	slog.Handler
	t   testing.TB
	buf *bytes.Buffer
	mu  *sync.Mutex
}

func (b *logBridge) Handle(ctx context.Context, rec slog.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.Handler.Handle(ctx, rec); err != nil {
		return err
	}
	output, err := io.ReadAll(b.buf)
	if err != nil {
		return err
	}
	b.t.Helper()
	b.t.Log(string(bytes.TrimSuffix(output, []byte("\n"))))
	return nil
}

func (b *logBridge) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &logBridge{t: b.t, buf: b.buf, mu: b.mu, Handler: b.Handler.WithAttrs(attrs)}
}

func (b *logBridge) WithGroup(name string) slog.Handler {
	return &logBridge{t: b.t, buf: b.buf, mu: b.mu, Handler: b.Handler.WithGroup(name)}
}

func testLogHandler(t *testing.T) *logBridge {
	b := &logBridge{t: t, buf: &bytes.Buffer{}, mu: &sync.Mutex{}}
	b.Handler = slog.NewTextHandler(b.buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return b
}
