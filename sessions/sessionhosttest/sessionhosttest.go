// Package sessionhosttest holds a conformance suite for sessions.SessionHost
// implementations.
package sessionhosttest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-sse-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-sse-go/sessions"
)

// HostFactory creates a new SessionHost instance for testing.
type HostFactory func(t *testing.T) sessions.SessionHost

// RunSessionHostTests runs the complete SessionHost test suite against the provided factory.
func RunSessionHostTests(t *testing.T, factory HostFactory) {
	t.Run("Messaging_PublishAndSubscribeFromNow", func(t *testing.T) { testPublishAndSubscribeFromNow(t, factory) })
	t.Run("Messaging_SubscribeFromStart", func(t *testing.T) { testSubscribeFromStart(t, factory) })
	t.Run("Messaging_PublishAndResumeFromLastEventID", func(t *testing.T) { testResumeFromLastEventID(t, factory) })
	t.Run("Messaging_OrderPreserved", func(t *testing.T) { testOrderPreserved(t, factory) })
	t.Run("Messaging_IsolationBetweenSessions", func(t *testing.T) { testSessionIsolation(t, factory) })
	t.Run("Messaging_SubscriptionContextCancellation", func(t *testing.T) { testSubscriptionContextCancellation(t, factory) })
	t.Run("Messaging_HandlerErrorStopsSubscription", func(t *testing.T) { testHandlerErrorStopsSubscription(t, factory) })
	t.Run("Messaging_ResumeFromNonExistentEventID", func(t *testing.T) { testResumeFromNonExistentEventID(t, factory) })
	t.Run("Messaging_CleanupDropsBacklog", func(t *testing.T) { testCleanupDropsBacklog(t, factory) })
}

type received struct {
	mu   sync.Mutex
	ids  []string
	msgs []string
}

func (r *received) add(id string, msg []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var req jsonrpc.Request
	_ = json.Unmarshal(msg, &req)
	r.ids = append(r.ids, id)
	r.msgs = append(r.msgs, req.Method)
}

func (r *received) snapshot() ([]string, []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...), append([]string(nil), r.msgs...)
}

func request(t *testing.T, method string, id int) []byte {
	t.Helper()
	b, err := json.Marshal(&jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: method, ID: jsonrpc.NewRequestID(id)})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func publish(t *testing.T, h sessions.SessionHost, sessionID string, data []byte) string {
	t.Helper()
	id, err := h.PublishSession(context.Background(), sessionID, data)
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if id == "" {
		t.Fatalf("expected non-empty event id")
	}
	return id
}

// subscribeUntil subscribes and cancels once want messages have arrived.
func subscribeUntil(t *testing.T, h sessions.SessionHost, sessionID, lastEventID string, want int) (*received, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	r := &received{}
	done := make(chan error, 1)
	go func() {
		done <- h.SubscribeSession(ctx, sessionID, lastEventID, func(ctx context.Context, id string, msg []byte) error {
			r.add(id, msg)
			if ids, _ := r.snapshot(); len(ids) >= want {
				cancel()
			}
			return nil
		})
	}()
	return r, done
}

func waitDone(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("subscribe returned: %v", err)
		}
	case <-time.After(6 * time.Second):
		t.Fatal("subscribe timeout")
	}
}

func testPublishAndSubscribeFromNow(t *testing.T, factory HostFactory) {
	h := factory(t)
	sessionID := "sess-1"

	publish(t, h, sessionID, request(t, "test/old", 0))
	r, done := subscribeUntil(t, h, sessionID, "", 1)
	time.Sleep(100 * time.Millisecond)
	evID := publish(t, h, sessionID, request(t, "test/method", 1))
	waitDone(t, done)

	ids, methods := r.snapshot()
	if len(ids) != 1 {
		t.Fatalf("expected 1 message, got %d (%v)", len(ids), methods)
	}
	if ids[0] != evID || methods[0] != "test/method" {
		t.Fatalf("got id=%s method=%s, want id=%s method=test/method", ids[0], methods[0], evID)
	}
}

func testSubscribeFromStart(t *testing.T, factory HostFactory) {
	h := factory(t)
	sessionID := "sess-start"

	ev1 := publish(t, h, sessionID, request(t, "test/m1", 1))
	ev2 := publish(t, h, sessionID, request(t, "test/m2", 2))

	r, done := subscribeUntil(t, h, sessionID, sessions.FromStart, 2)
	waitDone(t, done)

	ids, methods := r.snapshot()
	if len(ids) != 2 || ids[0] != ev1 || ids[1] != ev2 {
		t.Fatalf("got ids %v, want [%s %s]", ids, ev1, ev2)
	}
	if methods[0] != "test/m1" || methods[1] != "test/m2" {
		t.Fatalf("got methods %v", methods)
	}
}

func testResumeFromLastEventID(t *testing.T, factory HostFactory) {
	h := factory(t)
	sessionID := "sess-2"

	ev1 := publish(t, h, sessionID, request(t, "test/m1", 1))
	ev2 := publish(t, h, sessionID, request(t, "test/m2", 2))

	r, done := subscribeUntil(t, h, sessionID, ev1, 1)
	waitDone(t, done)

	ids, methods := r.snapshot()
	if len(ids) != 1 || ids[0] != ev2 || methods[0] != "test/m2" {
		t.Fatalf("got ids=%v methods=%v, want [%s] [test/m2]", ids, methods, ev2)
	}
}

func testOrderPreserved(t *testing.T, factory HostFactory) {
	h := factory(t)
	sessionID := "sess-order"
	const n = 50

	r, done := subscribeUntil(t, h, sessionID, sessions.FromStart, n)
	var want []string
	for i := 0; i < n; i++ {
		want = append(want, publish(t, h, sessionID, request(t, fmt.Sprintf("test/m%d", i), i)))
	}
	waitDone(t, done)

	ids, methods := r.snapshot()
	if len(ids) != n {
		t.Fatalf("expected %d messages, got %d", n, len(ids))
	}
	for i := range want {
		if ids[i] != want[i] || methods[i] != fmt.Sprintf("test/m%d", i) {
			t.Fatalf("message %d out of order: id=%s method=%s", i, ids[i], methods[i])
		}
	}
}

func testSessionIsolation(t *testing.T, factory HostFactory) {
	h := factory(t)
	s1, s2 := "sess-3a", "sess-3b"

	r1, d1 := subscribeUntil(t, h, s1, sessions.FromStart, 1)
	r2, d2 := subscribeUntil(t, h, s2, sessions.FromStart, 1)

	publish(t, h, s1, request(t, "test/a", 1))
	publish(t, h, s2, request(t, "test/b", 2))

	waitDone(t, d1)
	waitDone(t, d2)

	_, m1 := r1.snapshot()
	_, m2 := r2.snapshot()
	if len(m1) != 1 || m1[0] != "test/a" {
		t.Fatalf("s1 got %v", m1)
	}
	if len(m2) != 1 || m2[0] != "test/b" {
		t.Fatalf("s2 got %v", m2)
	}
}

func testSubscriptionContextCancellation(t *testing.T, factory HostFactory) {
	h := factory(t)

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- h.SubscribeSession(ctx, "sess-4", "", func(ctx context.Context, id string, msg []byte) error { return nil })
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected deadline exceeded, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("subscribe timeout")
	}
}

func testHandlerErrorStopsSubscription(t *testing.T, factory HostFactory) {
	h := factory(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sessionID := "sess-5"
	expectedErr := errors.New("handler error")

	done := make(chan error, 1)
	go func() {
		done <- h.SubscribeSession(ctx, sessionID, sessions.FromStart, func(ctx context.Context, id string, msg []byte) error { return expectedErr })
	}()
	publish(t, h, sessionID, request(t, "test/m", 1))

	select {
	case err := <-done:
		if !errors.Is(err, expectedErr) {
			t.Fatalf("expected handler error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe timeout")
	}
}

func testResumeFromNonExistentEventID(t *testing.T, factory HostFactory) {
	h := factory(t)

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	delivered := false
	err := h.SubscribeSession(ctx, "sess-7", "non-existent-id", func(ctx context.Context, id string, msg []byte) error {
		delivered = true
		return nil
	})
	if err == nil {
		t.Fatalf("expected an error for a malformed event id")
	}
	if delivered {
		t.Fatalf("no message may be delivered for an unknown event id")
	}
}

func testCleanupDropsBacklog(t *testing.T, factory HostFactory) {
	h := factory(t)
	sessionID := "sess-cleanup"

	publish(t, h, sessionID, request(t, "test/old1", 1))
	publish(t, h, sessionID, request(t, "test/old2", 2))
	if err := h.CleanupSession(context.Background(), sessionID); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	r, done := subscribeUntil(t, h, sessionID, sessions.FromStart, 1)
	publish(t, h, sessionID, request(t, "test/new", 3))
	waitDone(t, done)

	_, methods := r.snapshot()
	if len(methods) != 1 || methods[0] != "test/new" {
		t.Fatalf("backlog survived cleanup: %v", methods)
	}
}
