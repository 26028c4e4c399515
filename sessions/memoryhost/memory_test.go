package memoryhost

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/mcp-sse-go/sessions"
	"github.com/ggoodman/mcp-sse-go/sessions/sessionhosttest"
	"go.uber.org/goleak"
)

func TestMemorySessionHost(t *testing.T) {
	sessionhosttest.RunSessionHostTests(t, func(t *testing.T) sessions.SessionHost {
		return New()
	})
}

func TestCleanupEndsSubscribers(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := New()
	done := make(chan error, 1)
	go func() {
		done <- h.SubscribeSession(context.Background(), "s", "", func(context.Context, string, []byte) error { return nil })
	}()
	time.Sleep(20 * time.Millisecond)

	if err := h.CleanupSession(context.Background(), "s"); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("subscriber returned %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber not released by cleanup")
	}
	if h.Len() != 0 {
		t.Fatalf("session log retained after cleanup")
	}
}

func TestMaxMessagesTrimsOldest(t *testing.T) {
	h := New(WithMaxMessages(2))
	ctx := context.Background()
	for _, m := range []string{"a", "b", "c"} {
		if _, err := h.PublishSession(ctx, "s", []byte(m)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var got []string
	err := h.SubscribeSession(subCtx, "s", sessions.FromStart, func(_ context.Context, id string, msg []byte) error {
		got = append(got, id+":"+string(msg))
		if len(got) == 2 {
			cancel()
		}
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("subscribe: %v", err)
	}
	if len(got) != 2 || got[0] != "2:b" || got[1] != "3:c" {
		t.Fatalf("got %v, want [2:b 3:c]", got)
	}
}

func TestEventIDBeyondTailIsUnknown(t *testing.T) {
	h := New()
	_, _ = h.PublishSession(context.Background(), "s", []byte("x"))
	err := h.SubscribeSession(context.Background(), "s", "5", func(context.Context, string, []byte) error { return nil })
	if !errors.Is(err, sessions.ErrUnknownEventID) {
		t.Fatalf("want ErrUnknownEventID, got %v", err)
	}
}
