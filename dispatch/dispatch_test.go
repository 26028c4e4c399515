package dispatch_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-sse-go/dispatch"
	"github.com/ggoodman/mcp-sse-go/internal/jsonrpc"
	"go.uber.org/goleak"
)

type recorder struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (r *recorder) Publish(_ context.Context, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, append([]byte(nil), data...))
	return nil
}

func (r *recorder) responses(t *testing.T) []*jsonrpc.Response {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*jsonrpc.Response
	for _, m := range r.msgs {
		msg, err := jsonrpc.Decode(m)
		if err != nil {
			t.Fatalf("decode published message: %v", err)
		}
		out = append(out, msg.AsResponse())
	}
	return out
}

func request(raw string) *dispatch.Request {
	return &dispatch.Request{SessionID: "s1", Message: json.RawMessage(raw)}
}

func TestFallback_Ping(t *testing.T) {
	var rec recorder
	err := dispatch.Fallback{}.Dispatch(context.Background(), request(`{"jsonrpc":"2.0","id":1,"method":"ping"}`), &rec)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	res := rec.responses(t)
	if len(res) != 1 {
		t.Fatalf("expected 1 response, got %d", len(res))
	}
	if res[0].Error != nil {
		t.Fatalf("unexpected error: %+v", res[0].Error)
	}
	if res[0].ID.String() != "1" {
		t.Fatalf("id = %q", res[0].ID.String())
	}
}

func TestFallback_MethodNotFound(t *testing.T) {
	var rec recorder
	if err := (dispatch.Fallback{}).Dispatch(context.Background(), request(`{"jsonrpc":"2.0","id":"a","method":"tools/list"}`), &rec); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	res := rec.responses(t)
	if len(res) != 1 || res[0].Error == nil {
		t.Fatalf("expected an error response, got %+v", res)
	}
	if res[0].Error.Code != jsonrpc.ErrorCodeMethodNotFound {
		t.Fatalf("code = %d", res[0].Error.Code)
	}
	if res[0].Error.Message != "Method not found: tools/list" {
		t.Fatalf("message = %q", res[0].Error.Message)
	}
}

func TestFallback_NotificationIsSilent(t *testing.T) {
	var rec recorder
	if err := (dispatch.Fallback{}).Dispatch(context.Background(), request(`{"jsonrpc":"2.0","method":"notifications/initialized"}`), &rec); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if n := len(rec.responses(t)); n != 0 {
		t.Fatalf("expected no replies, got %d", n)
	}
}

func TestFallback_ParseError(t *testing.T) {
	var rec recorder
	if err := (dispatch.Fallback{}).Dispatch(context.Background(), request(`{"jsonrpc":"1.0"}`), &rec); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	res := rec.responses(t)
	if len(res) != 1 || res[0].Error == nil || res[0].Error.Code != jsonrpc.ErrorCodeParseError {
		t.Fatalf("expected parse error, got %+v", res)
	}
}

func TestRunner_DetachedFromCallerCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	var rec recorder
	r := dispatch.NewRunner(dispatch.Func(func(ctx context.Context, req *dispatch.Request, out dispatch.Publisher) error {
		time.Sleep(20 * time.Millisecond)
		if err := ctx.Err(); err != nil {
			return err
		}
		return out.Publish(ctx, []byte(`{"jsonrpc":"2.0","id":1,"result":{}}`))
	}))

	ctx, cancel := context.WithCancel(context.Background())
	if err := r.Go(ctx, request(`{"jsonrpc":"2.0","id":1,"method":"ping"}`), &rec); err != nil {
		t.Fatalf("go: %v", err)
	}
	cancel()
	r.Wait()

	res := rec.responses(t)
	if len(res) != 1 || res[0].Error != nil {
		t.Fatalf("expected a result after caller cancel, got %+v", res)
	}
	if err := r.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestRunner_TimeoutRepliesWithError(t *testing.T) {
	defer goleak.VerifyNone(t)

	var (
		rec      recorder
		outcomes []dispatch.Outcome
		mu       sync.Mutex
	)
	r := dispatch.NewRunner(
		dispatch.Func(func(ctx context.Context, _ *dispatch.Request, _ dispatch.Publisher) error {
			<-ctx.Done()
			return ctx.Err()
		}),
		dispatch.WithTimeout(10*time.Millisecond),
		dispatch.WithObserver(func(o dispatch.Outcome, _ time.Duration) {
			mu.Lock()
			outcomes = append(outcomes, o)
			mu.Unlock()
		}),
	)
	if err := r.Go(context.Background(), request(`{"jsonrpc":"2.0","id":7,"method":"slow"}`), &rec); err != nil {
		t.Fatalf("go: %v", err)
	}
	r.Wait()

	res := rec.responses(t)
	if len(res) != 1 || res[0].Error == nil || res[0].Error.Code != jsonrpc.ErrorCodeInternalError {
		t.Fatalf("expected internal error reply, got %+v", res)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(outcomes) != 1 || outcomes[0] != dispatch.OutcomeTimeout {
		t.Fatalf("outcomes = %v", outcomes)
	}
	_ = r.Shutdown(context.Background())
}

func TestRunner_ErrorOnNotificationIsNotReplied(t *testing.T) {
	var rec recorder
	r := dispatch.NewRunner(dispatch.Func(func(context.Context, *dispatch.Request, dispatch.Publisher) error {
		return errors.New("boom")
	}))
	if err := r.Go(context.Background(), request(`{"jsonrpc":"2.0","method":"notifications/x"}`), &rec); err != nil {
		t.Fatalf("go: %v", err)
	}
	r.Wait()
	if n := len(rec.responses(t)); n != 0 {
		t.Fatalf("expected no replies, got %d", n)
	}
	_ = r.Shutdown(context.Background())
}

func TestRunner_PanicIsContained(t *testing.T) {
	var rec recorder
	r := dispatch.NewRunner(dispatch.Func(func(context.Context, *dispatch.Request, dispatch.Publisher) error {
		panic("kaboom")
	}))
	if err := r.Go(context.Background(), request(`{"jsonrpc":"2.0","id":2,"method":"x"}`), &rec); err != nil {
		t.Fatalf("go: %v", err)
	}
	r.Wait()
	res := rec.responses(t)
	if len(res) != 1 || res[0].Error == nil {
		t.Fatalf("expected error reply after panic, got %+v", res)
	}
	_ = r.Shutdown(context.Background())
}

func TestRunner_ShutdownRejectsNewWork(t *testing.T) {
	defer goleak.VerifyNone(t)

	release := make(chan struct{})
	r := dispatch.NewRunner(dispatch.Func(func(ctx context.Context, _ *dispatch.Request, _ dispatch.Publisher) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}))
	var rec recorder
	if err := r.Go(context.Background(), request(`{"jsonrpc":"2.0","method":"n"}`), &rec); err != nil {
		t.Fatalf("go: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("shutdown err = %v, want deadline exceeded", err)
	}
	close(release)

	if err := r.Go(context.Background(), request(`{"jsonrpc":"2.0","method":"n"}`), &rec); !errors.Is(err, dispatch.ErrRunnerClosed) {
		t.Fatalf("go after shutdown = %v", err)
	}
}
