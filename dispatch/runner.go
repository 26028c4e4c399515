package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/mcp-sse-go/internal/jsonrpc"
)

// Outcome labels how a dispatch finished.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeError   Outcome = "error"
	OutcomeTimeout Outcome = "timeout"
	OutcomePanic   Outcome = "panic"
)

// Runner executes each dispatch on its own goroutine, bounded by a timeout
// and detached from the submitting request's cancellation. There is no
// per-session serialization.
type Runner struct {
	d        Dispatcher
	timeout  time.Duration
	log      *slog.Logger
	observe  func(Outcome, time.Duration)
	base     context.Context
	stop     context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	draining bool
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithTimeout bounds each dispatch. Default 30s.
func WithTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) { r.timeout = d }
}

// WithLogger sets the runner's logger.
func WithLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.log = l }
}

// WithObserver receives the outcome and duration of every dispatch.
func WithObserver(fn func(Outcome, time.Duration)) RunnerOption {
	return func(r *Runner) { r.observe = fn }
}

// NewRunner returns a Runner for d.
func NewRunner(d Dispatcher, opts ...RunnerOption) *Runner {
	base, stop := context.WithCancel(context.Background())
	r := &Runner{
		d:       d,
		timeout: 30 * time.Second,
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		observe: func(Outcome, time.Duration) {},
		base:    base,
		stop:    stop,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ErrRunnerClosed is returned by Go after Shutdown began.
var ErrRunnerClosed = errors.New("dispatch: runner closed")

// Go starts dispatching req. Context values of ctx (logging attributes) are
// kept; its cancellation is not.
func (r *Runner) Go(ctx context.Context, req *Request, out Publisher) error {
	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		return ErrRunnerClosed
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		r.run(context.WithoutCancel(ctx), req, out)
	}()
	return nil
}

func (r *Runner) run(ctx context.Context, req *Request, out Publisher) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	stopAfter := context.AfterFunc(r.base, cancel)
	defer stopAfter()

	start := time.Now()
	outcome := OutcomeOK
	defer func() {
		if p := recover(); p != nil {
			outcome = OutcomePanic
			r.log.ErrorContext(ctx, "dispatch.panic", slog.Any("panic", p))
			r.replyError(ctx, req, out, "Internal error")
		}
		r.observe(outcome, time.Since(start))
	}()

	err := r.d.Dispatch(ctx, req, out)
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		outcome = OutcomeTimeout
		r.log.WarnContext(ctx, "dispatch.timeout", slog.Duration("timeout", r.timeout))
		r.replyError(ctx, req, out, "Request timed out")
	default:
		outcome = OutcomeError
		r.log.ErrorContext(ctx, "dispatch.fail", slog.String("err", err.Error()))
		r.replyError(ctx, req, out, "Internal error")
	}
}

// replyError tells the client a request failed, when the message was a
// request it can correlate.
func (r *Runner) replyError(ctx context.Context, req *Request, out Publisher, message string) {
	msg, err := jsonrpc.Decode(req.Message)
	if err != nil || msg.Kind() != jsonrpc.KindRequest {
		return
	}
	b, err := json.Marshal(jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInternalError, message, nil))
	if err != nil {
		return
	}
	// The dispatch context may already be done; the reply must still go out.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := out.Publish(pubCtx, b); err != nil {
		r.log.WarnContext(ctx, "dispatch.reply.fail", slog.String("err", err.Error()))
	}
}

// Wait blocks until every started dispatch has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Shutdown stops accepting work and waits for in-flight dispatches until ctx
// ends, after which their contexts are canceled.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.draining = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.stop()
		return nil
	case <-ctx.Done():
		r.stop()
		<-done
		return ctx.Err()
	}
}
