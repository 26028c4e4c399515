// Package dispatch hands JSON-RPC messages accepted by a transport to the
// protocol dispatcher and routes anything it produces back onto the
// originating session's stream.
package dispatch

import (
	"context"
	"encoding/json"

	"github.com/ggoodman/mcp-sse-go/auth"
)

// Publisher delivers a message onto one session's stream.
type Publisher interface {
	Publish(ctx context.Context, data []byte) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, data []byte) error

func (f PublisherFunc) Publish(ctx context.Context, data []byte) error { return f(ctx, data) }

// Request is one accepted message. Message is passed through unmodified.
type Request struct {
	SessionID string
	User      *auth.UserContext
	Message   json.RawMessage
}

// Dispatcher processes a message and publishes zero or more replies to out.
// Dispatch runs asynchronously with respect to the submitting HTTP request.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *Request, out Publisher) error
}

// Func adapts a function to Dispatcher.
type Func func(ctx context.Context, req *Request, out Publisher) error

func (f Func) Dispatch(ctx context.Context, req *Request, out Publisher) error { return f(ctx, req, out) }
