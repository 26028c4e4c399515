// Package transport holds the plumbing shared by the HTTP transports of the
// server: bearer token extraction, the admission gate that authenticates and
// rate-limits every request before it may touch a session, and the error
// taxonomy rendered as JSON-RPC shaped error bodies.
//
// A Transport is one wire protocol over the shared plumbing. The legacy SSE
// transport lives in package ssetransport; the streaming HTTP successor is a
// future variant of the same interface.
package transport

import (
	"context"
	"errors"
	"net/http"

	"github.com/ggoodman/mcp-sse-go/sessions"
)

// ErrClosed is returned for requests that reach a transport after Close.
var ErrClosed = errors.New("transport closed")

// Transport is an HTTP endpoint speaking one session transport protocol.
type Transport interface {
	http.Handler
	// Kind is the transport recorded on the sessions it creates.
	Kind() sessions.Transport
	// Close terminates the transport's live sessions and waits for in-flight
	// work until ctx ends.
	Close(ctx context.Context) error
}
