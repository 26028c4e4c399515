package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ggoodman/mcp-sse-go/internal/jsonrpc"
)

// Fallback answers "ping" and reports every other request as method not
// found. Notifications and responses are dropped. It stands in for a real
// protocol engine and keeps the stream contract testable end to end.
type Fallback struct{}

func (Fallback) Dispatch(ctx context.Context, req *Request, out Publisher) error {
	msg, err := jsonrpc.Decode(req.Message)
	if err != nil {
		return publishResponse(ctx, out, jsonrpc.NewErrorResponse(jsonrpc.NewRequestID(nil), jsonrpc.ErrorCodeParseError, "Parse error", nil))
	}
	if msg.Kind() != jsonrpc.KindRequest {
		return nil
	}

	switch msg.Method {
	case "ping":
		res, err := jsonrpc.NewResultResponse(msg.ID, struct{}{})
		if err != nil {
			return err
		}
		return publishResponse(ctx, out, res)
	default:
		return publishResponse(ctx, out, jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeMethodNotFound, fmt.Sprintf("Method not found: %s", msg.Method), nil))
	}
}

func publishResponse(ctx context.Context, out Publisher, res *jsonrpc.Response) error {
	b, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("dispatch: marshal response: %w", err)
	}
	return out.Publish(ctx, b)
}

var _ Dispatcher = Fallback{}
