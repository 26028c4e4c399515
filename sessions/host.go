package sessions

import (
	"context"
	"errors"
)

// FromStart is the lastEventID that replays a session's stream from its
// first message. An empty lastEventID delivers only messages published after
// the subscription starts.
const FromStart = "0"

// ErrUnknownEventID is returned by hosts that can tell a resume cursor does
// not belong to the session's stream.
var ErrUnknownEventID = errors.New("unknown last event id")

// MessageHandlerFunction handles ordered messages for a session stream.
// If the handler returns an error, the subscription terminates with that error.
type MessageHandlerFunction func(ctx context.Context, msgID string, msg []byte) error

// SessionHost carries messages produced for a session (by the dispatcher) to
// whichever goroutine holds that session's stream. Delivery is ordered per
// session and at-least-once.
type SessionHost interface {
	// PublishSession appends data to the session's stream and returns its event id.
	PublishSession(ctx context.Context, sessionID string, data []byte) (eventID string, err error)
	// SubscribeSession delivers messages after lastEventID to handler until ctx
	// ends, the handler fails, or the session is cleaned up (nil error).
	SubscribeSession(ctx context.Context, sessionID string, lastEventID string, handler MessageHandlerFunction) error
	// CleanupSession drops the session's stream.
	CleanupSession(ctx context.Context, sessionID string) error
}
