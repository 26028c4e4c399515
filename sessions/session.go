package sessions

import (
	"errors"
	"time"

	"github.com/ggoodman/mcp-sse-go/auth"
)

// Status is the lifecycle state of a session.
type Status string

const (
	// StatusActive sessions have a live stream and accept messages.
	StatusActive Status = "active"
	// StatusOrphaned sessions lost their stream. They are kept until swept or
	// terminated but no longer accept messages.
	StatusOrphaned Status = "orphaned"
	// StatusTerminated is absorbing: no operation moves a session out of it.
	StatusTerminated Status = "terminated"
)

// Transport names the wire transport a session was created on.
type Transport string

const (
	TransportSSE            Transport = "sse"
	TransportStreamableHTTP Transport = "streamable-http"
)

// ErrSessionNotFound is returned for unknown and terminated sessions alike.
var ErrSessionNotFound = errors.New("session not found")

// ErrInvalidTransition is returned when a status change is not allowed from
// the session's current status.
var ErrInvalidTransition = errors.New("invalid session status transition")

// Session is a point-in-time snapshot of a session record. Mutations happen
// only through the Manager; changing a snapshot has no effect on the table.
type Session struct {
	ID             string
	Token          string
	User           *auth.UserContext
	Transport      Transport
	CreatedAt      time.Time
	LastActivityAt time.Time
	Status         Status
}

// UserID returns the owning user's id, or 0 when the session has no user.
func (s Session) UserID() int64 {
	if s.User == nil {
		return 0
	}
	return s.User.UserID
}
