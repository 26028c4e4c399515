package memoryhost

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/ggoodman/mcp-sse-go/sessions"
)

// Host is an in-memory implementation of sessions.SessionHost.
type Host struct {
	mu          sync.Mutex
	sessions    map[string]*sessionData
	maxMessages int
}

type sessionData struct {
	messages []message
	lastSeq  int64
	// notify is closed and replaced on every publish.
	notify chan struct{}
	// closed is closed by CleanupSession.
	closed chan struct{}
}

type message struct {
	seq  int64
	data []byte
}

// Option configures a Host.
type Option func(*Host)

// WithMaxMessages bounds each session's retained log. Older messages are
// dropped first. Zero keeps everything until cleanup.
func WithMaxMessages(n int) Option {
	return func(h *Host) { h.maxMessages = n }
}

func New(opts ...Option) *Host {
	h := &Host{sessions: make(map[string]*sessionData)}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Host) ensureSessionLocked(sessionID string) *sessionData {
	sd, ok := h.sessions[sessionID]
	if !ok {
		sd = &sessionData{notify: make(chan struct{}), closed: make(chan struct{})}
		h.sessions[sessionID] = sd
	}
	return sd
}

func (h *Host) PublishSession(ctx context.Context, sessionID string, data []byte) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sd := h.ensureSessionLocked(sessionID)
	sd.lastSeq++
	sd.messages = append(sd.messages, message{seq: sd.lastSeq, data: append([]byte(nil), data...)})
	if h.maxMessages > 0 && len(sd.messages) > h.maxMessages {
		sd.messages = append([]message(nil), sd.messages[len(sd.messages)-h.maxMessages:]...)
	}
	close(sd.notify)
	sd.notify = make(chan struct{})

	return strconv.FormatInt(sd.lastSeq, 10), nil
}

func (h *Host) SubscribeSession(ctx context.Context, sessionID string, lastEventID string, handler sessions.MessageHandlerFunction) error {
	h.mu.Lock()
	sd := h.ensureSessionLocked(sessionID)
	var cursor int64
	switch lastEventID {
	case "":
		cursor = sd.lastSeq
	default:
		n, err := strconv.ParseInt(lastEventID, 10, 64)
		if err != nil || n < 0 || n > sd.lastSeq {
			h.mu.Unlock()
			return fmt.Errorf("%w: %s", sessions.ErrUnknownEventID, lastEventID)
		}
		cursor = n
	}
	h.mu.Unlock()

	for {
		h.mu.Lock()
		var pending []message
		for _, m := range sd.messages {
			if m.seq > cursor {
				pending = append(pending, m)
			}
		}
		notify, closed := sd.notify, sd.closed
		h.mu.Unlock()

		for _, m := range pending {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := handler(ctx, strconv.FormatInt(m.seq, 10), m.data); err != nil {
				return err
			}
			cursor = m.seq
		}
		if len(pending) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-closed:
			return nil
		case <-notify:
		}
	}
}

func (h *Host) CleanupSession(ctx context.Context, sessionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	sd, ok := h.sessions[sessionID]
	if !ok {
		return nil
	}
	delete(h.sessions, sessionID)
	close(sd.closed)
	return nil
}

// Len reports how many sessions currently have a log.
func (h *Host) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

var _ sessions.SessionHost = (*Host)(nil)
