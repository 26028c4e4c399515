package ssetransport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// lockedWriteFlusher serializes writes and flushes to one response and stops
// writing once ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ctx.Err(); err != nil {
		return 0, err
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// writeFrame writes a whole frame and flushes it under one lock so frames
// from the stream and the keep-alive ticker never interleave.
func (l *lockedWriteFlusher) writeFrame(frame []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ctx.Err(); err != nil {
		return err
	}
	if _, err := l.Writer.Write(frame); err != nil {
		return err
	}
	l.Flusher.Flush()
	return nil
}

// writeSSEEvent frames payload as one named event. A payload spanning lines
// is split into several data fields, which clients join back with newlines.
func writeSSEEvent(wf *lockedWriteFlusher, event string, payload []byte) error {
	var buf bytes.Buffer
	if event != "" {
		fmt.Fprintf(&buf, "event: %s\n", event)
	}
	for _, line := range bytes.Split(bytes.TrimRight(payload, "\r\n"), []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(bytes.TrimSuffix(line, []byte("\r")))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	if err := wf.writeFrame(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write SSE event: %w", err)
	}
	return nil
}

// writeSSEComment writes a comment line, which clients ignore. Used as a
// keep-alive through proxies that close idle connections.
func writeSSEComment(wf *lockedWriteFlusher, text string) error {
	return wf.writeFrame([]byte(": " + text + "\n\n"))
}
