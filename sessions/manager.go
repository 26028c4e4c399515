package sessions

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/mcp-sse-go/auth"
	"github.com/google/uuid"
)

// Manager owns the in-process session table. It is the only component that
// changes a session's status or activity timestamp. Every method is a single
// critical section under one mutex.
//
// The table lives in one process, so a deployment with several instances must
// route a client's POSTs to the instance holding its stream (sticky routing).
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*record

	now           func() time.Time
	newID         func() string
	idleTimeout   time.Duration
	orphanTimeout time.Duration
	retention     time.Duration
	sweepInterval time.Duration
	onTerminate   []func(Session)
	log           *slog.Logger
}

type record struct {
	s         Session
	changedAt time.Time
	done      chan struct{}
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithIdleTimeout terminates active sessions with no activity for d. Zero
// disables idle eviction.
func WithIdleTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.idleTimeout = d }
}

// WithOrphanTimeout terminates orphaned sessions d after their stream
// closed. Defaults to the idle timeout.
func WithOrphanTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.orphanTimeout = d }
}

// WithRetention keeps terminated records for d before purging them.
func WithRetention(d time.Duration) ManagerOption {
	return func(m *Manager) { m.retention = d }
}

// WithSweepInterval sets how often Run sweeps. Default 1m.
func WithSweepInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.sweepInterval = d }
}

// WithOnTerminate registers fn to run, outside the table lock, after a
// session is terminated.
func WithOnTerminate(fn func(Session)) ManagerOption {
	return func(m *Manager) { m.onTerminate = append(m.onTerminate, fn) }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithIDGenerator overrides session id generation.
func WithIDGenerator(gen func() string) ManagerOption {
	return func(m *Manager) { m.newID = gen }
}

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.log = l }
}

// NewManager returns an empty session table.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		sessions:      make(map[string]*record),
		now:           time.Now,
		newID:         uuid.NewString,
		sweepInterval: time.Minute,
		log:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.orphanTimeout == 0 {
		m.orphanTimeout = m.idleTimeout
	}
	return m
}

// CreateSession registers a new active session for user.
func (m *Manager) CreateSession(token string, user *auth.UserContext, transport Transport) Session {
	m.mu.Lock()
	id := m.newID()
	for _, taken := m.sessions[id]; taken; _, taken = m.sessions[id] {
		id = m.newID()
	}
	now := m.now()
	rec := &record{
		s: Session{
			ID:             id,
			Token:          token,
			User:           user,
			Transport:      transport,
			CreatedAt:      now,
			LastActivityAt: now,
			Status:         StatusActive,
		},
		changedAt: now,
		done:      make(chan struct{}),
	}
	m.sessions[id] = rec
	s := rec.s
	m.mu.Unlock()

	m.log.Debug("session.create.ok", slog.String("session_id", id), slog.Int64("user_id", s.UserID()), slog.String("transport", string(transport)))
	return s
}

// GetSession returns a snapshot of an active or orphaned session.
func (m *Manager) GetSession(id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	if !ok || rec.s.Status == StatusTerminated {
		return Session{}, ErrSessionNotFound
	}
	return rec.s, nil
}

// UpdateActivity stamps an active session's LastActivityAt with the current time.
func (m *Manager) UpdateActivity(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	if !ok || rec.s.Status == StatusTerminated {
		return ErrSessionNotFound
	}
	if rec.s.Status != StatusActive {
		return ErrInvalidTransition
	}
	rec.s.LastActivityAt = m.now()
	return nil
}

// MarkOrphaned moves an active session to orphaned. Orphaning an already
// orphaned session is a no-op.
func (m *Manager) MarkOrphaned(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	if !ok || rec.s.Status == StatusTerminated {
		return ErrSessionNotFound
	}
	if rec.s.Status == StatusActive {
		rec.s.Status = StatusOrphaned
		rec.changedAt = m.now()
		m.log.Debug("session.orphaned", slog.String("session_id", id))
	}
	return nil
}

// TerminateSession moves a session to terminated and closes its Done
// channel. Terminating a terminated session is a no-op.
func (m *Manager) TerminateSession(id string) error {
	m.mu.Lock()
	rec, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	if rec.s.Status == StatusTerminated {
		m.mu.Unlock()
		return nil
	}
	m.terminateLocked(rec)
	s := rec.s
	m.mu.Unlock()

	m.afterTerminate([]Session{s}, "explicit")
	return nil
}

// TerminateAll terminates every live session, e.g. at shutdown.
func (m *Manager) TerminateAll() int {
	m.mu.Lock()
	var ended []Session
	for _, rec := range m.sessions {
		if rec.s.Status != StatusTerminated {
			m.terminateLocked(rec)
			ended = append(ended, rec.s)
		}
	}
	m.mu.Unlock()

	m.afterTerminate(ended, "shutdown")
	return len(ended)
}

// Done returns a channel closed when the session terminates. Unknown ids get
// an already-closed channel.
func (m *Manager) Done(id string) <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.sessions[id]; ok {
		return rec.done
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Count returns the number of records with the given status.
func (m *Manager) Count(status Status) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rec := range m.sessions {
		if rec.s.Status == status {
			n++
		}
	}
	return n
}

// Sweep purges terminated records older than the retention period, then
// terminates active sessions idle past the idle timeout and orphaned sessions
// past the orphan timeout. It returns the number of sessions it terminated.
func (m *Manager) Sweep(now time.Time) int {
	m.mu.Lock()
	purged := 0
	for id, rec := range m.sessions {
		if rec.s.Status == StatusTerminated && now.Sub(rec.changedAt) >= m.retention {
			delete(m.sessions, id)
			purged++
		}
	}

	var ended []Session
	for _, rec := range m.sessions {
		var expired bool
		switch rec.s.Status {
		case StatusActive:
			expired = m.idleTimeout > 0 && now.Sub(rec.s.LastActivityAt) >= m.idleTimeout
		case StatusOrphaned:
			expired = m.orphanTimeout > 0 && now.Sub(rec.changedAt) >= m.orphanTimeout
		}
		if expired {
			m.terminateLocked(rec)
			ended = append(ended, rec.s)
		}
	}
	m.mu.Unlock()

	if purged > 0 || len(ended) > 0 {
		m.log.Info("session.sweep", slog.Int("terminated", len(ended)), slog.Int("purged", purged))
	}
	m.afterTerminate(ended, "expired")
	return len(ended)
}

// Run sweeps on every interval tick until ctx ends.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Sweep(m.now())
		}
	}
}

func (m *Manager) terminateLocked(rec *record) {
	rec.s.Status = StatusTerminated
	rec.changedAt = m.now()
	close(rec.done)
}

func (m *Manager) afterTerminate(ended []Session, reason string) {
	for _, s := range ended {
		m.log.Debug("session.terminate", slog.String("session_id", s.ID), slog.String("reason", reason))
		for _, fn := range m.onTerminate {
			fn(s)
		}
	}
}
