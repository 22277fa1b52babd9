package workflow

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/GriffinCanCode/caption-digest/internal/errors"
	"github.com/GriffinCanCode/caption-digest/internal/trace"
)

// Manager owns the sessions of a server process. Sessions share providers
// and options but never state.
type Manager struct {
	deps        Deps
	opts        atomic.Pointer[Options]
	ttl         time.Duration
	maxSessions int

	mu       sync.RWMutex
	sessions map[string]*entry
}

type entry struct {
	seq      *Sequencer
	lastSeen atomic.Int64 // unix nano
}

func (e *entry) touch(now time.Time) { e.lastSeen.Store(now.UnixNano()) }

// NewManager creates a session manager. A ttl <= 0 uses DefaultSessionTTL.
func NewManager(deps Deps, opts Options, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	m := &Manager{
		deps:        deps,
		ttl:         ttl,
		maxSessions: DefaultMaxSessions,
		sessions:    make(map[string]*entry),
	}
	m.opts.Store(&opts)
	return m
}

// WithMaxSessions caps concurrent sessions. n <= 0 keeps the default.
func (m *Manager) WithMaxSessions(n int) *Manager {
	if n > 0 {
		m.maxSessions = n
	}
	return m
}

// Options returns the options applied to the next command.
func (m *Manager) Options() Options { return *m.opts.Load() }

// SetOptions swaps options for every session; commands in flight keep theirs.
func (m *Manager) SetOptions(opts Options) { m.opts.Store(&opts) }

// Create starts a new session.
func (m *Manager) Create() (*Sequencer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) >= m.maxSessions {
		return nil, apperrors.Newf(apperrors.CodeUnavailable, "too many active sessions (%d)", m.maxSessions)
	}

	id := uuid.NewString()
	e := &entry{seq: NewSequencer(id, m.deps, m.Options)}
	e.touch(time.Now())
	m.sessions[id] = e
	return e.seq, nil
}

// Get returns the session with id and marks it as used.
func (m *Manager) Get(id string) (*Sequencer, error) {
	m.mu.RLock()
	e, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, apperrors.New(apperrors.CodeNotFound, "session not found").WithMetadata("session_id", id)
	}
	e.touch(time.Now())
	return e.seq, nil
}

// Delete removes a session, cancelling any command in flight.
func (m *Manager) Delete(id string) bool {
	m.mu.Lock()
	e, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		e.seq.interrupt()
	}
	return ok
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Start runs the idle-session cleanup loop until ctx is done.
func (m *Manager) Start(ctx context.Context) {
	go m.cleanupLoop(ctx)
}

func (m *Manager) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(SessionCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := m.evictIdle(now); n > 0 {
				trace.Logger(ctx).Info("evicted idle sessions", "count", n, "remaining", m.Len())
			}
		}
	}
}

// evictIdle removes sessions unused for longer than the ttl. Busy sessions stay.
func (m *Manager) evictIdle(now time.Time) int {
	cutoff := now.Add(-m.ttl).UnixNano()
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, e := range m.sessions {
		if e.lastSeen.Load() < cutoff && !e.seq.Busy() {
			delete(m.sessions, id)
			n++
		}
	}
	return n
}
