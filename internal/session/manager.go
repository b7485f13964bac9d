package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mirrortalk/mirrortalk/internal/twerr"
)

// Conn is the subset of a client connection the session layer needs: the
// ability to close it with a reason the client can render.
type Conn interface {
	CloseWithReason(reason string) error
}

// ReasonReplaced is the close reason sent to a connection displaced by a
// newer bind for the same user.
const ReasonReplaced = "replaced"

// evictionSweep is how often the idle evictor scans for stale sessions.
const evictionSweep = 30 * time.Second

// ManagerConfig tunes the Manager. Zero values select the defaults.
type ManagerConfig struct {
	MaxSessions    int           // default 256
	ReconnectGrace time.Duration // default 30s
	IdleEviction   time.Duration // default 5m
	HistoryTurns   int           // default 5
}

func (c *ManagerConfig) applyDefaults() {
	if c.MaxSessions <= 0 {
		c.MaxSessions = 256
	}
	if c.ReconnectGrace <= 0 {
		c.ReconnectGrace = 30 * time.Second
	}
	if c.IdleEviction <= 0 {
		c.IdleEviction = 5 * time.Minute
	}
	if c.HistoryTurns <= 0 {
		c.HistoryTurns = 5
	}
}

// Manager owns the session-ID → Session mapping and the user → session
// binding. Lookups take a read lock only; mutation holds the write lock
// for map operations and nothing else.
type Manager struct {
	cfg    ManagerConfig
	logger *slog.Logger

	// OnEvict, when non-nil, is called after a session is destroyed
	// (grace expiry, idle eviction, or explicit end).
	OnEvict func(*Session)

	mu     sync.RWMutex
	byID   map[string]*Session
	byUser map[string]*Session
	grace  map[string]*time.Timer // session ID → pending destroy timer
	closed bool
}

// NewManager creates a Manager. logger may be nil.
func NewManager(cfg ManagerConfig, logger *slog.Logger) *Manager {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		logger: logger,
		byID:   make(map[string]*Session),
		byUser: make(map[string]*Session),
		grace:  make(map[string]*time.Timer),
	}
}

// Bind attaches conn to userID's session, creating one if needed.
//
// A user with a live session is reattached: the previous connection is
// closed with ReasonReplaced and a pending grace timer is cancelled, so a
// retried bind inside the grace window lands on the same session ID.
// Beyond the session cap, Bind fails with a retryable QUEUE_FULL error.
func (m *Manager) Bind(ctx context.Context, userID string, conn Conn) (*Session, error) {
	if userID == "" {
		return nil, twerr.New(twerr.CodeSessionCreateFailed, errors.New("bind requires a user ID"))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, twerr.New(twerr.CodeSessionCreateFailed, errors.New("manager is shut down"))
	}

	if existing, ok := m.byUser[userID]; ok {
		if t, ok := m.grace[existing.ID]; ok {
			t.Stop()
			delete(m.grace, existing.ID)
		}
		old := existing.Conn()
		existing.setConn(conn)
		if old != nil && old != conn {
			go old.CloseWithReason(ReasonReplaced)
		}
		m.logger.Info("session reattached", "session_id", existing.ID, "user_id", userID)
		return existing, nil
	}

	if len(m.byID) >= m.cfg.MaxSessions {
		wait := m.estimatedWait()
		m.logger.Warn("session cap reached",
			"cap", m.cfg.MaxSessions, "user_id", userID, "retry_after", wait)
		e := twerr.New(twerr.CodeQueueFull, nil)
		e.RetryAfter = wait
		return nil, e
	}

	s := newSession(userID, conn, m.cfg.HistoryTurns)
	m.byID[s.ID] = s
	m.byUser[userID] = s
	m.logger.Info("session created", "session_id", s.ID, "user_id", userID, "active", len(m.byID))
	return s, nil
}

// estimatedWait guesses how long until a slot frees: sessions already
// sitting in the reconnect grace expire within one grace window,
// otherwise the idle evictor has to reclaim one. Caller holds m.mu.
func (m *Manager) estimatedWait() time.Duration {
	if len(m.grace) > 0 {
		return m.cfg.ReconnectGrace
	}
	return m.cfg.IdleEviction
}

// Unbind detaches conn from sessionID and starts the grace timer. If no
// rebind arrives within the grace window the session is destroyed. When
// the session is already bound to a different connection (the caller
// was replaced), Unbind is a no-op; a nil conn detaches unconditionally.
// It reports whether the session was actually detached, so the caller
// knows it owns the disconnect epilogue.
func (m *Manager) Unbind(sessionID string, conn Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.byID[sessionID]
	if !ok {
		return false
	}
	if conn != nil && s.Conn() != conn {
		return false
	}
	s.setConn(nil)

	if _, pending := m.grace[sessionID]; pending {
		return true
	}
	m.grace[sessionID] = time.AfterFunc(m.cfg.ReconnectGrace, func() {
		m.destroy(sessionID, "grace expired")
	})
	m.logger.Info("session unbound", "session_id", sessionID, "grace", m.cfg.ReconnectGrace)
	return true
}

// End destroys sessionID immediately, skipping the grace window.
func (m *Manager) End(sessionID string) {
	m.destroy(sessionID, "explicit end")
}

// Get returns the session for sessionID.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[sessionID]
	return s, ok
}

// Active returns the number of live sessions, including those in grace.
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// RunEvictor sweeps for idle sessions until ctx is cancelled. Call in its
// own goroutine.
func (m *Manager) RunEvictor(ctx context.Context) {
	ticker := time.NewTicker(evictionSweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.evictIdle()
		}
	}
}

func (m *Manager) evictIdle() {
	cutoff := time.Now().Add(-m.cfg.IdleEviction)

	m.mu.RLock()
	var stale []string
	for id, s := range m.byID {
		if s.LastActivity().Before(cutoff) && s.Machine().Current() == StateIdle {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range stale {
		m.destroy(id, "idle eviction")
	}
}

// Close destroys every session and rejects further binds.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	ids := make([]string, 0, len(m.byID))
	for id := range m.byID {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.destroy(id, "shutdown")
	}
}

func (m *Manager) destroy(sessionID, why string) {
	m.mu.Lock()
	s, ok := m.byID[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.byID, sessionID)
	delete(m.byUser, s.UserID)
	if t, ok := m.grace[sessionID]; ok {
		t.Stop()
		delete(m.grace, sessionID)
	}
	m.mu.Unlock()

	s.Machine().Close()
	if conn := s.Conn(); conn != nil {
		_ = conn.CloseWithReason(why)
	}
	m.logger.Info("session destroyed", "session_id", sessionID, "user_id", s.UserID, "reason", why)

	if m.OnEvict != nil {
		m.OnEvict(s)
	}
}
