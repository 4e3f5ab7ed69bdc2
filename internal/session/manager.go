package session

import (
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/clawdis/warelay/internal/bus"
	. "github.com/clawdis/warelay/internal/logging"
)

// sweepSchedule is how often the idle sweeper runs.
const sweepSchedule = "@every 1m"

// Manager maintains all active sessions.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	cron *cronlib.Cron

	// onHeartbeat is invoked on a timer goroutine when a session's
	// heartbeat interval elapses without activity.
	onHeartbeat func(*Session)
}

// NewManager creates a session manager. The sweeper is not running
// until StartSweeper.
func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
	}
}

// OnHeartbeat installs the heartbeat callback. Must be set before the
// first Resolve arms a timer.
func (m *Manager) OnHeartbeat(fn func(*Session)) {
	m.onHeartbeat = fn
}

// Resolve returns the session for key, creating it when absent. The
// second return reports whether the session is new. Last-activity is
// stamped and the heartbeat timer armed on every call.
func (m *Manager) Resolve(key string, idleMinutes, heartbeatMinutes int) (*Session, bool) {
	m.mu.Lock()
	s, ok := m.sessions[key]
	if !ok || s.Destroyed() {
		s = newSession(key, idleMinutes, heartbeatMinutes)
		m.sessions[key] = s
		ok = false
	}
	m.mu.Unlock()

	if !ok {
		L_info("session: created", "key", key, "id", s.ID, "idleMinutes", idleMinutes, "heartbeatMinutes", heartbeatMinutes)
		bus.PublishEvent(bus.TopicSessionStarted, map[string]any{
			"key": key,
			"id":  s.ID,
		})
	}

	s.Touch()
	m.armHeartbeat(s)

	return s, !ok
}

// Get returns the session for key, or nil.
func (m *Manager) Get(key string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[key]
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Keys returns the live session keys, for status display.
func (m *Manager) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.sessions))
	for k := range m.sessions {
		keys = append(keys, k)
	}
	return keys
}

// Bookkeep stamps activity and re-arms the heartbeat after a turn.
func (m *Manager) Bookkeep(s *Session) {
	s.Touch()
	m.armHeartbeat(s)
}

// Destroy tears the session down and removes it. Terminates the
// running agent and cancels the heartbeat.
func (m *Manager) Destroy(key, reason string) bool {
	m.mu.Lock()
	s, ok := m.sessions[key]
	if ok {
		delete(m.sessions, key)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}

	if s.teardown() {
		L_info("session: destroyed", "key", key, "id", s.ID, "reason", reason)
		bus.PublishEvent(bus.TopicSessionExpired, map[string]any{
			"key":    key,
			"id":     s.ID,
			"reason": reason,
		})
	}
	return true
}

// DestroyAll tears down every session, for shutdown.
func (m *Manager) DestroyAll(reason string) {
	for _, key := range m.Keys() {
		m.Destroy(key, reason)
	}
}

// StartSweeper begins the periodic idle sweep.
func (m *Manager) StartSweeper() {
	if m.cron != nil {
		return
	}
	m.cron = cronlib.New()
	_, err := m.cron.AddFunc(sweepSchedule, m.sweep)
	if err != nil {
		L_error("session: sweeper schedule failed", "error", err)
		return
	}
	m.cron.Start()
	L_debug("session: idle sweeper started", "schedule", sweepSchedule)
}

// StopSweeper halts the sweep and tears down all sessions.
func (m *Manager) StopSweeper() {
	if m.cron != nil {
		m.cron.Stop()
		m.cron = nil
	}
	m.DestroyAll("shutdown")
}

// sweep destroys sessions idle past their window.
func (m *Manager) sweep() {
	now := time.Now()

	m.mu.RLock()
	var expired []string
	for key, s := range m.sessions {
		if s.Idle(now) {
			expired = append(expired, key)
		}
	}
	m.mu.RUnlock()

	for _, key := range expired {
		m.Destroy(key, "idle")
	}
}

// armHeartbeat wires the manager callback into the session timer.
func (m *Manager) armHeartbeat(s *Session) {
	s.armHeartbeat(func() {
		if m.onHeartbeat == nil {
			return
		}
		if s.Destroyed() {
			return
		}
		L_debug("session: heartbeat fired", "key", s.Key, "id", s.ID)
		bus.PublishEvent(bus.TopicHeartbeatFired, map[string]any{
			"key": s.Key,
			"id":  s.ID,
		})
		m.onHeartbeat(s)
	})
}
