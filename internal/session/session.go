package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clawdis/warelay/internal/agent"
)

// Session is one conversation context keyed by sender. The turn
// mutex serialises agent invocations so a session processes inbound
// messages strictly in order.
type Session struct {
	Key string
	ID  string

	// IdleMinutes and HeartbeatMinutes are captured from the
	// provider's inbound config at creation. IdleMinutes of zero
	// means the session is destroyed right after a reply completes.
	IdleMinutes      int
	HeartbeatMinutes int

	CreatedAt time.Time

	turnMu sync.Mutex

	mu           sync.Mutex
	lastActivity time.Time
	invocation   *agent.Invocation
	heartbeat    *time.Timer
	destroyed    bool
	turns        int

	peerKind string
	peerAddr string
}

func newSession(key string, idleMinutes, heartbeatMinutes int) *Session {
	now := time.Now()
	return &Session{
		Key:              key,
		ID:               uuid.NewString(),
		IdleMinutes:      idleMinutes,
		HeartbeatMinutes: heartbeatMinutes,
		CreatedAt:        now,
		lastActivity:     now,
	}
}

// LockTurn acquires the per-session turn lock. Inbound handling holds
// it for the whole spawn-stream-reply cycle.
func (s *Session) LockTurn() { s.turnMu.Lock() }

// UnlockTurn releases the turn lock.
func (s *Session) UnlockTurn() { s.turnMu.Unlock() }

// Touch stamps last-activity with now.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.turns++
	s.mu.Unlock()
}

// LastActivity returns the last inbound or reply time.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Turns returns how many turns the session has processed.
func (s *Session) Turns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns
}

// SetInvocation records the in-flight agent run so destruction can
// terminate it. Pass nil when the turn completes.
func (s *Session) SetInvocation(inv *agent.Invocation) {
	s.mu.Lock()
	s.invocation = inv
	s.mu.Unlock()
}

// BindPeer records which provider and peer address the session talks
// to, so heartbeat replies can be routed without an inbound message.
func (s *Session) BindPeer(kind, addr string) {
	s.mu.Lock()
	s.peerKind = kind
	s.peerAddr = addr
	s.mu.Unlock()
}

// Peer returns the bound provider kind and peer address.
func (s *Session) Peer() (kind, addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerKind, s.peerAddr
}

// Idle reports whether the session has been inactive for at least its
// idle window. Sessions with IdleMinutes zero never idle out; they are
// destroyed explicitly after the reply.
func (s *Session) Idle(now time.Time) bool {
	if s.IdleMinutes <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivity) >= time.Duration(s.IdleMinutes)*time.Minute
}

// armHeartbeat schedules or reschedules the heartbeat timer. fire runs
// on the timer goroutine.
func (s *Session) armHeartbeat(fire func()) {
	if s.HeartbeatMinutes <= 0 {
		return
	}

	d := time.Duration(s.HeartbeatMinutes) * time.Minute

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	if s.heartbeat != nil {
		s.heartbeat.Reset(d)
		return
	}
	s.heartbeat = time.AfterFunc(d, fire)
}

// teardown stops the heartbeat and the running agent, marking the
// session dead. Returns false if already torn down.
func (s *Session) teardown() bool {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return false
	}
	s.destroyed = true
	hb := s.heartbeat
	inv := s.invocation
	s.heartbeat = nil
	s.invocation = nil
	s.mu.Unlock()

	if hb != nil {
		hb.Stop()
	}
	if inv != nil {
		inv.Stop()
	}
	return true
}

// Destroyed reports whether teardown has run.
func (s *Session) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}
