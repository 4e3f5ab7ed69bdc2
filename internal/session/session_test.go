package session

import (
	"testing"
	"time"

	"github.com/clawdis/warelay/internal/config"
)

func TestDeriveKey(t *testing.T) {
	tests := []struct {
		name  string
		scope string
		from  string
		want  string
	}{
		{"global scope ignores sender", config.ScopeGlobal, "+27821234567", "global"},
		{"global scope empty sender", config.ScopeGlobal, "", "global"},
		{"e164 passes through", config.ScopePerSender, "+27821234567", "+27821234567"},
		{"whatsapp prefix stripped", config.ScopePerSender, "whatsapp:+27821234567", "+27821234567"},
		{"group jid namespaced", config.ScopePerSender, "12036304xxxx-1633xxxx@g.us", "group:12036304xxxx-1633xxxx@g.us"},
		{"telegram username", config.ScopePerSender, "telegram:@alice", "telegram:@alice"},
		{"telegram numeric id", config.ScopePerSender, "telegram:123456789", "telegram:123456789"},
		{"empty sender", config.ScopePerSender, "", "unknown"},
		{"whitespace sender", config.ScopePerSender, "   ", "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeriveKey(tt.scope, tt.from); got != tt.want {
				t.Errorf("DeriveKey(%q, %q) = %q, want %q", tt.scope, tt.from, got, tt.want)
			}
		})
	}
}

func TestManagerResolve(t *testing.T) {
	m := NewManager()

	s1, isNew := m.Resolve("+27821234567", 1440, 0)
	if !isNew {
		t.Error("first Resolve should create")
	}
	if s1.ID == "" {
		t.Error("session has no ID")
	}

	s2, isNew := m.Resolve("+27821234567", 1440, 0)
	if isNew {
		t.Error("second Resolve should reuse")
	}
	if s2 != s1 {
		t.Error("Resolve returned a different session for the same key")
	}

	s3, isNew := m.Resolve("+15550001111", 1440, 0)
	if !isNew || s3 == s1 {
		t.Error("different key should create a distinct session")
	}

	if got := m.Count(); got != 2 {
		t.Errorf("Count() = %d, want 2", got)
	}
}

func TestManagerDestroy(t *testing.T) {
	m := NewManager()

	s1, _ := m.Resolve("global", 1440, 0)
	if !m.Destroy("global", "test") {
		t.Fatal("Destroy returned false for live session")
	}
	if !s1.Destroyed() {
		t.Error("session not marked destroyed")
	}
	if m.Destroy("global", "test") {
		t.Error("second Destroy should return false")
	}

	s2, isNew := m.Resolve("global", 1440, 0)
	if !isNew {
		t.Error("Resolve after Destroy should create fresh")
	}
	if s2.ID == s1.ID {
		t.Error("fresh session reused the old ID")
	}
}

func TestSessionIdle(t *testing.T) {
	s := newSession("k", 30, 0)

	now := time.Now()
	if s.Idle(now) {
		t.Error("fresh session reported idle")
	}
	if !s.Idle(now.Add(31 * time.Minute)) {
		t.Error("session not idle after window elapsed")
	}
	if !s.Idle(now.Add(30 * time.Minute)) {
		t.Error("idle boundary should be inclusive")
	}

	zero := newSession("k0", 0, 0)
	if zero.Idle(now.Add(24 * time.Hour)) {
		t.Error("idleMinutes 0 session must never idle out")
	}
}

func TestSweepDestroysIdle(t *testing.T) {
	m := NewManager()

	stale, _ := m.Resolve("stale", 1, 0)
	stale.mu.Lock()
	stale.lastActivity = time.Now().Add(-2 * time.Minute)
	stale.mu.Unlock()

	fresh, _ := m.Resolve("fresh", 1, 0)

	m.sweep()

	if m.Get("stale") != nil {
		t.Error("stale session survived sweep")
	}
	if !stale.Destroyed() {
		t.Error("stale session not torn down")
	}
	if m.Get("fresh") != fresh {
		t.Error("fresh session removed by sweep")
	}
}

func TestHeartbeatRearm(t *testing.T) {
	m := NewManager()
	fired := make(chan string, 4)
	m.OnHeartbeat(func(s *Session) { fired <- s.Key })

	// Exercise arming and re-arming paths. The interval is in
	// minutes, so nothing fires during the test.
	s, _ := m.Resolve("hb", 1440, 5)
	m.Bookkeep(s)
	m.Destroy("hb", "test")

	select {
	case key := <-fired:
		t.Errorf("heartbeat fired unexpectedly for %q", key)
	case <-time.After(50 * time.Millisecond):
	}

	s.mu.Lock()
	hb := s.heartbeat
	s.mu.Unlock()
	if hb != nil {
		t.Error("heartbeat timer not cleared on destroy")
	}
}
