package autoreply

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/clawdis/warelay/internal/config"
	"github.com/clawdis/warelay/internal/provider"
	"github.com/clawdis/warelay/internal/session"
)

const testSender = "+27820000001"

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestEngine(t *testing.T, mutate func(*config.Config)) (*Engine, *fakeProvider, *session.Manager) {
	t.Helper()

	cfg := config.Default()
	cfg.Inbound.AllowFrom = []string{testSender}
	if mutate != nil {
		mutate(cfg)
	}

	mgr := session.NewManager()
	t.Cleanup(func() { mgr.DestroyAll("test") })

	e := New(cfg, mgr, nil)
	p := newFakeProvider(provider.KindWhatsAppWeb)
	e.Attach(p)
	return e, p, mgr
}

func inbound(e *Engine, p *fakeProvider, body string) {
	e.Inbound(context.Background(), p, &provider.InboundMessage{
		ID:       "msg-1",
		From:     testSender,
		Body:     body,
		Provider: p.Kind(),
	})
}

func TestAllowed(t *testing.T) {
	kind := provider.KindWhatsAppWeb

	tests := []struct {
		name      string
		allowFrom []string
		from      string
		want      bool
	}{
		{"nil list allows everyone", nil, "+15550001111", true},
		{"empty list denies everyone", []string{}, "+15550001111", false},
		{"exact match", []string{"+27821234567"}, "+27821234567", true},
		{"prefixed entry matches bare sender", []string{"whatsapp:+27821234567"}, "+27821234567", true},
		{"jid sender with device suffix matches e164 entry", []string{"+27821234567"}, "27821234567:17@s.whatsapp.net", true},
		{"different number rejected", []string{"+27821234567"}, "+27829999999", false},
		{"second entry matches", []string{"+111", "+27821234567"}, "+27821234567", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Allowed(kind, tt.allowFrom, tt.from); got != tt.want {
				t.Errorf("Allowed(%v, %q) = %v, want %v", tt.allowFrom, tt.from, got, tt.want)
			}
		})
	}
}

func TestGroupAllowed(t *testing.T) {
	group := "12036304000-1633000@g.us"

	tests := []struct {
		name      string
		mentions  bool
		allowFrom []string
		want      bool
	}{
		{"mention passes", true, nil, true},
		{"allow-listed group passes", false, []string{group}, true},
		{"neither discards", false, []string{"+27821234567"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := &provider.InboundMessage{
				From:         group,
				ChatType:     provider.ChatGroup,
				MentionsSelf: tt.mentions,
			}
			if got := groupAllowed(msg, tt.allowFrom); got != tt.want {
				t.Errorf("groupAllowed = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTextModeReply(t *testing.T) {
	e, p, _ := newTestEngine(t, func(cfg *config.Config) {
		cfg.Inbound.Reply.Mode = config.ModeText
		cfg.Inbound.Reply.Text = "auto: {{Body}}"
	})

	inbound(e, p, "hello")

	msg := p.waitSend(t)
	if msg.Body != "auto: hello" {
		t.Errorf("reply body = %q, want %q", msg.Body, "auto: hello")
	}
	if msg.To != testSender {
		t.Errorf("reply to = %q, want %q", msg.To, testSender)
	}
}

func TestCommandModeReply(t *testing.T) {
	e, p, mgr := newTestEngine(t, func(cfg *config.Config) {
		cfg.Inbound.Reply.Mode = config.ModeCommand
		cfg.Inbound.Reply.Command = []string{"sh", "-c", "echo reply-{{Body}}"}
	})

	inbound(e, p, "hi")

	msg := p.waitSend(t)
	if msg.Body != "reply-hi" {
		t.Errorf("reply body = %q, want %q", msg.Body, "reply-hi")
	}
	if p.typingCount() == 0 {
		t.Error("no typing indicator before the reply")
	}

	if sess := mgr.Get(testSender); sess == nil {
		t.Error("session not retained after reply")
	}
}

func TestSecondMessageReusesSession(t *testing.T) {
	e, p, mgr := newTestEngine(t, func(cfg *config.Config) {
		cfg.Inbound.Reply.Mode = config.ModeCommand
		cfg.Inbound.Reply.Command = []string{"sh", "-c", "echo ok-{{Body}}"}
	})

	inbound(e, p, "one")
	p.waitSend(t)
	sess := mgr.Get(testSender)
	if sess == nil {
		t.Fatal("no session after first turn")
	}
	firstID := sess.ID

	inbound(e, p, "two")
	p.waitSend(t)
	if got := mgr.Get(testSender).ID; got != firstID {
		t.Errorf("session ID changed between turns: %q then %q", firstID, got)
	}
}

func TestHeartbeatOKSuppressed(t *testing.T) {
	e, p, mgr := newTestEngine(t, func(cfg *config.Config) {
		cfg.Inbound.Reply.Mode = config.ModeCommand
		cfg.Inbound.Reply.Command = []string{"sh", "-c", "echo HEARTBEAT_OK"}
	})

	inbound(e, p, "ping")

	p.expectNoSend(t, 600*time.Millisecond)
	if mgr.Get(testSender) == nil {
		t.Error("suppressed reply should not destroy the session")
	}
}

func TestAgentCrashSendsApology(t *testing.T) {
	e, p, mgr := newTestEngine(t, func(cfg *config.Config) {
		cfg.Inbound.Reply.Mode = config.ModeCommand
		cfg.Inbound.Reply.Command = []string{"sh", "-c", "exit 7"}
	})

	inbound(e, p, "hi")

	msg := p.waitSend(t)
	if !strings.Contains(msg.Body, "Sorry") {
		t.Errorf("expected apology, got %q", msg.Body)
	}
	waitFor(t, "session teardown", func() bool { return mgr.Get(testSender) == nil })
}

func TestMediaMarkerBecomesAttachment(t *testing.T) {
	e, p, _ := newTestEngine(t, func(cfg *config.Config) {
		cfg.Inbound.Reply.Mode = config.ModeCommand
		cfg.Inbound.Reply.Command = []string{"sh", "-c", `printf 'here you go\nMEDIA:/tmp/warelay-test.png\n'`}
	})

	inbound(e, p, "photo please")

	msg := p.waitSend(t)
	if msg.Body != "here you go" {
		t.Errorf("body = %q, want %q", msg.Body, "here you go")
	}
	if len(msg.Media) != 1 {
		t.Fatalf("attachments = %d, want 1", len(msg.Media))
	}
	if msg.Media[0].Path != "/tmp/warelay-test.png" {
		t.Errorf("attachment path = %q", msg.Media[0].Path)
	}
}

func TestChunkedReplies(t *testing.T) {
	e, p, _ := newTestEngine(t, func(cfg *config.Config) {
		cfg.Inbound.ChunkReplies = true
		cfg.Inbound.Reply.Mode = config.ModeCommand
		cfg.Inbound.Reply.Command = []string{"sh", "-c", `printf 'first part\n\nsecond part\n'`}
	})

	inbound(e, p, "go")

	first := p.waitSend(t)
	if first.Body != "first part" {
		t.Errorf("first chunk = %q", first.Body)
	}
	second := p.waitSend(t)
	if second.Body != "second part" {
		t.Errorf("second chunk = %q", second.Body)
	}
}

func TestDeniedSenderDiscarded(t *testing.T) {
	e, p, mgr := newTestEngine(t, func(cfg *config.Config) {
		cfg.Inbound.AllowFrom = []string{"+15550009999"}
		cfg.Inbound.Reply.Mode = config.ModeText
		cfg.Inbound.Reply.Text = "should never go out"
	})

	inbound(e, p, "hi")

	p.expectNoSend(t, 400*time.Millisecond)
	if mgr.Count() != 0 {
		t.Error("rejected sender created a session")
	}
}

func TestSendRetriesOnce(t *testing.T) {
	old := sendRetryDelay
	sendRetryDelay = 10 * time.Millisecond
	defer func() { sendRetryDelay = old }()

	e, p, _ := newTestEngine(t, func(cfg *config.Config) {
		cfg.Inbound.Reply.Mode = config.ModeText
		cfg.Inbound.Reply.Text = "retry me"
	})
	p.failFirst = 1

	inbound(e, p, "hi")

	msg := p.waitSend(t)
	if msg.Body != "retry me" {
		t.Errorf("body = %q", msg.Body)
	}
	if got := p.sentCount(); got != 1 {
		t.Errorf("sent count = %d, want 1 (first attempt rejected)", got)
	}
}

func TestCleanupInvokedAfterTurn(t *testing.T) {
	e, p, _ := newTestEngine(t, func(cfg *config.Config) {
		cfg.Inbound.Reply.Mode = config.ModeText
		cfg.Inbound.Reply.Text = "ok"
	})

	var cleaned atomic.Int32
	e.Inbound(context.Background(), p, &provider.InboundMessage{
		ID:       "msg-1",
		From:     testSender,
		Body:     "hi",
		Provider: p.Kind(),
		Cleanup:  func() { cleaned.Add(1) },
	})

	p.waitSend(t)
	waitFor(t, "cleanup closure", func() bool { return cleaned.Load() == 1 })
}

func TestEphemeralSessionDestroyedAfterReply(t *testing.T) {
	e, p, mgr := newTestEngine(t, func(cfg *config.Config) {
		zero := 0
		cfg.Inbound.Reply.Session.IdleMinutes = &zero
		cfg.Inbound.Reply.Mode = config.ModeCommand
		cfg.Inbound.Reply.Command = []string{"sh", "-c", "echo done"}
	})

	inbound(e, p, "hi")

	p.waitSend(t)
	waitFor(t, "one-shot session teardown", func() bool { return mgr.Get(testSender) == nil })
}

func TestIdentityPrompt(t *testing.T) {
	p := newFakeProvider(provider.KindTelegram)
	got := BuildIdentity(p, "/tmp/scratch", []provider.Kind{provider.KindWhatsAppWeb, provider.KindTelegram})

	for _, want := range []string{
		"Telegram",
		"MEDIA:/absolute/path/to/file",
		"16 MB",
		"/tmp/scratch",
		"HEARTBEAT_OK",
		"WhatsApp Web, Telegram",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("identity prompt missing %q:\n%s", want, got)
		}
	}
}

func TestStripMention(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"@operator do the thing", "do the thing"},
		{"no mention here", "no mention here"},
		{"@operator", ""},
		{"  @bot  trailing", "trailing"},
	}
	for _, tt := range tests {
		if got := stripMention(tt.in); got != tt.want {
			t.Errorf("stripMention(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
