package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func intPtr(n int) *int { return &n }

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "clawdis.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("default logging.level = %q, want info", cfg.Logging.Level)
	}
	if cfg.Inbound.Reply.Mode != ModeText {
		t.Errorf("default reply.mode = %q, want text", cfg.Inbound.Reply.Mode)
	}
	if cfg.Inbound.Reply.Session.Scope != ScopePerSender {
		t.Errorf("default session.scope = %q, want per-sender", cfg.Inbound.Reply.Session.Scope)
	}
	if cfg.Inbound.AllowFrom != nil {
		t.Error("default allowFrom should be absent (nil)")
	}
}

func TestLoadParsesAndKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clawdis.json")
	raw := `{
  "logging": {"level": "debug"},
  "inbound": {
    "allowFrom": ["+15551234567"],
    "reply": {
      "mode": "command",
      "command": ["claude", "--print"],
      "session": {"scope": "per-sender", "idleMinutes": 60},
      "heartbeatMinutes": 30
    }
  },
  "providers": {
    "telegram": {"allowFrom": ["telegram:@alice"]}
  }
}`
	if err := os.WriteFile(path, []byte(raw), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging.level = %q, want debug", cfg.Logging.Level)
	}
	if len(cfg.Inbound.Reply.Command) != 2 || cfg.Inbound.Reply.Command[0] != "claude" {
		t.Errorf("reply.command = %v", cfg.Inbound.Reply.Command)
	}
	if cfg.Inbound.Reply.Session.EffectiveIdleMinutes() != 60 {
		t.Errorf("idle minutes = %d, want 60", cfg.Inbound.Reply.Session.EffectiveIdleMinutes())
	}
	if issues := cfg.Validate(); len(issues) != 0 {
		t.Errorf("unexpected validation issues: %v", issues)
	}
}

func TestEffectiveIdleMinutes(t *testing.T) {
	tests := []struct {
		name string
		cfg  SessionConfig
		want int
	}{
		{"absent defaults", SessionConfig{}, DefaultIdleMinutes},
		{"explicit zero kept", SessionConfig{IdleMinutes: intPtr(0)}, 0},
		{"explicit value", SessionConfig{IdleMinutes: intPtr(15)}, 15},
		{"negative falls back", SessionConfig{IdleMinutes: intPtr(-1)}, DefaultIdleMinutes},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.EffectiveIdleMinutes(); got != tt.want {
				t.Errorf("EffectiveIdleMinutes = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestInboundForOverlay(t *testing.T) {
	cfg := &Config{
		Inbound: InboundConfig{
			AllowFrom: []string{"+15551234567"},
			Reply: ReplyConfig{
				Mode:             ModeCommand,
				Command:          []string{"agent"},
				HeartbeatMinutes: 30,
			},
		},
		Providers: map[string]InboundConfig{
			"telegram": {
				AllowFrom: []string{"telegram:@alice"},
			},
			"wa-twilio": {
				Reply: ReplyConfig{HeartbeatMinutes: 5},
			},
		},
	}

	t.Run("per-provider allowFrom replaces global", func(t *testing.T) {
		in := cfg.InboundFor("telegram")
		if len(in.AllowFrom) != 1 || in.AllowFrom[0] != "telegram:@alice" {
			t.Errorf("allowFrom = %v", in.AllowFrom)
		}
		if in.Reply.Mode != ModeCommand {
			t.Errorf("reply.mode should inherit, got %q", in.Reply.Mode)
		}
	})

	t.Run("per-provider scalar overrides", func(t *testing.T) {
		in := cfg.InboundFor("wa-twilio")
		if in.Reply.HeartbeatMinutes != 5 {
			t.Errorf("heartbeatMinutes = %d, want 5", in.Reply.HeartbeatMinutes)
		}
		if len(in.AllowFrom) != 1 || in.AllowFrom[0] != "+15551234567" {
			t.Errorf("allowFrom should inherit global, got %v", in.AllowFrom)
		}
	})

	t.Run("unknown kind falls back to global", func(t *testing.T) {
		in := cfg.InboundFor("wa-web")
		if len(in.AllowFrom) != 1 || in.AllowFrom[0] != "+15551234567" {
			t.Errorf("allowFrom = %v", in.AllowFrom)
		}
	})
}

func TestValidateCollectsAllIssues(t *testing.T) {
	cfg := &Config{
		Logging: LoggingConfig{Level: "loud"},
		Inbound: InboundConfig{
			AllowFrom: []string{" "},
			Reply: ReplyConfig{
				Mode:             ModeCommand,
				Session:          SessionConfig{Scope: "everyone", IdleMinutes: intPtr(-5)},
				HeartbeatMinutes: -1,
			},
		},
		Providers: map[string]InboundConfig{
			"signal": {},
		},
	}
	issues := cfg.Validate()
	if len(issues) < 6 {
		t.Fatalf("expected at least 6 issues, got %d: %v", len(issues), issues)
	}
	joined := strings.Join(issues, "\n")
	for _, want := range []string{
		"logging.level",
		"reply.command",
		"session.scope",
		"idleMinutes",
		"heartbeatMinutes",
		"providers.signal",
		"allowFrom[0]",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("issues missing %q:\n%s", want, joined)
		}
	}
}

func TestTwilioEnvValidate(t *testing.T) {
	tests := []struct {
		name     string
		env      TwilioEnv
		complete bool
		wantSub  string
	}{
		{
			name:     "auth token ok",
			env:      TwilioEnv{AccountSID: "AC123", AuthToken: "tok", From: "whatsapp:+15551234567"},
			complete: true,
		},
		{
			name:     "api key pair ok",
			env:      TwilioEnv{AccountSID: "AC123", APIKey: "SK1", APISecret: "sec", From: "whatsapp:+15551234567"},
			complete: true,
		},
		{
			name:    "key without secret",
			env:     TwilioEnv{AccountSID: "AC123", APIKey: "SK1", From: "whatsapp:+15551234567"},
			wantSub: "TWILIO_API_SECRET is missing",
		},
		{
			name:    "token and key together",
			env:     TwilioEnv{AccountSID: "AC123", AuthToken: "tok", APIKey: "SK1", APISecret: "sec", From: "whatsapp:+15551234567"},
			wantSub: "mutually exclusive",
		},
		{
			name:    "no credentials",
			env:     TwilioEnv{AccountSID: "AC123", From: "whatsapp:+15551234567"},
			wantSub: "no Twilio credentials",
		},
		{
			name:    "bad from format",
			env:     TwilioEnv{AccountSID: "AC123", AuthToken: "tok", From: "+15551234567"},
			wantSub: "whatsapp:+E164",
		},
		{
			name:    "missing account sid",
			env:     TwilioEnv{AuthToken: "tok", From: "whatsapp:+15551234567"},
			wantSub: "TWILIO_ACCOUNT_SID",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issues := tt.env.Validate()
			if tt.complete {
				if len(issues) != 0 {
					t.Errorf("expected no issues, got %v", issues)
				}
				if !tt.env.Complete() {
					t.Error("Complete() should be true")
				}
				return
			}
			joined := strings.Join(issues, "\n")
			if !strings.Contains(joined, tt.wantSub) {
				t.Errorf("issues missing %q:\n%s", tt.wantSub, joined)
			}
		})
	}
}

func TestTelegramEnvValidate(t *testing.T) {
	tests := []struct {
		name     string
		env      TelegramEnv
		complete bool
		wantSub  string
	}{
		{"both present", TelegramEnv{APIID: 12345, APIHash: "abc"}, true, ""},
		{"id without hash", TelegramEnv{APIID: 12345}, false, "TELEGRAM_API_HASH is missing"},
		{"hash without id", TelegramEnv{APIHash: "abc"}, false, "TELEGRAM_API_ID is missing"},
		{"neither", TelegramEnv{}, false, "are not set"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issues := tt.env.Validate()
			if tt.complete != (len(issues) == 0) {
				t.Fatalf("complete = %v, issues = %v", tt.complete, issues)
			}
			if !tt.complete && !strings.Contains(strings.Join(issues, "\n"), tt.wantSub) {
				t.Errorf("issues missing %q: %v", tt.wantSub, issues)
			}
		})
	}
}

func TestAtomicWriteAndBackupRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clawdis.json")

	for i := 0; i < 3; i++ {
		if err := BackupAndWriteJSON(path, map[string]int{"rev": i}, 2); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"rev": 2`) {
		t.Errorf("current file should hold rev 2, got %s", data)
	}
	bak, err := os.ReadFile(path + ".bak")
	if err != nil {
		t.Fatalf("expected .bak to exist: %v", err)
	}
	if !strings.Contains(string(bak), `"rev": 1`) {
		t.Errorf(".bak should hold rev 1, got %s", bak)
	}
	// maxBackups=2 keeps .bak and .bak.1 only
	if _, err := os.Stat(path + ".bak.2"); !os.IsNotExist(err) {
		t.Error(".bak.2 should not exist with maxBackups=2")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".warelay-") {
			t.Errorf("leftover temp file %s", e.Name())
		}
	}
}
