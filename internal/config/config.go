// Package config loads and validates the warelay configuration file
// (clawdis.json) and the credential environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"dario.cat/mergo"

	"github.com/clawdis/warelay/internal/paths"
)

// Reply modes.
const (
	ModeCommand = "command"
	ModeText    = "text"
)

// Session scopes.
const (
	ScopeGlobal    = "global"
	ScopePerSender = "per-sender"
)

// DefaultIdleMinutes applies when session.idleMinutes is absent.
const DefaultIdleMinutes = 1440

// Config is the top-level clawdis.json schema. Per-provider sections
// override the global inbound settings for that provider only.
type Config struct {
	Logging   LoggingConfig            `json:"logging,omitempty"`
	Inbound   InboundConfig            `json:"inbound,omitempty"`
	Providers map[string]InboundConfig `json:"providers,omitempty"`

	Transcription TranscriptionConfig `json:"transcription,omitempty"`

	// path the config was loaded from, for Save
	path string
}

// LoggingConfig selects the log level by name.
type LoggingConfig struct {
	Level string `json:"level,omitempty"`
}

// InboundConfig controls who may talk to the relay and how replies are
// produced. A nil AllowFrom means "allow all" (warned at startup); an
// empty array denies everyone.
type InboundConfig struct {
	AllowFrom         []string    `json:"allowFrom,omitempty"`
	Reply             ReplyConfig `json:"reply,omitempty"`
	VerboseToolEvents bool        `json:"verboseToolEvents,omitempty"`
	ChunkReplies      bool        `json:"chunkReplies,omitempty"`
}

// ReplyConfig selects between a canned text reply and an agent command.
type ReplyConfig struct {
	Mode             string        `json:"mode,omitempty"`
	Command          []string      `json:"command,omitempty"`
	Text             string        `json:"text,omitempty"`
	Session          SessionConfig `json:"session,omitempty"`
	HeartbeatMinutes int           `json:"heartbeatMinutes,omitempty"`
	SessionIntro     string        `json:"sessionIntro,omitempty"`
}

// SessionConfig scopes conversational context. IdleMinutes is a pointer
// because zero is meaningful (destroy right after the reply completes).
type SessionConfig struct {
	Scope       string `json:"scope,omitempty"`
	IdleMinutes *int   `json:"idleMinutes,omitempty"`
}

// EffectiveIdleMinutes resolves the idle expiry, defaulting to 1440.
func (s SessionConfig) EffectiveIdleMinutes() int {
	if s.IdleMinutes == nil || *s.IdleMinutes < 0 {
		return DefaultIdleMinutes
	}
	return *s.IdleMinutes
}

// TranscriptionConfig enables voice-note transcription before agent
// dispatch. Provider is one of "", "whispercpp", "openai".
type TranscriptionConfig struct {
	Provider  string `json:"provider,omitempty"`
	Model     string `json:"model,omitempty"`
	APIKey    string `json:"apiKey,omitempty"`
	Language  string `json:"language,omitempty"`
	ModelPath string `json:"modelPath,omitempty"`
}

// Enabled reports whether a transcription provider is configured.
func (t TranscriptionConfig) Enabled() bool {
	return t.Provider != ""
}

// Default returns the baseline configuration merged under loaded files.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info"},
		Inbound: InboundConfig{
			Reply: ReplyConfig{
				Mode:    ModeText,
				Session: SessionConfig{Scope: ScopePerSender},
			},
		},
	}
}

// Load reads the config file at path, or the resolved default location
// when path is empty. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = paths.ConfigFilePath()
	}

	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// fresh install, defaults only
	case err != nil:
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := mergo.Merge(cfg, Default()); err != nil {
		return nil, fmt.Errorf("failed to apply config defaults: %w", err)
	}
	cfg.path = path
	return cfg, nil
}

// Save writes the config back to its source path with backup rotation.
func (c *Config) Save() error {
	path := c.path
	if path == "" {
		path = paths.ConfigFilePath()
	}
	return BackupAndWriteJSON(path, c, DefaultBackupCount)
}

// Path returns where the config was loaded from.
func (c *Config) Path() string { return c.path }

// InboundFor resolves the effective inbound settings for a provider
// kind: the per-provider section layered over the global one.
func (c *Config) InboundFor(kind string) InboundConfig {
	out := c.Inbound
	per, ok := c.Providers[kind]
	if !ok {
		return out
	}
	if err := mergo.Merge(&out, per, mergo.WithOverride); err != nil {
		return c.Inbound
	}
	// mergo leaves empty slices alone; allowFrom nil-vs-empty carries
	// meaning, so overlay it explicitly.
	if per.AllowFrom != nil {
		out.AllowFrom = per.AllowFrom
	}
	return out
}

// Validate returns every problem found, not just the first.
func (c *Config) Validate() []string {
	var issues []string

	switch c.Logging.Level {
	case "", "trace", "debug", "info", "warn", "error", "fatal":
	default:
		issues = append(issues, fmt.Sprintf("logging.level: unknown level %q", c.Logging.Level))
	}

	issues = append(issues, validateInbound("inbound", c.Inbound)...)
	for kind, per := range c.Providers {
		switch kind {
		case "wa-web", "wa-twilio", "telegram":
		default:
			issues = append(issues, fmt.Sprintf("providers.%s: unknown provider kind", kind))
		}
		issues = append(issues, validateInbound("providers."+kind, per)...)
	}

	switch c.Transcription.Provider {
	case "", "whispercpp", "openai":
	default:
		issues = append(issues, fmt.Sprintf("transcription.provider: unknown provider %q", c.Transcription.Provider))
	}

	return issues
}

func validateInbound(prefix string, in InboundConfig) []string {
	var issues []string
	r := in.Reply

	switch r.Mode {
	case "", ModeText:
		// canned text may legitimately be empty (suppressed replies)
	case ModeCommand:
		if len(r.Command) == 0 {
			issues = append(issues, prefix+".reply.command: mode is 'command' but no command given")
		}
	default:
		issues = append(issues, fmt.Sprintf("%s.reply.mode: must be 'command' or 'text', got %q", prefix, r.Mode))
	}

	switch r.Session.Scope {
	case "", ScopeGlobal, ScopePerSender:
	default:
		issues = append(issues, fmt.Sprintf("%s.reply.session.scope: must be 'global' or 'per-sender', got %q", prefix, r.Session.Scope))
	}
	if r.Session.IdleMinutes != nil && *r.Session.IdleMinutes < 0 {
		issues = append(issues, fmt.Sprintf("%s.reply.session.idleMinutes: must be >= 0, got %d", prefix, *r.Session.IdleMinutes))
	}
	if r.HeartbeatMinutes < 0 {
		issues = append(issues, fmt.Sprintf("%s.reply.heartbeatMinutes: must be >= 0, got %d", prefix, r.HeartbeatMinutes))
	}

	for i, entry := range in.AllowFrom {
		if strings.TrimSpace(entry) == "" {
			issues = append(issues, fmt.Sprintf("%s.allowFrom[%d]: empty entry", prefix, i))
		}
	}

	return issues
}
