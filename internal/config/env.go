package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// TwilioEnv holds the wa-twilio credential set. Exactly one of
// AuthToken or the APIKey+APISecret pair must be present.
type TwilioEnv struct {
	AccountSID string `env:"TWILIO_ACCOUNT_SID"`
	AuthToken  string `env:"TWILIO_AUTH_TOKEN"`
	APIKey     string `env:"TWILIO_API_KEY"`
	APISecret  string `env:"TWILIO_API_SECRET"`
	From       string `env:"TWILIO_WHATSAPP_FROM"`
	SenderSID  string `env:"TWILIO_SENDER_SID"`
}

// LoadTwilioEnv parses the Twilio environment without validating it.
func LoadTwilioEnv() (*TwilioEnv, error) {
	var e TwilioEnv
	if err := env.Parse(&e); err != nil {
		return nil, fmt.Errorf("failed to parse twilio environment: %w", err)
	}
	return &e, nil
}

// Validate returns every problem with the credential set.
func (e *TwilioEnv) Validate() []string {
	var issues []string
	if e.AccountSID == "" {
		issues = append(issues, "TWILIO_ACCOUNT_SID is not set")
	}
	hasToken := e.AuthToken != ""
	hasKey := e.APIKey != ""
	hasSecret := e.APISecret != ""
	switch {
	case hasToken && (hasKey || hasSecret):
		issues = append(issues, "TWILIO_AUTH_TOKEN and TWILIO_API_KEY/TWILIO_API_SECRET are mutually exclusive")
	case hasKey && !hasSecret:
		issues = append(issues, "TWILIO_API_KEY is set but TWILIO_API_SECRET is missing")
	case hasSecret && !hasKey:
		issues = append(issues, "TWILIO_API_SECRET is set but TWILIO_API_KEY is missing")
	case !hasToken && !hasKey && !hasSecret:
		issues = append(issues, "no Twilio credentials: set TWILIO_AUTH_TOKEN or TWILIO_API_KEY+TWILIO_API_SECRET")
	}
	if e.From == "" {
		issues = append(issues, "TWILIO_WHATSAPP_FROM is not set")
	} else if !strings.HasPrefix(e.From, "whatsapp:+") {
		issues = append(issues, fmt.Sprintf("TWILIO_WHATSAPP_FROM must look like whatsapp:+E164, got %q", e.From))
	}
	return issues
}

// Complete reports whether the set is usable, for relay auto-detection.
func (e *TwilioEnv) Complete() bool {
	return len(e.Validate()) == 0
}

// UsesAPIKey reports whether the key+secret pair authenticates instead
// of the auth token.
func (e *TwilioEnv) UsesAPIKey() bool {
	return e.APIKey != "" && e.APISecret != ""
}

// TelegramEnv holds the MTProto application credentials.
type TelegramEnv struct {
	APIID      int    `env:"TELEGRAM_API_ID"`
	APIHash    string `env:"TELEGRAM_API_HASH"`
	MaxMediaMB int    `env:"TELEGRAM_MAX_MEDIA_MB"`
	TempDir    string `env:"TELEGRAM_TEMP_DIR"`
}

// LoadTelegramEnv parses the Telegram environment without validating it.
func LoadTelegramEnv() (*TelegramEnv, error) {
	var e TelegramEnv
	if err := env.Parse(&e); err != nil {
		return nil, fmt.Errorf("failed to parse telegram environment: %w", err)
	}
	return &e, nil
}

// Validate returns every problem with the credential set. The API id
// and hash must appear together.
func (e *TelegramEnv) Validate() []string {
	var issues []string
	hasID := e.APIID != 0
	hasHash := e.APIHash != ""
	switch {
	case hasID && !hasHash:
		issues = append(issues, "TELEGRAM_API_ID is set but TELEGRAM_API_HASH is missing")
	case hasHash && !hasID:
		issues = append(issues, "TELEGRAM_API_HASH is set but TELEGRAM_API_ID is missing")
	case !hasID && !hasHash:
		issues = append(issues, "TELEGRAM_API_ID and TELEGRAM_API_HASH are not set")
	}
	return issues
}

// Complete reports whether the set is usable, for relay auto-detection.
func (e *TelegramEnv) Complete() bool {
	return len(e.Validate()) == 0
}
