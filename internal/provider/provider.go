// Package provider defines the contract shared by all messaging backends.
// Concrete implementations live in the whatsapp, twilio and telegram
// subpackages; the relay package creates them by kind.
package provider

import (
	"context"
	"fmt"

	"github.com/clawdis/warelay/internal/config"
	. "github.com/clawdis/warelay/internal/logging"
)

// Kind identifies a messaging backend.
type Kind string

const (
	KindWhatsAppWeb    Kind = "wa-web"
	KindWhatsAppTwilio Kind = "wa-twilio"
	KindTelegram       Kind = "telegram"
)

// ParseKind normalises a user-supplied provider name. The legacy names
// "web" and "twilio" are still accepted but warn.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "wa-web":
		return KindWhatsAppWeb, nil
	case "wa-twilio":
		return KindWhatsAppTwilio, nil
	case "telegram":
		return KindTelegram, nil
	case "web":
		L_warn("provider name 'web' is deprecated, use 'wa-web'")
		return KindWhatsAppWeb, nil
	case "twilio":
		L_warn("provider name 'twilio' is deprecated, use 'wa-twilio'")
		return KindWhatsAppTwilio, nil
	}
	return "", fmt.Errorf("unknown provider %q (expected wa-web, wa-twilio or telegram)", s)
}

// Messenger returns the user-facing messenger name for identity prompts.
func (k Kind) Messenger() string {
	switch k {
	case KindWhatsAppWeb, KindWhatsAppTwilio:
		return "WhatsApp"
	case KindTelegram:
		return "Telegram"
	}
	return string(k)
}

// DetailedName returns the long form used in provider listings.
func (k Kind) DetailedName() string {
	switch k {
	case KindWhatsAppWeb:
		return "WhatsApp Web"
	case KindWhatsAppTwilio:
		return "WhatsApp (Twilio)"
	case KindTelegram:
		return "Telegram"
	}
	return string(k)
}

// Handler receives normalised inbound messages. Providers invoke it
// sequentially per stream so arrival order is preserved; panics inside
// the handler are recovered and logged by the provider.
type Handler func(ctx context.Context, msg *InboundMessage)

// Provider is the uniform contract over the three backends.
//
// Send never reports a backend rejection as a Go error: remote refusals
// come back as a SendResult with StatusFailed. Errors are reserved for
// local faults (bad input, no connection, cancelled context).
type Provider interface {
	Kind() Kind
	Capabilities() Capabilities

	// Initialize validates configuration for the kind and prepares the
	// client. It may perform a short handshake but must not block on
	// long network I/O.
	Initialize(ctx context.Context, cfg *config.Config) error
	IsConnected() bool
	// Disconnect is idempotent and safe after a failed Initialize.
	Disconnect() error

	Send(ctx context.Context, to, body string, opts *SendOptions) (*SendResult, error)
	// SendTyping is best-effort and never returns an error to the caller.
	SendTyping(ctx context.Context, to string)
	GetDeliveryStatus(ctx context.Context, messageID string) (*DeliveryStatus, error)

	// OnMessage registers the single inbound handler. Must be called
	// before StartListening.
	OnMessage(h Handler)
	StartListening(ctx context.Context) error
	// StopListening is idempotent and waits for in-flight handler
	// invocations, including their cleanup closures, to finish.
	StopListening() error

	IsAuthenticated(ctx context.Context) bool
	Login(ctx context.Context, opts *LoginOptions) error
	Logout(ctx context.Context) error
	GetSessionID(ctx context.Context) (string, error)
}
