// Package relay runs one or more providers as a long-lived listening
// service, feeding inbound messages to the auto-reply engine. It also
// hosts the provider factory the CLI verbs use.
package relay

import (
	"context"
	"fmt"

	"github.com/clawdis/warelay/internal/config"
	"github.com/clawdis/warelay/internal/provider"
	"github.com/clawdis/warelay/internal/provider/telegram"
	"github.com/clawdis/warelay/internal/provider/twilio"
	"github.com/clawdis/warelay/internal/provider/whatsapp"
)

// New creates an uninitialised provider for the kind.
func New(kind provider.Kind, tuning *provider.RelayTuning) (provider.Provider, error) {
	if tuning == nil {
		tuning = provider.DefaultTuning()
	}
	switch kind {
	case provider.KindWhatsAppWeb:
		return whatsapp.New(tuning), nil
	case provider.KindWhatsAppTwilio:
		return twilio.New(tuning), nil
	case provider.KindTelegram:
		return telegram.New(tuning), nil
	}
	return nil, fmt.Errorf("unknown provider kind %q", kind)
}

// Connect creates and initialises a provider in one step.
func Connect(ctx context.Context, kind provider.Kind, cfg *config.Config, tuning *provider.RelayTuning) (provider.Provider, error) {
	p, err := New(kind, tuning)
	if err != nil {
		return nil, err
	}
	if err := p.Initialize(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize %s: %w", kind, err)
	}
	return p, nil
}
