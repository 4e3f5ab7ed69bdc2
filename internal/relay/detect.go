package relay

import (
	"fmt"
	"os"
	"strings"

	"github.com/clawdis/warelay/internal/config"
	. "github.com/clawdis/warelay/internal/logging"
	"github.com/clawdis/warelay/internal/provider"
	"github.com/clawdis/warelay/internal/provider/telegram"
	"github.com/clawdis/warelay/internal/provider/whatsapp"
)

// probes report, per kind, whether on-disk or env state says the
// provider is ready to run. Swappable for tests.
var probes = map[provider.Kind]func() bool{
	provider.KindWhatsAppWeb: func() bool {
		info, err := os.Stat(whatsapp.DBPath())
		return err == nil && info.Size() > 0
	},
	provider.KindTelegram: telegram.SessionFileExists,
	provider.KindWhatsAppTwilio: func() bool {
		env, err := config.LoadTwilioEnv()
		return err == nil && env.Complete()
	},
}

// detectOrder is the deterministic auto-detection precedence.
var detectOrder = []provider.Kind{
	provider.KindWhatsAppWeb,
	provider.KindTelegram,
	provider.KindWhatsAppTwilio,
}

// Configured returns every provider kind whose credentials are present,
// in detection order.
func Configured() []provider.Kind {
	var kinds []provider.Kind
	for _, kind := range detectOrder {
		if probes[kind]() {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}

// AutoDetect picks the first configured provider. It errors when no
// provider has credentials, naming what was probed.
func AutoDetect() (provider.Kind, error) {
	configured := Configured()
	if len(configured) == 0 {
		return "", fmt.Errorf("no provider is configured: " +
			"pair wa-web with 'warelay login --provider wa-web', " +
			"log in to telegram, or set the TWILIO_* environment variables")
	}
	if len(configured) > 1 {
		L_info("multiple providers configured, auto-detect picked the first",
			"selected", configured[0], "alsoConfigured", kindList(configured[1:]))
	}
	return configured[0], nil
}

// ReportUnselected logs configured providers left out of an explicit
// selection, so the operator knows they exist.
func ReportUnselected(selected []provider.Kind) {
	chosen := make(map[provider.Kind]bool, len(selected))
	for _, k := range selected {
		chosen[k] = true
	}
	var skipped []provider.Kind
	for _, k := range Configured() {
		if !chosen[k] {
			skipped = append(skipped, k)
		}
	}
	if len(skipped) > 0 {
		L_info("other configured providers are not part of this run", "providers", kindList(skipped))
	}
}

func kindList(kinds []provider.Kind) string {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	return strings.Join(names, ", ")
}
