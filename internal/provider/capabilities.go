package provider

import (
	"fmt"
	"os"
	"strconv"
	"sync"

	. "github.com/clawdis/warelay/internal/logging"
)

var capWarnings sync.Map

// warnOnce logs a capability warning a single time per key, so repeated
// Capabilities() probes don't spam the log.
func warnOnce(key, msg string) {
	if _, seen := capWarnings.LoadOrStore(key, true); !seen {
		L_warn(msg)
	}
}

// Capabilities describes what a backend can do. Callers branch on these
// rather than on the kind.
type Capabilities struct {
	DeliveryReceipts        bool
	ReadReceipts            bool
	TypingIndicator         bool
	Reactions               bool
	Replies                 bool
	Editing                 bool
	Deleting                bool
	CanInitiateConversation bool

	// MaxMediaSize is the largest attachment the backend accepts, in
	// bytes. Enforced before any network traffic.
	MaxMediaSize int64

	// MimeTypes lists acceptable MIME patterns ("image/*", "video/mp4").
	MimeTypes []string
}

const (
	twilioMaxMediaSize   = 5 << 20  // 5 MiB
	webMaxMediaSize      = 64 << 20 // 64 MiB
	telegramMaxMediaSize = 2 << 30  // 2 GiB

	// EnvTelegramMaxMediaMB overrides Telegram's media limit, in whole
	// megabytes, clamped to 2048.
	EnvTelegramMaxMediaMB = "TELEGRAM_MAX_MEDIA_MB"
)

// CapabilitiesFor returns the static capability record for a kind.
// Telegram's media limit is read from the environment at call time.
func CapabilitiesFor(kind Kind) Capabilities {
	switch kind {
	case KindWhatsAppWeb:
		return Capabilities{
			TypingIndicator:         true,
			Reactions:               true,
			Replies:                 true,
			Deleting:                true,
			CanInitiateConversation: true,
			MaxMediaSize:            webMaxMediaSize,
			MimeTypes:               []string{"image/*", "video/*", "audio/*", "application/*"},
		}
	case KindWhatsAppTwilio:
		return Capabilities{
			DeliveryReceipts:        true,
			ReadReceipts:            true,
			CanInitiateConversation: true,
			MaxMediaSize:            twilioMaxMediaSize,
			MimeTypes:               []string{"image/jpeg", "image/png", "audio/ogg", "video/mp4", "application/pdf"},
		}
	case KindTelegram:
		return Capabilities{
			TypingIndicator:         true,
			Reactions:               true,
			Replies:                 true,
			Editing:                 true,
			Deleting:                true,
			CanInitiateConversation: true,
			MaxMediaSize:            telegramMediaLimit(os.Getenv),
			MimeTypes:               []string{"*/*"},
		}
	}
	return Capabilities{}
}

// telegramMediaLimit resolves the Telegram attachment cap. Invalid
// overrides fall back to the 2 GiB default with a warning; oversized
// values are clamped.
func telegramMediaLimit(getenv func(string) string) int64 {
	raw := getenv(EnvTelegramMaxMediaMB)
	if raw == "" {
		return telegramMaxMediaSize
	}
	mb, err := strconv.Atoi(raw)
	if err != nil || mb <= 0 {
		warnOnce(EnvTelegramMaxMediaMB, fmt.Sprintf("ignoring invalid %s=%q, using 2 GiB", EnvTelegramMaxMediaMB, raw))
		return telegramMaxMediaSize
	}
	if mb > 2048 {
		warnOnce(EnvTelegramMaxMediaMB+":clamp", fmt.Sprintf("%s=%d exceeds 2048, clamping", EnvTelegramMaxMediaMB, mb))
		mb = 2048
	}
	return int64(mb) << 20
}

// FormatMediaSize renders a byte count for the identity prompt (B, KB,
// MB or GB, one decimal at most).
func FormatMediaSize(n int64) string {
	switch {
	case n >= 1<<30:
		return trimUnit(float64(n)/(1<<30), "GB")
	case n >= 1<<20:
		return trimUnit(float64(n)/(1<<20), "MB")
	case n >= 1<<10:
		return trimUnit(float64(n)/(1<<10), "KB")
	}
	return fmt.Sprintf("%d B", n)
}

func trimUnit(v float64, unit string) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d %s", int64(v), unit)
	}
	return fmt.Sprintf("%.1f %s", v, unit)
}
