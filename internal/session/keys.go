// Package session tracks per-sender agent sessions: key derivation,
// idle expiry and heartbeat scheduling.
package session

import (
	"strings"

	"github.com/clawdis/warelay/internal/config"
	"github.com/clawdis/warelay/internal/identify"
)

// GlobalKey is the single session key used in global scope.
const GlobalKey = "global"

// UnknownKey is used when the sender identity is absent.
const UnknownKey = "unknown"

// DeriveKey maps a sender identifier to its session key.
//
//	global scope             -> "global"
//	+E164                    -> "+E164"
//	whatsapp:+E164           -> "+E164"
//	<digits>-<digits>@g.us   -> "group:<digits>-<digits>@g.us"
//	telegram:@user           -> "telegram:@user"
//	telegram:<digits>        -> "telegram:<digits>"
//	empty                    -> "unknown"
func DeriveKey(scope string, from string) string {
	if scope == config.ScopeGlobal {
		return GlobalKey
	}

	from = strings.TrimSpace(from)
	if from == "" {
		return UnknownKey
	}

	from = strings.TrimPrefix(from, identify.WhatsAppPrefix)

	if identify.IsGroupJID(from) {
		return "group:" + from
	}

	return from
}
