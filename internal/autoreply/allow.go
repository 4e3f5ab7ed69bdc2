// Package autoreply runs the inbound pipeline: allow-list, group
// policy, transcription, session dispatch, agent streaming and reply
// delivery.
package autoreply

import (
	"github.com/clawdis/warelay/internal/identify"
	"github.com/clawdis/warelay/internal/provider"
)

// Allowed reports whether a sender passes the allow-list. A nil list
// allows everyone; an empty non-nil list denies everyone. Entries and
// the sender are compared in canonical form, so "+27821234567",
// "whatsapp:+27821234567" and a device-suffixed JID of the same number
// all match one entry.
func Allowed(kind provider.Kind, allowFrom []string, from string) bool {
	if allowFrom == nil {
		return true
	}

	sender := canonicalOrRaw(kind, from)
	for _, entry := range allowFrom {
		if canonicalOrRaw(kind, entry) == sender {
			return true
		}
	}
	return false
}

// groupAllowed applies the group policy: a group message is processed
// only when it mentions the operator or the group JID itself is
// allow-listed.
func groupAllowed(msg *provider.InboundMessage, allowFrom []string) bool {
	if msg.MentionsSelf {
		return true
	}
	for _, entry := range allowFrom {
		if entry == msg.From {
			return true
		}
	}
	return false
}

func canonicalOrRaw(kind provider.Kind, s string) string {
	c, err := identify.Canonical(kind, s)
	if err != nil {
		return s
	}
	return c
}
