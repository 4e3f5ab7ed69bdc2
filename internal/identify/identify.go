// Package identify normalises sender and recipient identifiers across
// providers. Canonical forms: E.164 with a leading + for WhatsApp,
// @username (lowercased) or a decimal user id for Telegram. Group JIDs
// pass through untouched.
package identify

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/clawdis/warelay/internal/provider"
)

const (
	// WhatsAppPrefix namespaces Twilio-style recipients ("whatsapp:+1...").
	WhatsAppPrefix = "whatsapp:"
	// TelegramPrefix namespaces Telegram identifiers in shared maps.
	TelegramPrefix = "telegram:"

	userServer  = "s.whatsapp.net"
	groupServer = "g.us"
	lidServer   = "lid"
)

// CanonicalPhone reduces a phone-number-ish string to E.164 (+digits).
// Separators (spaces, dashes, dots, parens) are stripped, whatsapp:
// prefixes removed, a missing leading + supplied. Anything else is
// rejected.
func CanonicalPhone(s string) (string, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, WhatsAppPrefix)
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("empty phone number")
	}

	var digits strings.Builder
	for i, r := range s {
		switch {
		case unicode.IsDigit(r):
			digits.WriteRune(r)
		case r == '+' && i == 0:
			// leading plus re-added below
		case r == ' ' || r == '-' || r == '.' || r == '(' || r == ')':
			// separator
		default:
			return "", fmt.Errorf("invalid character %q in phone number %q", r, s)
		}
	}
	if digits.Len() == 0 {
		return "", fmt.Errorf("no digits in phone number %q", s)
	}
	return "+" + digits.String(), nil
}

// CanonicalTelegram reduces a Telegram identifier to @username
// (lowercased) or a bare decimal id. A telegram: prefix is stripped;
// phone numbers are accepted and reduced to E.164.
func CanonicalTelegram(s string) (string, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, TelegramPrefix)
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("empty telegram identifier")
	}
	if strings.HasPrefix(s, "@") {
		name := strings.ToLower(strings.TrimPrefix(s, "@"))
		if name == "" {
			return "", fmt.Errorf("empty telegram username")
		}
		return "@" + name, nil
	}
	if isDigits(s) {
		return s, nil
	}
	if strings.HasPrefix(s, "+") {
		return CanonicalPhone(s)
	}
	// Bare usernames are tolerated and get their @ back.
	if isUsername(s) {
		return "@" + strings.ToLower(s), nil
	}
	return "", fmt.Errorf("unrecognised telegram identifier %q", s)
}

// Canonical normalises an identifier for the given provider kind.
// Group JIDs are returned unchanged for any kind.
func Canonical(kind provider.Kind, s string) (string, error) {
	if IsGroupJID(s) {
		return s, nil
	}
	switch kind {
	case provider.KindWhatsAppWeb, provider.KindWhatsAppTwilio:
		if strings.Contains(s, "@"+userServer) || strings.Contains(s, "@"+lidServer) {
			if phone, ok := JIDToPhone(s); ok {
				return phone, nil
			}
			return "", fmt.Errorf("jid %q has no phone form", s)
		}
		return CanonicalPhone(s)
	case provider.KindTelegram:
		return CanonicalTelegram(s)
	}
	return "", fmt.Errorf("unknown provider kind %q", kind)
}

// PhoneToJID converts +E164 into the backend's user JID form.
func PhoneToJID(e164 string) string {
	return strings.TrimPrefix(e164, "+") + "@" + userServer
}

// JIDToPhone converts a user JID back to +E164, dropping any :device
// suffix. Returns false for group, lid or malformed JIDs.
func JIDToPhone(jid string) (string, bool) {
	user, server, found := strings.Cut(jid, "@")
	if !found || server != userServer {
		return "", false
	}
	if i := strings.IndexByte(user, ':'); i >= 0 {
		user = user[:i]
	}
	if user == "" || !isDigits(user) {
		return "", false
	}
	return "+" + user, true
}

// BareJID strips the :device suffix from a JID's user part.
func BareJID(jid string) string {
	user, server, found := strings.Cut(jid, "@")
	if !found {
		return jid
	}
	if i := strings.IndexByte(user, ':'); i >= 0 {
		user = user[:i]
	}
	return user + "@" + server
}

// IsGroupJID reports whether s is a wa-web group address.
func IsGroupJID(s string) bool {
	return strings.HasSuffix(s, "@"+groupServer)
}

// IsLIDJID reports whether s uses the backend's hidden linked-id form.
func IsLIDJID(s string) bool {
	return strings.HasSuffix(s, "@"+lidServer)
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func isUsername(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' {
			return false
		}
	}
	return s != ""
}
