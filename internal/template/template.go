// Package template expands {{Name}} placeholders in config strings and
// agent prompts. Unknown placeholders and missing context values both
// expand to the empty string, so literal text always survives.
package template

import "regexp"

// Recognised context keys include Body, BodyStripped, From, To,
// MessageSid, MediaPath, MediaUrl, MediaType, Transcript, ChatType,
// GroupSubject, GroupMembers, SenderName, SenderE164, SessionId,
// IsNewSession and PROVIDERS. Callers may add their own.

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z][A-Za-z0-9_]*)\s*\}\}`)

// Expand substitutes every {{Key}} in s with ctx[Key]. Whitespace
// around the key is tolerated.
func Expand(s string, ctx map[string]string) string {
	if s == "" {
		return s
	}
	return placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		key := placeholderRe.FindStringSubmatch(m)[1]
		return ctx[key]
	})
}

// Has reports whether s contains at least one placeholder.
func Has(s string) bool {
	return placeholderRe.MatchString(s)
}
