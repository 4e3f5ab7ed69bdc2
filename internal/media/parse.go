// parse.go implements MEDIA: marker parsing from agent output text.
package media

import (
	"regexp"
	"strings"

	"github.com/clawdis/warelay/internal/logging"
)

// MediaTokenRE matches MEDIA: tokens in output text.
// Format: MEDIA:<path_or_url>
// Allows optional wrapping backticks and captures the path/URL.
var MediaTokenRE = regexp.MustCompile(`\bMEDIA:\s*` + "`?" + `([^\n` + "`" + `]+)` + "`?")

// ParseResult contains the parsed output with media paths extracted.
type ParseResult struct {
	Text      string   // Cleaned text with MEDIA: lines removed
	MediaURLs []string // Extracted media paths/URLs
}

// SplitMediaFromOutput parses MEDIA: markers from agent output.
// Markers count only when they open a line. Accepted targets:
//   - Absolute paths (/path/to/file), the agent's scratchpad convention
//   - HTTPS URLs
//
// Rejects:
//   - Relative paths and tilde paths
//   - Directory traversal (..)
//   - HTTP (non-secure) and file:// URLs
func SplitMediaFromOutput(raw string) ParseResult {
	if raw == "" {
		return ParseResult{Text: ""}
	}

	var mediaURLs []string
	var keptLines []string

	lines := strings.Split(raw, "\n")

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)

		if !strings.HasPrefix(trimmed, "MEDIA:") {
			keptLines = append(keptLines, line)
			continue
		}

		matches := MediaTokenRE.FindAllStringSubmatch(line, -1)
		if len(matches) == 0 {
			keptLines = append(keptLines, line)
			continue
		}

		hasValidMedia := false
		for _, match := range matches {
			if len(match) < 2 {
				continue
			}

			candidate := cleanCandidate(match[1])
			if isValidMediaPath(candidate) {
				mediaURLs = append(mediaURLs, candidate)
				hasValidMedia = true
				logging.L_trace("media: extracted valid path", "path", candidate)
			} else {
				logging.L_trace("media: rejected invalid path", "path", candidate)
			}
		}

		// If we found valid media, drop the line; otherwise keep it
		if !hasValidMedia {
			keptLines = append(keptLines, line)
		}
	}

	cleanedText := strings.Join(keptLines, "\n")
	cleanedText = strings.TrimSpace(cleanedText)

	// Collapse multiple newlines
	for strings.Contains(cleanedText, "\n\n\n") {
		cleanedText = strings.ReplaceAll(cleanedText, "\n\n\n", "\n\n")
	}

	result := ParseResult{
		Text:      cleanedText,
		MediaURLs: mediaURLs,
	}

	if len(mediaURLs) > 0 {
		logging.L_debug("media: parsed output", "mediaCount", len(mediaURLs), "textLength", len(cleanedText))
	}

	return result
}

// cleanCandidate removes common wrapping characters from a media path.
func cleanCandidate(raw string) string {
	s := strings.TrimSpace(raw)
	// Remove leading/trailing quotes, backticks, brackets
	s = strings.Trim(s, `"'`+"`"+`[]{}()`)
	return strings.TrimSpace(s)
}

// isValidMediaPath checks if a marker target is safe to send.
func isValidMediaPath(path string) bool {
	if path == "" {
		return false
	}

	// Length sanity check
	if len(path) > 4096 {
		return false
	}

	// HTTPS URLs are allowed
	if strings.HasPrefix(path, "https://") {
		return true
	}

	// HTTP (non-secure) URLs are rejected
	if strings.HasPrefix(path, "http://") {
		return false
	}

	// Reject file:// URLs
	if strings.HasPrefix(path, "file://") {
		return false
	}

	// Reject tilde paths
	if strings.HasPrefix(path, "~") {
		return false
	}

	// Reject directory traversal
	if strings.Contains(path, "..") {
		return false
	}

	// Everything else must be an absolute path
	return strings.HasPrefix(path, "/")
}

// IsValidMediaPath is exported for use by other packages.
func IsValidMediaPath(path string) bool {
	return isValidMediaPath(path)
}
