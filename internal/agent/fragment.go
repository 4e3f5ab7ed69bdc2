// Package agent spawns the external agent subprocess for a session
// turn and parses its stdout into a stream of reply fragments.
package agent

import (
	"strings"

	"github.com/clawdis/warelay/internal/media"
)

// FragmentKind classifies one parsed line of agent output.
type FragmentKind int

const (
	// FragText is ordinary reply text (may be empty for blank lines,
	// which mark chunk boundaries).
	FragText FragmentKind = iota
	// FragMedia carries a validated MEDIA: target (absolute path or
	// https URL).
	FragMedia
	// FragTool is a tool-activity display line, surfaced to observers
	// and only forwarded to the peer when configured.
	FragTool
	// FragEnd closes a turn; Err holds the process failure if any.
	FragEnd
)

// Fragment is one element of the reply stream.
type Fragment struct {
	Kind FragmentKind
	Text string
	Err  error
}

// toolMarkers are the display prefixes agents use to announce tool
// activity (file reads, edits, shell runs).
var toolMarkers = []string{
	"⏺", "🔧", "🛠", "📖", "✏️", "🔍", "🌐", "💻", "📝", "⚙️", "🗂",
}

// Classify maps a raw stdout line to Text, Media or Tool.
func Classify(line string) Fragment {
	trimmed := strings.TrimSpace(line)

	if strings.HasPrefix(trimmed, "MEDIA:") {
		res := media.SplitMediaFromOutput(trimmed)
		if len(res.MediaURLs) == 1 {
			return Fragment{Kind: FragMedia, Text: res.MediaURLs[0]}
		}
		// Invalid target, keep as text so the user sees what the
		// agent tried to do.
		return Fragment{Kind: FragText, Text: line}
	}

	for _, marker := range toolMarkers {
		if strings.HasPrefix(trimmed, marker) {
			return Fragment{Kind: FragTool, Text: trimmed}
		}
	}

	return Fragment{Kind: FragText, Text: line}
}
