package telegram

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestFormatMessage(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "plain text untouched",
			input:    "hello world",
			expected: "hello world",
		},
		{
			name:     "empty stays empty",
			input:    "",
			expected: "",
		},
		{
			name:     "bold",
			input:    "this is **important** stuff",
			expected: "this is <b>important</b> stuff",
		},
		{
			name:     "italic",
			input:    "an *aside* here",
			expected: "an <i>aside</i> here",
		},
		{
			name:     "heading becomes bold",
			input:    "## Shopping List\n\nmilk",
			expected: "<b>Shopping List</b>\n\nmilk",
		},
		{
			name:     "strikethrough",
			input:    "~~wrong~~ right",
			expected: "<s>wrong</s> right",
		},
		{
			name:     "link keeps href",
			input:    "see [the docs](https://example.com/docs)",
			expected: `see <a href="https://example.com/docs">the docs</a>`,
		},
		{
			name:     "autolink",
			input:    "visit https://example.com now",
			expected: `visit <a href="https://example.com">https://example.com</a> now`,
		},
		{
			name:     "inline code escapes content",
			input:    "run `a < b` once",
			expected: "run <code>a &lt; b</code> once",
		},
		{
			name:     "fenced code block",
			input:    "```\nfoo()\n```",
			expected: "<pre>foo()\n</pre>",
		},
		{
			name:     "special characters escaped",
			input:    "5 > 3 & 2 < 4",
			expected: "5 &gt; 3 &amp; 2 &lt; 4",
		},
		{
			name:     "unordered list bullets",
			input:    "- one\n- two",
			expected: "• one\n• two",
		},
		{
			name:     "ordered list numbered",
			input:    "1. first\n2. second",
			expected: "1. first\n2. second",
		},
		{
			name:     "ordered list honours start",
			input:    "3. first\n4. second",
			expected: "3. first\n4. second",
		},
		{
			name:     "soft line break preserved",
			input:    "one\ntwo",
			expected: "one\ntwo",
		},
		{
			name:     "inline html dropped",
			input:    "before <span>x</span> after",
			expected: "before x after",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FormatMessage(tt.input)
			if got != tt.expected {
				t.Errorf("FormatMessage(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestFormatMessageTable(t *testing.T) {
	input := "| a | b |\n|---|---|\n| 1 | 2 |"
	got := FormatMessage(input)

	if !strings.HasPrefix(got, "<pre>") || !strings.HasSuffix(got, "</pre>") {
		t.Fatalf("table should render inside <pre>, got %q", got)
	}
	if !strings.Contains(got, "| a | b |") {
		t.Errorf("header row missing: %q", got)
	}
	if !strings.Contains(got, "|---|---|") {
		t.Errorf("separator row missing: %q", got)
	}
	if !strings.Contains(got, "| 1 | 2 |") {
		t.Errorf("data row missing: %q", got)
	}
}

func TestSplitMessage(t *testing.T) {
	t.Run("short text is one chunk", func(t *testing.T) {
		chunks := splitMessage("hello", 100)
		if len(chunks) != 1 || chunks[0] != "hello" {
			t.Errorf("got %v, want [hello]", chunks)
		}
	})

	t.Run("exact limit is one chunk", func(t *testing.T) {
		chunks := splitMessage(strings.Repeat("a", 50), 50)
		if len(chunks) != 1 {
			t.Errorf("got %d chunks, want 1", len(chunks))
		}
	})

	t.Run("prefers paragraph boundary", func(t *testing.T) {
		text := strings.Repeat("a", 30) + "\n\n" + strings.Repeat("b", 30)
		chunks := splitMessage(text, 40)
		if len(chunks) != 2 {
			t.Fatalf("got %d chunks, want 2: %v", len(chunks), chunks)
		}
		if chunks[0] != strings.Repeat("a", 30)+"\n\n" {
			t.Errorf("first chunk = %q", chunks[0])
		}
		if chunks[1] != strings.Repeat("b", 30) {
			t.Errorf("second chunk = %q", chunks[1])
		}
	})

	t.Run("falls back to word boundary", func(t *testing.T) {
		text := strings.Repeat("word ", 20)
		chunks := splitMessage(text, 33)
		for i, c := range chunks {
			if utf8.RuneCountInString(c) > 33 {
				t.Errorf("chunk %d over limit: %d runes", i, utf8.RuneCountInString(c))
			}
		}
		if strings.Join(chunks, "") != text {
			t.Error("joined chunks differ from input")
		}
	})

	t.Run("never splits a rune", func(t *testing.T) {
		text := strings.Repeat("é", 95)
		chunks := splitMessage(text, 40)
		if len(chunks) != 3 {
			t.Fatalf("got %d chunks, want 3", len(chunks))
		}
		for i, c := range chunks {
			if !utf8.ValidString(c) {
				t.Errorf("chunk %d is not valid UTF-8", i)
			}
		}
		want := []int{40, 40, 15}
		for i, c := range chunks {
			if utf8.RuneCountInString(c) != want[i] {
				t.Errorf("chunk %d rune count = %d, want %d", i, utf8.RuneCountInString(c), want[i])
			}
		}
	})

	t.Run("reassembles losslessly", func(t *testing.T) {
		text := strings.Repeat("line one\nline two\n", 20)
		chunks := splitMessage(text, 50)
		if strings.Join(chunks, "") != text {
			t.Error("joined chunks differ from input")
		}
	})
}
