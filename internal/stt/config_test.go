package stt

import (
	"testing"

	"github.com/clawdis/warelay/internal/config"
)

func TestNewDisabled(t *testing.T) {
	p, err := New(config.TranscriptionConfig{})
	if err != nil {
		t.Fatalf("New disabled: %v", err)
	}
	if p != nil {
		t.Error("empty provider should yield nil Provider")
	}
}

func TestNewUnknownProvider(t *testing.T) {
	if _, err := New(config.TranscriptionConfig{Provider: "vosk"}); err == nil {
		t.Error("unknown provider should error")
	}
}

func TestNewOpenAIRequiresKey(t *testing.T) {
	if _, err := New(config.TranscriptionConfig{Provider: "openai"}); err == nil {
		t.Error("openai provider without API key should error")
	}
	p, err := New(config.TranscriptionConfig{Provider: "openai", APIKey: "sk-test"})
	if err != nil {
		t.Fatalf("New openai: %v", err)
	}
	defer MustClose(p)
	if p.Name() != "openai" {
		t.Errorf("Name = %q", p.Name())
	}
}

func TestNewWhisperCppRequiresModelPath(t *testing.T) {
	if _, err := New(config.TranscriptionConfig{Provider: "whispercpp"}); err == nil {
		t.Error("whispercpp without modelPath should error")
	}
}

func TestMustCloseNil(t *testing.T) {
	MustClose(nil) // must not panic
}
