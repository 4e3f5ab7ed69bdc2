package stt

import (
	"fmt"
	"path/filepath"

	"github.com/clawdis/warelay/internal/config"
	. "github.com/clawdis/warelay/internal/logging"
)

// New builds the configured transcription provider. A disabled config
// (empty provider name) returns (nil, nil); callers treat a nil
// Provider as "transcription off".
func New(cfg config.TranscriptionConfig) (Provider, error) {
	switch cfg.Provider {
	case "":
		return nil, nil
	case "whispercpp":
		dir, model := filepath.Split(cfg.ModelPath)
		if dir == "" || model == "" {
			return nil, fmt.Errorf("transcription.modelPath must point at a whisper model file")
		}
		return NewWhisperCppProvider(WhisperCppConfig{
			ModelsDir: filepath.Clean(dir),
			Model:     model,
			Language:  cfg.Language,
		})
	case "openai":
		return NewOpenAIProvider(OpenAIConfig{
			APIKey:   cfg.APIKey,
			Model:    cfg.Model,
			Language: cfg.Language,
		})
	}
	return nil, fmt.Errorf("unknown transcription provider %q", cfg.Provider)
}

// MustClose shuts a provider down, tolerating nil.
func MustClose(p Provider) {
	if p == nil {
		return
	}
	if err := p.Close(); err != nil {
		L_warn("stt: provider close failed", "provider", p.Name(), "error", err)
	}
}
