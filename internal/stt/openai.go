package stt

import (
	"context"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	. "github.com/clawdis/warelay/internal/logging"
)

// transcribeTimeout bounds a single hosted transcription call.
const transcribeTimeout = 2 * time.Minute

// OpenAIProvider implements STT using OpenAI's Whisper API.
// OpenAI accepts OGG/Opus directly, so no local audio conversion runs.
type OpenAIProvider struct {
	config OpenAIConfig
	client *openai.Client
}

// OpenAIConfig holds OpenAI Whisper configuration.
type OpenAIConfig struct {
	APIKey   string `json:"apiKey"`
	Model    string `json:"model"`    // "whisper-1"
	Language string `json:"language"` // optional hint, e.g. "en"
}

// NewOpenAIProvider creates a new OpenAI Whisper STT provider.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai API key not configured")
	}

	if cfg.Model == "" {
		cfg.Model = openai.Whisper1
	}

	L_info("stt: openai provider initialized", "model", cfg.Model)

	return &OpenAIProvider{
		config: cfg,
		client: openai.NewClient(cfg.APIKey),
	}, nil
}

// Transcribe converts an audio file to text using OpenAI's Whisper API.
func (o *OpenAIProvider) Transcribe(filePath string) (string, error) {
	L_debug("stt: openai transcribing", "file", filePath)

	ctx, cancel := context.WithTimeout(context.Background(), transcribeTimeout)
	defer cancel()

	resp, err := o.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    o.config.Model,
		FilePath: filePath,
		Language: o.config.Language,
	})
	if err != nil {
		return "", fmt.Errorf("openai transcription failed: %w", err)
	}

	result := strings.TrimSpace(resp.Text)
	L_debug("stt: openai transcription complete", "length", len(result))
	return result, nil
}

// Name returns the provider name.
func (o *OpenAIProvider) Name() string {
	return "openai"
}

// Close releases any resources (none for the API client).
func (o *OpenAIProvider) Close() error {
	return nil
}
