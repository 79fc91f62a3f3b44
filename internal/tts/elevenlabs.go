package tts

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/haguro/elevenlabs-go"

	"github.com/lexiqai/audiohook-gateway/internal/resilience"
)

// ElevenLabsConfig configures ElevenLabs streaming synthesis.
type ElevenLabsConfig struct {
	APIKey  string
	VoiceID string
	ModelID string
	Timeout time.Duration
}

// ElevenLabs asks for ulaw_8000 output so no conversion is needed.
type ElevenLabs struct {
	config ElevenLabsConfig
	guard  *resilience.Guard
}

// NewElevenLabs creates an ElevenLabs synthesizer. guard may be nil.
func NewElevenLabs(cfg ElevenLabsConfig, guard *resilience.Guard) *ElevenLabs {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &ElevenLabs{config: cfg, guard: guard}
}

func (e *ElevenLabs) Name() string { return "elevenlabs" }

func (e *ElevenLabs) Synthesize(ctx context.Context, text string) ([]byte, error) {
	req := elevenlabs.TextToSpeechRequest{
		Text:    text,
		ModelID: e.config.ModelID,
	}

	var buf bytes.Buffer
	err := e.guard.Do(ctx, func(ctx context.Context) error {
		buf.Reset()
		client := elevenlabs.NewClient(ctx, e.config.APIKey, e.config.Timeout)
		return client.TextToSpeechStream(&buf, e.config.VoiceID, req, elevenlabs.OutputFormat("ulaw_8000"))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate speech: %w", err)
	}
	return buf.Bytes(), nil
}
