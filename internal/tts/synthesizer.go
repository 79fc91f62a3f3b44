// Package tts turns bot reply text into μ-law 8kHz audio for playback.
package tts

import (
	"context"
	"time"

	"github.com/lexiqai/audiohook-gateway/internal/audio"
	"github.com/lexiqai/audiohook-gateway/internal/observability"
)

// Synthesizer renders text as 8kHz μ-law audio.
type Synthesizer interface {
	Name() string
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Silence returns a fixed buffer of μ-law silence for every request. The
// buffer is built once and shared.
type Silence struct {
	buf []byte
}

// NewSilence creates a synthesizer producing n bytes of silence.
func NewSilence(n int) *Silence {
	return &Silence{buf: audio.SilencePCMU(n)}
}

func (s *Silence) Name() string { return "silence" }

// Synthesize returns a copy of the silence buffer.
func (s *Silence) Synthesize(context.Context, string) ([]byte, error) {
	return append([]byte(nil), s.buf...), nil
}

// Instrumented records request counts and latency for the wrapped synthesizer.
type Instrumented struct {
	Synthesizer
}

// WithMetrics wraps s with Prometheus instrumentation.
func WithMetrics(s Synthesizer) Synthesizer {
	return &Instrumented{Synthesizer: s}
}

func (i *Instrumented) Synthesize(ctx context.Context, text string) ([]byte, error) {
	start := time.Now()
	out, err := i.Synthesizer.Synthesize(ctx, text)
	observability.RecordTTS(i.Name(), err == nil, time.Since(start))
	return out, err
}
