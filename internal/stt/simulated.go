package stt

import (
	"context"

	"github.com/lexiqai/audiohook-gateway/internal/audio"
)

// SimulatedFactory produces recognizers that need no external engine. An
// utterance ends once the byte window fills or the VAD sees speech followed
// by silence; it is recognized as the configured text when the VAD heard
// speech and as an empty transcript otherwise. A nil VAD config treats all
// audio as speech.
type SimulatedFactory struct {
	Text     string
	MaxBytes int
	VAD      *audio.VADConfig
}

// NewSimulatedFactory creates a factory for local development and tests.
func NewSimulatedFactory(text string, maxBytes int, vad *audio.VADConfig) *SimulatedFactory {
	return &SimulatedFactory{Text: text, MaxBytes: maxBytes, VAD: vad}
}

func (f *SimulatedFactory) Name() string { return "simulated" }

func (f *SimulatedFactory) NewRecognizer(_ context.Context, handler Handler) (Recognizer, error) {
	r := &simulatedRecognizer{
		utterance: newUtterance(handler, f.MaxBytes),
		text:      f.Text,
	}
	if f.VAD != nil {
		cfg := *f.VAD
		r.vad = audio.NewVADDetector(&cfg)
	}
	return r, nil
}

type simulatedRecognizer struct {
	*utterance
	text string
	vad  *audio.VADDetector
}

func (r *simulatedRecognizer) ProcessAudio(chunk []byte) error {
	windowFull, err := r.accept(len(chunk))
	if err != nil {
		return err
	}

	ended := false
	if r.vad != nil {
		ended = r.vad.ProcessPCMU(chunk)
	}
	if !windowFull && !ended {
		return nil
	}

	if r.vad != nil && !r.vad.HeardSpeech() {
		r.finish(Transcript{Text: "", Confidence: 1.0})
		return nil
	}
	r.finish(Transcript{Text: r.text, Confidence: 1.0})
	return nil
}

func (r *simulatedRecognizer) Close() error {
	r.abandon()
	return nil
}
