package stt

import (
	"context"
	"errors"
	"fmt"
	"sync"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/audiohook-gateway/internal/resilience"
)

// DeepgramConfig configures the Deepgram live transcription stream.
type DeepgramConfig struct {
	APIKey    string
	Model     string
	Language  string
	MaxBytes  int
	Reconnect *resilience.ReconnectConfig
}

// DeepgramFactory opens one Deepgram live stream per utterance.
type DeepgramFactory struct {
	config DeepgramConfig
	logger zerolog.Logger
}

// NewDeepgramFactory creates a Deepgram-backed recognizer factory.
func NewDeepgramFactory(cfg DeepgramConfig, logger zerolog.Logger) *DeepgramFactory {
	return &DeepgramFactory{config: cfg, logger: logger.With().Str("component", "deepgram").Logger()}
}

func (f *DeepgramFactory) Name() string { return "deepgram" }

// NewRecognizer dials a live transcription stream for μ-law 8kHz mono audio.
func (f *DeepgramFactory) NewRecognizer(ctx context.Context, handler Handler) (Recognizer, error) {
	ctx, cancel := context.WithCancel(ctx)

	r := &deepgramRecognizer{
		utterance: newUtterance(handler, f.config.MaxBytes),
		cancel:    cancel,
		logger:    f.logger,
	}

	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          f.config.Model,
		Language:       f.config.Language,
		Punctuate:      true,
		InterimResults: true,
		UtteranceEndMs: "1000",
		VadEvents:      true,
		Encoding:       "mulaw",
		Channels:       1,
		SampleRate:     8000,
	}

	callback := &deepgramCallback{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		recognizer:             r,
	}

	client, err := listenClient.NewWSUsingCallback(ctx, f.config.APIKey, &interfaces.ClientOptions{}, tOptions, callback)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create Deepgram client: %w", err)
	}

	err = resilience.Reconnect(ctx, f.logger, "deepgram", func(context.Context) error {
		if !client.Connect() {
			return errors.New("deepgram websocket connect failed")
		}
		return nil
	}, f.config.Reconnect)
	if err != nil {
		cancel()
		return nil, err
	}

	r.client = client
	return r, nil
}

type deepgramRecognizer struct {
	*utterance

	mu       sync.Mutex
	client   *listenClient.WSCallback
	finished bool
	cancel   context.CancelFunc
	logger   zerolog.Logger
}

func (r *deepgramRecognizer) ProcessAudio(chunk []byte) error {
	windowFull, err := r.accept(len(chunk))
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return nil
	}

	if _, err := r.client.Write(chunk); err != nil {
		return fmt.Errorf("failed to send audio to Deepgram: %w", err)
	}
	if windowFull {
		r.finishStreamLocked()
		r.finish(r.collected())
	}
	return nil
}

// finishStreamLocked flushes and closes the stream. r.mu must be held.
func (r *deepgramRecognizer) finishStreamLocked() {
	if r.finished {
		return
	}
	r.finished = true
	r.client.Finish()
}

func (r *deepgramRecognizer) Close() error {
	r.abandon()

	r.mu.Lock()
	if r.client != nil {
		r.finishStreamLocked()
	}
	r.mu.Unlock()

	r.cancel()
	return nil
}

// endOfSpeech finalizes on Deepgram's endpointing signals. It runs on the
// SDK's read goroutine, so the stream is finished from another one.
func (r *deepgramRecognizer) endOfSpeech() {
	r.finish(r.collected())

	go func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.client != nil {
			r.finishStreamLocked()
		}
	}()
}

// deepgramCallback overrides the SDK's default handler for the events the
// recognizer acts on.
type deepgramCallback struct {
	*websocketv1api.DefaultCallbackHandler
	recognizer *deepgramRecognizer
}

func (c *deepgramCallback) Message(msg *msginterfaces.MessageResponse) error {
	if msg == nil || len(msg.Channel.Alternatives) == 0 {
		return nil
	}

	alt := msg.Channel.Alternatives[0]
	t := Transcript{Text: alt.Transcript, Confidence: alt.Confidence}

	if !msg.IsFinal {
		if t.Text != "" {
			c.recognizer.interim(t)
		}
		return nil
	}

	c.recognizer.addSegment(t.Text, t.Confidence)
	if msg.SpeechFinal {
		c.recognizer.endOfSpeech()
	}
	return nil
}

func (c *deepgramCallback) UtteranceEnd(*msginterfaces.UtteranceEndResponse) error {
	c.recognizer.endOfSpeech()
	return nil
}

func (c *deepgramCallback) Error(er *msginterfaces.ErrorResponse) error {
	c.recognizer.logger.Error().Interface("error", er).Msg("Deepgram stream error")
	c.recognizer.fail(fmt.Errorf("deepgram stream error: %v", er))
	return nil
}
