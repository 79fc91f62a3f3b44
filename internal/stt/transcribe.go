package stt

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/transcribestreaming"
	"github.com/aws/aws-sdk-go-v2/service/transcribestreaming/types"
	"github.com/rs/zerolog"

	"github.com/lexiqai/audiohook-gateway/internal/audio"
)

// TranscribeConfig configures Amazon Transcribe streaming.
type TranscribeConfig struct {
	Region   string
	Language string
	MaxBytes int
}

// TranscribeFactory opens one Amazon Transcribe stream per utterance.
// Transcribe accepts linear PCM only, so μ-law is expanded before sending.
type TranscribeFactory struct {
	client *transcribestreaming.Client
	config TranscribeConfig
	logger zerolog.Logger
}

// NewTranscribeFactory loads AWS credentials from the default chain.
func NewTranscribeFactory(ctx context.Context, cfg TranscribeConfig, logger zerolog.Logger) (*TranscribeFactory, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithRetryMaxAttempts(3),
		awsconfig.WithRetryMode(aws.RetryModeStandard),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	return &TranscribeFactory{
		client: transcribestreaming.NewFromConfig(awsCfg),
		config: cfg,
		logger: logger.With().Str("component", "transcribe").Logger(),
	}, nil
}

func (f *TranscribeFactory) Name() string { return "transcribe" }

func (f *TranscribeFactory) NewRecognizer(ctx context.Context, handler Handler) (Recognizer, error) {
	ctx, cancel := context.WithCancel(ctx)

	resp, err := f.client.StartStreamTranscription(ctx, &transcribestreaming.StartStreamTranscriptionInput{
		LanguageCode:         types.LanguageCode(f.config.Language),
		MediaSampleRateHertz: aws.Int32(audio.PCMUSampleRate),
		MediaEncoding:        types.MediaEncodingPcm,
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start transcription stream: %w", err)
	}

	r := &transcribeRecognizer{
		utterance: newUtterance(handler, f.config.MaxBytes),
		stream:    resp.GetStream(),
		ctx:       ctx,
		cancel:    cancel,
		logger:    f.logger,
	}
	go r.receive()

	return r, nil
}

type transcribeRecognizer struct {
	*utterance

	sendMu sync.Mutex
	stream *transcribestreaming.StartStreamTranscriptionEventStream
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger
}

func (r *transcribeRecognizer) ProcessAudio(chunk []byte) error {
	windowFull, err := r.accept(len(chunk))
	if err != nil {
		return err
	}

	if len(chunk) == 0 {
		return nil
	}
	pcm, err := audio.ConvertPCMUToPCM(chunk)
	if err != nil {
		return err
	}

	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	if r.closed {
		return nil
	}

	event := &types.AudioStreamMemberAudioEvent{Value: types.AudioEvent{AudioChunk: pcm}}
	if err := r.stream.Send(r.ctx, event); err != nil {
		return fmt.Errorf("failed to send audio to Amazon Transcribe: %w", err)
	}
	if windowFull {
		r.closeInputLocked()
	}
	return nil
}

// closeInputLocked ends the audio stream; Transcribe then flushes its
// final results and closes the event channel. sendMu must be held.
func (r *transcribeRecognizer) closeInputLocked() {
	if r.closed {
		return
	}
	r.closed = true
	if err := r.stream.Close(); err != nil {
		r.logger.Debug().Err(err).Msg("Failed to close transcription stream")
	}
}

func (r *transcribeRecognizer) receive() {
	for event := range r.stream.Events() {
		te, ok := event.(*types.TranscriptResultStreamMemberTranscriptEvent)
		if !ok || te.Value.Transcript == nil {
			continue
		}

		for _, result := range te.Value.Transcript.Results {
			if len(result.Alternatives) == 0 || result.Alternatives[0].Transcript == nil {
				continue
			}
			alt := result.Alternatives[0]
			t := Transcript{Text: *alt.Transcript, Confidence: itemConfidence(alt.Items)}

			if result.IsPartial {
				r.interim(t)
				continue
			}

			// first complete segment ends the utterance
			r.addSegment(t.Text, t.Confidence)
			r.finish(r.collected())
			go func() {
				r.sendMu.Lock()
				defer r.sendMu.Unlock()
				r.closeInputLocked()
			}()
		}
	}

	if err := r.stream.Err(); err != nil && r.ctx.Err() == nil {
		r.logger.Error().Err(err).Msg("Amazon Transcribe stream error")
		r.fail(fmt.Errorf("amazon transcribe stream: %w", err))
		return
	}
	r.finish(r.collected())
}

func itemConfidence(items []types.Item) float64 {
	var sum float64
	var n int
	for _, item := range items {
		if item.Confidence != nil {
			sum += *item.Confidence
			n++
		}
	}
	if n == 0 {
		return 1.0
	}
	return sum / float64(n)
}

func (r *transcribeRecognizer) Close() error {
	r.abandon()

	r.sendMu.Lock()
	r.closeInputLocked()
	r.sendMu.Unlock()

	r.cancel()
	return nil
}
