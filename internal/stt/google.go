package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// GoogleConfig configures Google Cloud Speech-to-Text streaming.
type GoogleConfig struct {
	CredentialsFile string
	Language        string
	Model           string
	MaxBytes        int
}

// GoogleFactory opens a single-utterance streaming recognize call per
// utterance over one shared client.
type GoogleFactory struct {
	client *speech.Client
	config GoogleConfig
	logger zerolog.Logger
}

// NewGoogleFactory creates the shared Speech client. Without a credentials
// file the application default credentials are used.
func NewGoogleFactory(ctx context.Context, cfg GoogleConfig, logger zerolog.Logger) (*GoogleFactory, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Google Speech client: %w", err)
	}

	return &GoogleFactory{
		client: client,
		config: cfg,
		logger: logger.With().Str("component", "google_stt").Logger(),
	}, nil
}

func (f *GoogleFactory) Name() string { return "google" }

// Close releases the shared client.
func (f *GoogleFactory) Close() error {
	return f.client.Close()
}

func (f *GoogleFactory) NewRecognizer(ctx context.Context, handler Handler) (Recognizer, error) {
	ctx, cancel := context.WithCancel(ctx)

	stream, err := f.client.StreamingRecognize(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start Google streaming recognize: %w", err)
	}

	recognition := &speechpb.RecognitionConfig{
		Encoding:                   speechpb.RecognitionConfig_MULAW,
		SampleRateHertz:            8000,
		AudioChannelCount:          1,
		LanguageCode:               f.config.Language,
		EnableAutomaticPunctuation: true,
	}
	if f.config.Model != "" {
		recognition.Model = f.config.Model
	}

	err = stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config:          recognition,
				InterimResults:  true,
				SingleUtterance: true,
			},
		},
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to send streaming config: %w", err)
	}

	r := &googleRecognizer{
		utterance: newUtterance(handler, f.config.MaxBytes),
		stream:    stream,
		ctx:       ctx,
		cancel:    cancel,
		logger:    f.logger,
	}
	go r.receive()

	return r, nil
}

type googleRecognizer struct {
	*utterance

	sendMu    sync.Mutex
	stream    speechpb.Speech_StreamingRecognizeClient
	halfClose bool

	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger
}

func (r *googleRecognizer) ProcessAudio(chunk []byte) error {
	windowFull, err := r.accept(len(chunk))
	if err != nil {
		return err
	}

	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	if r.halfClose {
		return nil
	}

	err = r.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{AudioContent: chunk},
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to send audio to Google: %w", err)
	}
	if windowFull {
		r.closeSendLocked()
	}
	return nil
}

// closeSendLocked half-closes the stream so Google returns its final
// result. sendMu must be held.
func (r *googleRecognizer) closeSendLocked() {
	if r.halfClose {
		return
	}
	r.halfClose = true
	if err := r.stream.CloseSend(); err != nil {
		r.logger.Debug().Err(err).Msg("CloseSend failed")
	}
}

func (r *googleRecognizer) receive() {
	for {
		resp, err := r.stream.Recv()
		if errors.Is(err, io.EOF) {
			r.finish(r.collected())
			return
		}
		if err != nil {
			if r.ctx.Err() != nil {
				r.abandon()
				return
			}
			r.logger.Error().Err(err).Msg("Google streaming recognize failed")
			r.fail(fmt.Errorf("google streaming recognize: %w", err))
			return
		}

		for _, result := range resp.GetResults() {
			alts := result.GetAlternatives()
			if len(alts) == 0 {
				continue
			}
			t := Transcript{Text: alts[0].GetTranscript(), Confidence: float64(alts[0].GetConfidence())}
			if result.GetIsFinal() {
				r.addSegment(t.Text, t.Confidence)
			} else if t.Text != "" {
				r.interim(t)
			}
		}

		if resp.GetSpeechEventType() == speechpb.StreamingRecognizeResponse_END_OF_SINGLE_UTTERANCE {
			r.sendMu.Lock()
			r.closeSendLocked()
			r.sendMu.Unlock()
		}
	}
}

func (r *googleRecognizer) Close() error {
	r.abandon()
	r.cancel()
	return nil
}
