package tts

import (
	"context"
	"fmt"
	"strings"

	texttospeech "cloud.google.com/go/texttospeech/apiv1"
	"cloud.google.com/go/texttospeech/apiv1/texttospeechpb"
	"google.golang.org/api/option"

	"github.com/lexiqai/audiohook-gateway/internal/audio"
)

// GoogleConfig selects the Google Cloud voice.
type GoogleConfig struct {
	CredentialsFile string
	Language        string
	Gender          string // MALE, FEMALE, NEUTRAL
}

// Google synthesizes μ-law 8kHz with the telephony effects profile.
type Google struct {
	client *texttospeech.Client
	voice  *texttospeechpb.VoiceSelectionParams
}

// NewGoogle creates the Text-to-Speech client.
func NewGoogle(ctx context.Context, cfg GoogleConfig) (*Google, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := texttospeech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Google Text-to-Speech client: %w", err)
	}

	gender := texttospeechpb.SsmlVoiceGender(texttospeechpb.SsmlVoiceGender_value[strings.ToUpper(cfg.Gender)])
	return &Google{
		client: client,
		voice: &texttospeechpb.VoiceSelectionParams{
			LanguageCode: cfg.Language,
			SsmlGender:   gender,
		},
	}, nil
}

func (g *Google) Name() string { return "google" }

func (g *Google) Synthesize(ctx context.Context, text string) ([]byte, error) {
	resp, err := g.client.SynthesizeSpeech(ctx, &texttospeechpb.SynthesizeSpeechRequest{
		Input: &texttospeechpb.SynthesisInput{
			InputSource: &texttospeechpb.SynthesisInput_Text{Text: text},
		},
		Voice: g.voice,
		AudioConfig: &texttospeechpb.AudioConfig{
			AudioEncoding:    texttospeechpb.AudioEncoding_MULAW,
			SampleRateHertz:  audio.PCMUSampleRate,
			SpeakingRate:     1.0,
			EffectsProfileId: []string{"telephony-class-application"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("google synthesize speech: %w", err)
	}
	if len(resp.GetAudioContent()) == 0 {
		return nil, fmt.Errorf("google synthesize speech: empty audio")
	}
	return audio.StripWAVHeader(resp.GetAudioContent()), nil
}

// Close releases the client.
func (g *Google) Close() error {
	return g.client.Close()
}
