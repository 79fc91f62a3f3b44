package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lexiqai/audiohook-gateway/internal/audio"
	"github.com/lexiqai/audiohook-gateway/internal/resilience"
)

const (
	defaultCartesiaURL = "https://api.cartesia.ai/tts/bytes"
	cartesiaVersion    = "2024-06-10"
	cartesiaSampleRate = 24000
)

// CartesiaConfig configures the Cartesia bytes endpoint.
type CartesiaConfig struct {
	APIKey  string
	VoiceID string
	ModelID string
	URL     string // overrides the public endpoint, used in tests
	Timeout time.Duration
}

type cartesiaVoice struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type cartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

type cartesiaRequest struct {
	ModelID      string               `json:"model_id"`
	Transcript   string               `json:"transcript"`
	Voice        cartesiaVoice        `json:"voice"`
	OutputFormat cartesiaOutputFormat `json:"output_format"`
}

// Cartesia requests raw 24kHz linear PCM and downsamples it to μ-law 8kHz.
type Cartesia struct {
	config     CartesiaConfig
	httpClient *http.Client
	guard      *resilience.Guard
}

// NewCartesia creates a Cartesia synthesizer. guard may be nil.
func NewCartesia(cfg CartesiaConfig, guard *resilience.Guard) *Cartesia {
	if cfg.URL == "" {
		cfg.URL = defaultCartesiaURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Cartesia{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		guard:      guard,
	}
}

func (c *Cartesia) Name() string { return "cartesia" }

func (c *Cartesia) Synthesize(ctx context.Context, text string) ([]byte, error) {
	body, err := json.Marshal(cartesiaRequest{
		ModelID:    c.config.ModelID,
		Transcript: text,
		Voice:      cartesiaVoice{Mode: "id", ID: c.config.VoiceID},
		OutputFormat: cartesiaOutputFormat{
			Container:  "raw",
			Encoding:   "pcm_s16le",
			SampleRate: cartesiaSampleRate,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var pcm []byte
	err = c.guard.Do(ctx, func(ctx context.Context) error {
		pcm, err = c.post(ctx, body)
		return err
	})
	if err != nil {
		return nil, err
	}

	pcmu, err := audio.ConvertPCMToPCMU(pcm, cartesiaSampleRate, audio.PCMUSampleRate)
	if err != nil {
		return nil, fmt.Errorf("failed to convert Cartesia audio: %w", err)
	}
	return pcmu, nil
}

func (c *Cartesia) post(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.config.APIKey)
	req.Header.Set("Cartesia-Version", cartesiaVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &resilience.StatusError{Service: "cartesia", StatusCode: resp.StatusCode, Body: string(msg)}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read Cartesia audio: %w", err)
	}
	return data, nil
}
