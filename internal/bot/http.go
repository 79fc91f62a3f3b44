package bot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/audiohook-gateway/internal/resilience"
	"github.com/lexiqai/audiohook-gateway/internal/tts"
)

// HTTPConfig configures the JSON callback backend.
type HTTPConfig struct {
	CallbackURL           string
	Greeting              string
	ChannelIDVariable     string
	TransactionIDVariable string
	Timeout               time.Duration
}

type callbackRequest struct {
	ChannelID     string `json:"channelId"`
	TransactionID string `json:"transactionId"`
	Message       string `json:"message"`
}

type callbackReply struct {
	EndChat bool   `json:"endChat"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// HTTPResolver serves every connection with a bot backed by an HTTP
// callback. The greeting is local; later turns POST the caller input.
type HTTPResolver struct {
	config     HTTPConfig
	httpClient *http.Client
	synth      tts.Synthesizer
	guard      *resilience.Guard
	logger     zerolog.Logger
}

// NewHTTPResolver creates the resolver. synth and guard may be nil.
func NewHTTPResolver(cfg HTTPConfig, synth tts.Synthesizer, guard *resilience.Guard, logger zerolog.Logger) *HTTPResolver {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &HTTPResolver{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		synth:      synth,
		guard:      guard,
		logger:     logger.With().Str("component", "bot_http").Logger(),
	}
}

func (r *HTTPResolver) Resolve(ctx context.Context, connectionURL string, vars map[string]string) (Resource, error) {
	if r.config.CallbackURL == "" {
		return nil, ErrBotNotFound
	}
	return &httpResource{resolver: r}, nil
}

type httpResource struct {
	resolver      *HTTPResolver
	channelID     string
	transactionID string
}

func (b *httpResource) InitialResponse(ctx context.Context, connectionURL string, vars map[string]string) (*Response, error) {
	b.channelID = vars[b.resolver.config.ChannelIDVariable]
	b.transactionID = vars[b.resolver.config.TransactionIDVariable]

	return speak(ctx, b.resolver.synth, b.resolver.logger, b.resolver.config.Greeting, false), nil
}

func (b *httpResource) Respond(ctx context.Context, input string) (*Response, error) {
	body, err := json.Marshal(callbackRequest{
		ChannelID:     b.channelID,
		TransactionID: b.transactionID,
		Message:       input,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal callback request: %w", err)
	}

	// A turn the backend may already have applied is never resent.
	var reply callbackReply
	err = b.resolver.guard.Once(ctx, func(ctx context.Context) error {
		reply, err = b.resolver.post(ctx, body)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("bot callback: %w", err)
	}

	b.resolver.logger.Debug().
		Str("transaction_id", b.transactionID).
		Str("status", reply.Status).
		Bool("end_chat", reply.EndChat).
		Msg("Bot callback replied")

	return speak(ctx, b.resolver.synth, b.resolver.logger, reply.Message, reply.EndChat), nil
}

func (r *HTTPResolver) post(ctx context.Context, body []byte) (callbackReply, error) {
	var reply callbackReply

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.config.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return reply, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return reply, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return reply, &resilience.StatusError{Service: "bot", StatusCode: resp.StatusCode, Body: string(msg)}
	}

	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return reply, fmt.Errorf("failed to decode callback reply: %w", err)
	}
	return reply, nil
}
