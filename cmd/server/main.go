package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/lexiqai/audiohook-gateway/internal/audio"
	"github.com/lexiqai/audiohook-gateway/internal/auth"
	"github.com/lexiqai/audiohook-gateway/internal/bot"
	"github.com/lexiqai/audiohook-gateway/internal/config"
	"github.com/lexiqai/audiohook-gateway/internal/dtmf"
	"github.com/lexiqai/audiohook-gateway/internal/events"
	"github.com/lexiqai/audiohook-gateway/internal/observability"
	"github.com/lexiqai/audiohook-gateway/internal/resilience"
	"github.com/lexiqai/audiohook-gateway/internal/stt"
	"github.com/lexiqai/audiohook-gateway/internal/telephony"
	"github.com/lexiqai/audiohook-gateway/internal/tts"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("asr_provider", cfg.ASRProvider).
		Str("tts_provider", cfg.TTSProvider).
		Str("bot_provider", cfg.BotProvider).
		Bool("auth_enabled", cfg.AuthEnabled).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("AudioHook Gateway starting")

	ctx := context.Background()
	checks := map[string]observability.HealthCheckFunc{}
	var closers []io.Closer

	synth, err := newSynthesizer(ctx, cfg, &closers)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create text-to-speech provider")
	}

	recognizers, err := newRecognizerFactory(ctx, cfg, logger, &closers)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create speech recognition provider")
	}

	bots, err := newBotResolver(cfg, synth, logger, checks, &closers)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create bot backend")
	}

	verifier, err := newVerifier(ctx, cfg, checks, &closers)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create request verifier")
	}

	publisher, err := newPublisher(ctx, cfg, logger, checks)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect event publisher")
	}
	closers = append(closers, publisher)

	gateway := telephony.NewServer(telephony.ServerConfig{
		IdleTimeout: cfg.SessionIdleTimeoutDuration(),
		Session: telephony.SessionConfig{
			BargeInEnabled:             cfg.BargeInEnabled,
			SilenceMinTranscriptLength: cfg.SilenceMinTranscriptLength,
			SilenceAction:              cfg.SilenceAction,
			SilenceDisconnectInfo:      cfg.SilenceDisconnectInfo,
			BotTimeout:                 cfg.BotTimeoutDuration(),
		},
	}, telephony.Dependencies{
		Bots:        bots,
		Recognizers: recognizers,
		DTMF: dtmf.NewCollectorFactory(dtmf.Config{
			Terminator:        cfg.DTMFTerminator,
			MaxDigits:         cfg.DTMFMaxDigits,
			InterDigitTimeout: cfg.DTMFInterDigitTimeoutDuration(),
		}),
		Publisher: publisher,
	}, verifier, logger)

	// Create HTTP server
	mux := http.NewServeMux()

	// Register AudioHook WebSocket handler
	mux.Handle(cfg.AudioHookPath, gateway)

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	// Readiness endpoint
	mux.HandleFunc("/ready", observability.ReadinessHandler(checks))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// WebSocket connections are long-lived, so no read or write timeout
	// is set on the server itself.
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		endpoint := cfg.PublicURL + cfg.AudioHookPath
		if cfg.PublicURL == "" {
			endpoint = fmt.Sprintf("ws://localhost:%s%s", cfg.Port, cfg.AudioHookPath)
		}
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", endpoint).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Int("active_sessions", gateway.ActiveSessions()).Msg("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := gateway.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("AudioHook sessions did not finish before the deadline")
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}

	for _, c := range closers {
		if err := c.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to release resource")
		}
	}

	logger.Info().Msg("Server exited gracefully")
}

// newGuard builds the breaker and retry policy for one upstream service.
func newGuard(cfg *config.Config, service string) *resilience.Guard {
	return resilience.NewGuard(
		resilience.NewCircuitBreaker(service, cfg.CircuitBreakerMaxFailures, time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second),
		resilience.NewRetryConfig(cfg.RetryMaxAttempts, time.Duration(cfg.RetryInitialBackoff)*time.Millisecond),
	)
}

func newReconnectConfig(cfg *config.Config) *resilience.ReconnectConfig {
	return resilience.NewReconnectConfig(cfg.ReconnectMaxAttempts, time.Duration(cfg.ReconnectBackoff)*time.Millisecond)
}

func newSynthesizer(ctx context.Context, cfg *config.Config, closers *[]io.Closer) (tts.Synthesizer, error) {
	var synth tts.Synthesizer
	switch cfg.TTSProvider {
	case config.TTSCartesia:
		synth = tts.NewCartesia(tts.CartesiaConfig{
			APIKey:  cfg.CartesiaAPIKey,
			VoiceID: cfg.CartesiaVoiceID,
			ModelID: cfg.CartesiaModelID,
		}, newGuard(cfg, "cartesia"))
	case config.TTSElevenLabs:
		synth = tts.NewElevenLabs(tts.ElevenLabsConfig{
			APIKey:  cfg.ElevenLabsAPIKey,
			VoiceID: cfg.ElevenLabsVoiceID,
			ModelID: cfg.ElevenLabsModelID,
		}, newGuard(cfg, "elevenlabs"))
	case config.TTSGoogle:
		g, err := tts.NewGoogle(ctx, tts.GoogleConfig{
			CredentialsFile: cfg.GoogleCredentialsFile,
			Language:        cfg.GoogleTTSLanguage,
			Gender:          cfg.GoogleTTSGender,
		})
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, g)
		synth = g
	default:
		synth = tts.NewSilence(cfg.SilenceBytes)
	}
	return tts.WithMetrics(synth), nil
}

func newRecognizerFactory(ctx context.Context, cfg *config.Config, logger zerolog.Logger, closers *[]io.Closer) (stt.Factory, error) {
	switch cfg.ASRProvider {
	case config.ASRDeepgram:
		return stt.NewDeepgramFactory(stt.DeepgramConfig{
			APIKey:    cfg.DeepgramAPIKey,
			Model:     cfg.DeepgramModel,
			Language:  cfg.ASRLanguage,
			MaxBytes:  cfg.ASRMaxUtteranceBytes,
			Reconnect: newReconnectConfig(cfg),
		}, logger), nil
	case config.ASRGoogle:
		f, err := stt.NewGoogleFactory(ctx, stt.GoogleConfig{
			CredentialsFile: cfg.GoogleCredentialsFile,
			Language:        cfg.ASRLanguage,
			Model:           cfg.GoogleSpeechModel,
			MaxBytes:        cfg.ASRMaxUtteranceBytes,
		}, logger)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, f)
		return f, nil
	case config.ASRTranscribe:
		return stt.NewTranscribeFactory(ctx, stt.TranscribeConfig{
			Region:   cfg.AWSRegion,
			Language: cfg.ASRLanguage,
			MaxBytes: cfg.ASRMaxUtteranceBytes,
		}, logger)
	default:
		vad := audio.DefaultVADConfig()
		vad.EnergyThreshold = cfg.VADEnergyThreshold
		vad.SilenceFrames = cfg.VADSilenceFrames
		return stt.NewSimulatedFactory(cfg.SimulatedTranscript, cfg.ASRMaxUtteranceBytes, vad), nil
	}
}

func newBotResolver(cfg *config.Config, synth tts.Synthesizer, logger zerolog.Logger, checks map[string]observability.HealthCheckFunc, closers *[]io.Closer) (bot.Resolver, error) {
	if cfg.BotProvider == config.BotGRPC {
		r, err := bot.NewGRPCResolver(bot.GRPCConfig{
			Target:     cfg.BotGRPCURL,
			TLSEnabled: cfg.BotGRPCTLSEnabled,
			Timeout:    cfg.BotTimeoutDuration(),
		}, synth, newGuard(cfg, "bot"), logger)
		if err != nil {
			return nil, err
		}
		checks["bot"] = readyCheck(r.Ready)
		*closers = append(*closers, r)
		return r, nil
	}

	return bot.NewHTTPResolver(bot.HTTPConfig{
		CallbackURL:           cfg.BotCallbackURL,
		Greeting:              cfg.BotGreeting,
		ChannelIDVariable:     cfg.BotChannelIDVariable,
		TransactionIDVariable: cfg.BotTransactionIDVariable,
		Timeout:               cfg.BotTimeoutDuration(),
	}, synth, newGuard(cfg, "bot"), logger), nil
}

// newVerifier returns nil when authentication is disabled.
func newVerifier(ctx context.Context, cfg *config.Config, checks map[string]observability.HealthCheckFunc, closers *[]io.Closer) (telephony.RequestVerifier, error) {
	if !cfg.AuthEnabled {
		return nil, nil
	}

	maxAge := time.Duration(cfg.SignatureMaxAge) * time.Second
	skew := time.Duration(cfg.SignatureClockSkew) * time.Second

	if cfg.SecretStore == config.SecretStoreRedis {
		store, err := auth.NewRedisSecretStore(ctx, cfg.RedisURL, cfg.RedisSecretKey)
		if err != nil {
			return nil, err
		}
		checks["redis"] = readyCheck(store.Ready)
		*closers = append(*closers, store)
		return auth.NewVerifier(store, maxAge, skew), nil
	}

	keys, err := cfg.APIKeys()
	if err != nil {
		return nil, err
	}
	store, err := auth.NewStaticSecretStore(keys)
	if err != nil {
		return nil, err
	}
	return auth.NewVerifier(store, maxAge, skew), nil
}

func newPublisher(ctx context.Context, cfg *config.Config, logger zerolog.Logger, checks map[string]observability.HealthCheckFunc) (events.Publisher, error) {
	if !cfg.AMQPEnabled {
		return events.NopPublisher{}, nil
	}

	p, err := events.NewAMQPPublisher(ctx, events.AMQPConfig{
		URL:      cfg.AMQPURL,
		Exchange: cfg.AMQPExchange,
	}, newReconnectConfig(cfg), logger)
	if err != nil {
		return nil, err
	}
	checks["amqp"] = readyCheck(p.Ready)
	return p, nil
}

func readyCheck(ready func(context.Context) error) observability.HealthCheckFunc {
	return func(ctx context.Context) (bool, error) {
		if err := ready(ctx); err != nil {
			return false, err
		}
		return true, nil
	}
}
