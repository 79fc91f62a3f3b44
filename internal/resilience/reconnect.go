package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ReconnectConfig holds configuration for reconnection logic
type ReconnectConfig struct {
	MaxAttempts int
	Backoff     time.Duration
	Multiplier  float64
	MaxBackoff  time.Duration
}

// DefaultReconnectConfig returns a default reconnection configuration
func DefaultReconnectConfig() *ReconnectConfig {
	return &ReconnectConfig{
		MaxAttempts: 5,
		Backoff:     1 * time.Second,
		Multiplier:  2.0,
		MaxBackoff:  30 * time.Second,
	}
}

// NewReconnectConfig builds a reconnect configuration from the RECONNECT_* settings.
func NewReconnectConfig(maxAttempts int, backoff time.Duration) *ReconnectConfig {
	cfg := DefaultReconnectConfig()
	if maxAttempts > 0 {
		cfg.MaxAttempts = maxAttempts
	}
	if backoff > 0 {
		cfg.Backoff = backoff
	}
	return cfg
}

// Reconnect dials a long-lived connection (broker, streaming recognizer)
// with exponential backoff between attempts.
func Reconnect(ctx context.Context, logger zerolog.Logger, target string, dial func(context.Context) error, config *ReconnectConfig) error {
	if config == nil {
		config = DefaultReconnectConfig()
	}

	backoff := config.Backoff
	var lastErr error

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = dial(ctx)
		if lastErr == nil {
			if attempt > 1 {
				logger.Info().Str("target", target).Int("attempt", attempt).Msg("Reconnected")
			}
			return nil
		}

		if attempt == config.MaxAttempts {
			break
		}

		logger.Warn().
			Err(lastErr).
			Str("target", target).
			Int("attempt", attempt).
			Int("max_attempts", config.MaxAttempts).
			Dur("backoff", backoff).
			Msg("Connection attempt failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * config.Multiplier)
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}

	return fmt.Errorf("failed to connect to %s after %d attempts: %w", target, config.MaxAttempts, lastErr)
}
