// Package bot resolves the voice bot for a conversation and relays caller
// input to it.
package bot

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/lexiqai/audiohook-gateway/internal/protocol"
	"github.com/lexiqai/audiohook-gateway/internal/tts"
)

// ErrBotNotFound is returned by Resolve when no bot serves the connection.
var ErrBotNotFound = errors.New("bot not found")

// Response is one bot turn. Text and Audio are independently optional.
type Response struct {
	Disposition protocol.BotTurnDisposition
	Text        string
	Confidence  *float64
	Audio       []byte
	EndSession  bool
}

// HasText reports whether the turn carries prompt text.
func (r *Response) HasText() bool {
	return r != nil && r.Text != ""
}

// HasAudio reports whether the turn carries prompt audio.
func (r *Response) HasAudio() bool {
	return r != nil && len(r.Audio) > 0
}

// Resolver finds the bot for a connection.
type Resolver interface {
	Resolve(ctx context.Context, connectionURL string, vars map[string]string) (Resource, error)
}

// Resource is a resolved bot bound to one conversation.
type Resource interface {
	InitialResponse(ctx context.Context, connectionURL string, vars map[string]string) (*Response, error)
	Respond(ctx context.Context, input string) (*Response, error)
}

// Confidence returns a pointer for Response.Confidence.
func Confidence(v float64) *float64 {
	return &v
}

// speak builds a response and renders its audio. A synthesis failure keeps
// the text and is only logged.
func speak(ctx context.Context, synth tts.Synthesizer, logger zerolog.Logger, text string, endSession bool) *Response {
	text = strings.TrimSpace(text)

	resp := &Response{
		Disposition: protocol.DispositionMatch,
		Text:        text,
		Confidence:  Confidence(1.0),
		EndSession:  endSession,
	}
	if text == "" {
		resp.Disposition = protocol.DispositionNoMatch
		resp.Confidence = nil
		return resp
	}
	if synth == nil {
		return resp
	}

	audio, err := synth.Synthesize(ctx, text)
	if err != nil {
		logger.Warn().
			Err(err).
			Str("provider", synth.Name()).
			Msg("Speech synthesis failed, sending text only")
		return resp
	}
	resp.Audio = audio
	return resp
}
