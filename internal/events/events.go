// Package events publishes conversation events (transcripts, bot turns,
// session summaries) for downstream analytics.
package events

import (
	"context"
	"time"
)

// Type names an event and doubles as its AMQP routing key.
type Type string

const (
	TypeTranscript     Type = "audiohook.transcript"
	TypeBotTurn        Type = "audiohook.bot_turn"
	TypeSessionSummary Type = "audiohook.session_summary"
)

// Event is the published envelope.
type Event struct {
	Type           Type      `json:"type"`
	SessionID      string    `json:"session_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	OrganizationID string    `json:"organization_id,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	Data           any       `json:"data"`
}

// Transcript is the payload of TypeTranscript.
type Transcript struct {
	Source     string  `json:"source"` // speech or dtmf
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// BotTurn is the payload of TypeBotTurn.
type BotTurn struct {
	Input       string `json:"input"`
	Disposition string `json:"disposition"`
	Text        string `json:"text,omitempty"`
	AudioBytes  int    `json:"audio_bytes"`
	EndSession  bool   `json:"end_session"`
}

// SessionSummary is the payload of TypeSessionSummary.
type SessionSummary struct {
	DisconnectReason string        `json:"disconnect_reason,omitempty"`
	DisconnectInfo   string        `json:"disconnect_info,omitempty"`
	Duration         time.Duration `json:"duration_ns"`
	Turns            int           `json:"turns"`
	AudioBytesIn     int64         `json:"audio_bytes_in"`
	AudioBytesOut    int64         `json:"audio_bytes_out"`
}

// Publisher delivers events. Publish must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

func (NopPublisher) Close() error { return nil }
