// Package protocol defines the AudioHook envelope exchanged over the
// WebSocket control channel and the typed parameters of each message.
package protocol

import (
	"encoding/json"
)

// Version is the protocol version stamped on every server message.
const Version = "2"

// NullConversationID marks a connection probe: the client only checks that
// the endpoint answers and no conversation is started.
const NullConversationID = "00000000-0000-0000-0000-000000000000"

// MaxAudioFrameBytes is the largest binary frame the server writes.
const MaxAudioFrameBytes = 64000

// ClientMessageType enumerates the message types a client may send.
type ClientMessageType string

const (
	ClientOpen              ClientMessageType = "open"
	ClientClose             ClientMessageType = "close"
	ClientPing              ClientMessageType = "ping"
	ClientDiscarded         ClientMessageType = "discarded"
	ClientError             ClientMessageType = "error"
	ClientPaused            ClientMessageType = "paused"
	ClientResumed           ClientMessageType = "resumed"
	ClientUpdate            ClientMessageType = "update"
	ClientPlaybackStarted   ClientMessageType = "playback_started"
	ClientPlaybackCompleted ClientMessageType = "playback_completed"
	ClientDTMF              ClientMessageType = "dtmf"
)

// ServerMessageType enumerates the message types the server sends.
type ServerMessageType string

const (
	ServerOpened     ServerMessageType = "opened"
	ServerPong       ServerMessageType = "pong"
	ServerEvent      ServerMessageType = "event"
	ServerDisconnect ServerMessageType = "disconnect"
	ServerClosed     ServerMessageType = "closed"
)

// ClientMessage is an inbound envelope. Parameters stay raw until the
// handler for Type decodes them.
type ClientMessage struct {
	ID         string            `json:"id"`
	Version    string            `json:"version"`
	Seq        int64             `json:"seq"`
	ServerSeq  int64             `json:"serverseq"`
	Position   string            `json:"position,omitempty"`
	Type       ClientMessageType `json:"type"`
	Parameters json.RawMessage   `json:"parameters,omitempty"`
}

// ServerMessage is an outbound envelope. Only the session mints these so
// that Seq is assigned exactly once per message.
type ServerMessage struct {
	ID         string            `json:"id"`
	Version    string            `json:"version"`
	Seq        int64             `json:"seq"`
	ClientSeq  int64             `json:"clientseq"`
	Position   string            `json:"position,omitempty"`
	Type       ServerMessageType `json:"type"`
	Parameters any               `json:"parameters"`
}

// DecodeParameters unmarshals the message parameters into v.
// Absent parameters leave v untouched.
func (m *ClientMessage) DecodeParameters(v any) error {
	if len(m.Parameters) == 0 || string(m.Parameters) == "null" {
		return nil
	}
	if err := json.Unmarshal(m.Parameters, v); err != nil {
		return &MalformedMessageError{Type: string(m.Type), Err: err}
	}
	return nil
}
