package protocol

// DisconnectReason is the closed set of reasons carried by a disconnect.
type DisconnectReason string

const (
	ReasonCompleted    DisconnectReason = "completed"
	ReasonError        DisconnectReason = "error"
	ReasonTimeout      DisconnectReason = "timeout"
	ReasonUnauthorized DisconnectReason = "unauthorized"
)

// MediaParameter describes one audio format offered by the client.
type MediaParameter struct {
	Type     string   `json:"type"`
	Format   string   `json:"format"`
	Channels []string `json:"channels"`
	Rate     int      `json:"rate"`
}

// IsPCMU8k reports whether the offer is 8kHz μ-law audio.
func (m MediaParameter) IsPCMU8k() bool {
	return m.Format == "PCMU" && m.Rate == 8000
}

// Participant identifies the caller on an open.
type Participant struct {
	ID      string `json:"id,omitempty"`
	ANI     string `json:"ani,omitempty"`
	ANIName string `json:"aniName,omitempty"`
	DNIS    string `json:"dnis,omitempty"`
}

// OpenParameters are sent by the client to start a conversation.
type OpenParameters struct {
	OrganizationID string            `json:"organizationId"`
	ConversationID string            `json:"conversationId"`
	Participant    *Participant      `json:"participant,omitempty"`
	Media          []MediaParameter  `json:"media"`
	Language       string            `json:"language,omitempty"`
	InputVariables map[string]string `json:"inputVariables,omitempty"`
}

// IsProbe reports whether the open is a connection probe.
func (p *OpenParameters) IsProbe() bool {
	return p.ConversationID == NullConversationID
}

// OpenedParameters acknowledge an open with the selected media.
type OpenedParameters struct {
	Media []MediaParameter `json:"media"`
}

// UpdateParameters carry input variables changed after the open.
type UpdateParameters struct {
	InputVariables map[string]string `json:"inputVariables,omitempty"`
}

// CloseParameters accompany a client close request.
type CloseParameters struct {
	Reason string `json:"reason,omitempty"`
}

// DTMFParameters carry one key press.
type DTMFParameters struct {
	Digit string `json:"digit"`
}

// ErrorParameters are reported by the client when it hits a failure.
type ErrorParameters struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// DiscardedParameters report audio the client dropped.
type DiscardedParameters struct {
	Start     string `json:"start,omitempty"`
	Discarded string `json:"discarded,omitempty"`
}

// DisconnectParameters end the conversation from the server side.
type DisconnectParameters struct {
	Reason          DisconnectReason  `json:"reason"`
	Info            string            `json:"info,omitempty"`
	OutputVariables map[string]string `json:"outputVariables,omitempty"`
}

// EmptyParameters serialize as {}.
type EmptyParameters struct{}

// EventParameters wrap one or more event entities.
type EventParameters struct {
	Entities []EventEntity `json:"entities"`
}

// EventEntity is a typed event payload.
type EventEntity struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Event entity types.
const (
	EntityBargeIn         = "barge_in"
	EntityBotTurnResponse = "bot_turn_response"
	EntityTranscript      = "transcript"
)

// BotTurnDisposition classifies a bot turn.
type BotTurnDisposition string

const (
	DispositionMatch   BotTurnDisposition = "match"
	DispositionNoMatch BotTurnDisposition = "no_match"
	DispositionNoInput BotTurnDisposition = "no_input"
)

// BotTurnResponseData is the data of a bot_turn_response entity.
type BotTurnResponseData struct {
	Disposition BotTurnDisposition `json:"disposition"`
	Text        string             `json:"text,omitempty"`
	Confidence  *float64           `json:"confidence,omitempty"`
}

// TranscriptData is the data of a transcript entity.
type TranscriptData struct {
	ID           string                  `json:"id"`
	Channel      string                  `json:"channel"`
	IsFinal      bool                    `json:"isFinal"`
	Alternatives []TranscriptAlternative `json:"alternatives"`
}

// TranscriptAlternative is one recognition hypothesis.
type TranscriptAlternative struct {
	Confidence      float64                    `json:"confidence"`
	Interpretations []TranscriptInterpretation `json:"interpretations"`
}

// TranscriptInterpretation holds the transcript text.
type TranscriptInterpretation struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript"`
}

// BargeInEvent builds a barge_in entity.
func BargeInEvent() EventParameters {
	return EventParameters{Entities: []EventEntity{{Type: EntityBargeIn, Data: struct{}{}}}}
}

// BotTurnResponseEvent builds a bot_turn_response entity.
func BotTurnResponseEvent(disposition BotTurnDisposition, text string, confidence *float64) EventParameters {
	return EventParameters{Entities: []EventEntity{{
		Type: EntityBotTurnResponse,
		Data: BotTurnResponseData{Disposition: disposition, Text: text, Confidence: confidence},
	}}}
}

// TranscriptEvent builds a transcript entity with a single normalized
// interpretation.
func TranscriptEvent(id, channel, text string, confidence float64, isFinal bool) EventParameters {
	return EventParameters{Entities: []EventEntity{{
		Type: EntityTranscript,
		Data: TranscriptData{
			ID:      id,
			Channel: channel,
			IsFinal: isFinal,
			Alternatives: []TranscriptAlternative{{
				Confidence: confidence,
				Interpretations: []TranscriptInterpretation{{
					Type:       "normalized",
					Transcript: text,
				}},
			}},
		},
	}}}
}
