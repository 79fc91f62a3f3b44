package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeClientMessage(t *testing.T) {
	raw := []byte(`{
		"version": "2",
		"id": "e160e428-53e2-487c-977d-96989bf5c99d",
		"type": "open",
		"seq": 1,
		"serverseq": 0,
		"position": "PT0S",
		"parameters": {
			"organizationId": "d7934305-0972-4844-938e-9060eef73d05",
			"conversationId": "090eaa2f-72fa-480a-83e0-8667ff89c0ec",
			"participant": {"id": "883efee8-3d6c-4537-b500-6d7ca4b92fa0", "ani": "+1-555-555-1234", "dnis": "+1-800-555-6789"},
			"media": [
				{"type": "audio", "format": "PCMU", "channels": ["external"], "rate": 8000}
			],
			"language": "en-US",
			"inputVariables": {"dnis": "5551234", "custnum": "42"}
		}
	}`)

	msg, err := DecodeClientMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, ClientOpen, msg.Type)
	assert.Equal(t, int64(1), msg.Seq)
	assert.Equal(t, int64(0), msg.ServerSeq)
	assert.Equal(t, "PT0S", msg.Position)

	var params OpenParameters
	require.NoError(t, msg.DecodeParameters(&params))
	assert.False(t, params.IsProbe())
	require.Len(t, params.Media, 1)
	assert.True(t, params.Media[0].IsPCMU8k())
	assert.Equal(t, []string{"external"}, params.Media[0].Channels)
	assert.Equal(t, "42", params.InputVariables["custnum"])
	require.NotNil(t, params.Participant)
	assert.Equal(t, "+1-800-555-6789", params.Participant.DNIS)
}

func TestDecodeClientMessage_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `hello`},
		{"missing type", `{"id":"a","seq":1}`},
		{"missing seq", `{"id":"a","type":"ping"}`},
		{"missing id", `{"type":"ping","seq":1}`},
		{"string seq", `{"id":"a","type":"ping","seq":"1"}`},
		{"array", `[1,2,3]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeClientMessage([]byte(tt.raw))
			require.Error(t, err)
			assert.True(t, IsMalformed(err), "expected MalformedMessageError, got %T", err)
		})
	}
}

func TestDecodeParameters(t *testing.T) {
	msg := &ClientMessage{Type: ClientDTMF, Parameters: json.RawMessage(`{"digit":"5"}`)}
	var dtmf DTMFParameters
	require.NoError(t, msg.DecodeParameters(&dtmf))
	assert.Equal(t, "5", dtmf.Digit)

	msg = &ClientMessage{Type: ClientPing}
	var empty EmptyParameters
	assert.NoError(t, msg.DecodeParameters(&empty))

	msg = &ClientMessage{Type: ClientDTMF, Parameters: json.RawMessage(`{"digit":5}`)}
	err := msg.DecodeParameters(&dtmf)
	require.Error(t, err)
	assert.True(t, IsMalformed(err))
	assert.Contains(t, err.Error(), "dtmf")
}

func TestOpenParameters_IsProbe(t *testing.T) {
	p := OpenParameters{ConversationID: NullConversationID}
	assert.True(t, p.IsProbe())
}

func TestServerMessage_Wire(t *testing.T) {
	confidence := 0.9
	msg := ServerMessage{
		ID:         "session-1",
		Version:    Version,
		Seq:        2,
		ClientSeq:  1,
		Type:       ServerEvent,
		Parameters: BotTurnResponseEvent(DispositionMatch, "Hello", &confidence),
	}

	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"id": "session-1",
		"version": "2",
		"seq": 2,
		"clientseq": 1,
		"type": "event",
		"parameters": {
			"entities": [
				{"type": "bot_turn_response", "data": {"disposition": "match", "text": "Hello", "confidence": 0.9}}
			]
		}
	}`, string(raw))
}

func TestTranscriptEvent_Wire(t *testing.T) {
	raw, err := json.Marshal(TranscriptEvent("t-1", "external", "1234", 1.0, true))
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"entities": [{
			"type": "transcript",
			"data": {
				"id": "t-1",
				"channel": "external",
				"isFinal": true,
				"alternatives": [{
					"confidence": 1,
					"interpretations": [{"type": "normalized", "transcript": "1234"}]
				}]
			}
		}]
	}`, string(raw))
}

func TestDisconnectAndBargeIn_Wire(t *testing.T) {
	raw, err := json.Marshal(DisconnectParameters{Reason: ReasonError, Info: "Invalid ID specified"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"reason":"error","info":"Invalid ID specified"}`, string(raw))

	raw, err = json.Marshal(BargeInEvent())
	require.NoError(t, err)
	assert.JSONEq(t, `{"entities":[{"type":"barge_in","data":{}}]}`, string(raw))

	raw, err = json.Marshal(EmptyParameters{})
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(raw))
}
