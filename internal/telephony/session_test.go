package telephony

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/audiohook-gateway/internal/bot"
	"github.com/lexiqai/audiohook-gateway/internal/protocol"
)

func TestProcessTextMessage_Violations(t *testing.T) {
	tests := []struct {
		name     string
		raw      func(t *testing.T) []byte
		wantInfo string
	}{
		{
			name:     "client seq gap",
			raw:      func(t *testing.T) []byte { return clientMessage(t, testSessionID, 5, 0, protocol.ClientPing, nil) },
			wantInfo: "Invalid client sequence number",
		},
		{
			name:     "server seq ahead",
			raw:      func(t *testing.T) []byte { return clientMessage(t, testSessionID, 1, 3, protocol.ClientPing, nil) },
			wantInfo: "Invalid server sequence number",
		},
		{
			name:     "wrong id",
			raw:      func(t *testing.T) []byte { return clientMessage(t, "other-session", 1, 0, protocol.ClientPing, nil) },
			wantInfo: "Invalid ID specified",
		},
		{
			name:     "seq checked before id",
			raw:      func(t *testing.T) []byte { return clientMessage(t, "other-session", 2, 9, protocol.ClientPing, nil) },
			wantInfo: "Invalid client sequence number",
		},
		{
			name:     "serverseq checked before id",
			raw:      func(t *testing.T) []byte { return clientMessage(t, "other-session", 1, 9, protocol.ClientPing, nil) },
			wantInfo: "Invalid server sequence number",
		},
		{
			name:     "not json",
			raw:      func(*testing.T) []byte { return []byte("{nope") },
			wantInfo: "Malformed message",
		},
		{
			name:     "missing seq",
			raw:      func(*testing.T) []byte { return []byte(`{"id":"` + testSessionID + `","type":"ping"}`) },
			wantInfo: "Malformed message",
		},
		{
			name: "bad open parameters",
			raw: func(*testing.T) []byte {
				return []byte(`{"id":"` + testSessionID + `","seq":1,"serverseq":0,"type":"open","parameters":{"media":"x"}}`)
			},
			wantInfo: "Malformed message",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.session.ProcessTextMessage(tt.raw(t))

			msgs := env.conn.messages(t)
			require.Len(t, msgs, 1)
			p := msgs[0].disconnect(t)
			assert.Equal(t, protocol.ReasonError, p.Reason)
			assert.Equal(t, tt.wantInfo, p.Info)
			assert.Equal(t, int64(1), msgs[0].Seq)
			assert.Equal(t, StateDisconnecting, env.session.State())
		})
	}
}

func TestProcessTextMessage_NoProcessingAfterViolation(t *testing.T) {
	env := newTestEnv(t)
	env.session.ProcessTextMessage(clientMessage(t, testSessionID, 5, 0, protocol.ClientOpen, openParams("c-1")))

	// A correctly sequenced message is not dispatched while disconnecting.
	env.session.ProcessTextMessage(clientMessage(t, testSessionID, 1, 1, protocol.ClientPing, nil))
	env.session.ProcessBinaryMessage(make([]byte, 160))

	msgs := env.conn.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, "disconnect", msgs[0].Type)
	assert.Equal(t, 0, env.resolver.callCount())
	assert.Equal(t, 0, env.recognizers.count())

	// A second violation closes the transport instead of disconnecting again.
	env.session.ProcessTextMessage(clientMessage(t, testSessionID, 7, 1, protocol.ClientPing, nil))
	assert.Len(t, env.conn.messages(t), 1)
	assert.True(t, env.session.Closed())
	assert.Equal(t, 1, env.conn.closeCount())
}

func TestProcessTextMessage_CloseWhileDisconnecting(t *testing.T) {
	env := newTestEnv(t)
	env.session.SendDisconnect(protocol.ReasonCompleted, "done", nil)

	env.send(t, protocol.ClientClose, protocol.CloseParameters{Reason: "disconnected"})

	msgs := env.conn.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "closed", msgs[1].Type)
	assert.Equal(t, int64(1), msgs[1].ClientSeq)
	assert.True(t, env.session.Closed())
}

func TestProcessTextMessage_PingAndUnknown(t *testing.T) {
	env := newTestEnv(t)

	env.send(t, protocol.ClientMessageType("reticulate"), nil)
	assert.Empty(t, env.conn.messages(t))

	env.send(t, protocol.ClientPing, nil)
	msgs := env.conn.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, "pong", msgs[0].Type)
	assert.Equal(t, int64(1), msgs[0].Seq)
	assert.Equal(t, int64(2), msgs[0].ClientSeq)
	assert.Equal(t, testSessionID, msgs[0].ID)
	assert.Equal(t, protocol.Version, msgs[0].Version)
}

func TestProcessTextMessage_IgnoredAfterClose(t *testing.T) {
	env := newTestEnv(t)
	env.session.Close()
	env.session.Close()

	env.send(t, protocol.ClientPing, nil)
	env.session.SendBargeIn()
	env.session.SendAudio(make([]byte, 10))

	assert.Empty(t, env.conn.messages(t))
	assert.Empty(t, env.conn.audioFrames())
	assert.Equal(t, 1, env.conn.closeCount())
	assert.Equal(t, StateClosed, env.session.State())
}

func TestCreateMessage_MonotonicUnderConcurrency(t *testing.T) {
	env := newTestEnv(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env.session.SendBargeIn()
		}()
	}
	wg.Wait()

	msgs := env.conn.messages(t)
	require.Len(t, msgs, 50)
	for i, m := range msgs {
		assert.Equal(t, int64(i+1), m.Seq)
	}
}

func TestSendAudio_Chunking(t *testing.T) {
	tests := []struct {
		size  int
		sizes []int
	}{
		{size: 64000, sizes: []int{64000}},
		{size: 64001, sizes: []int{64000, 1}},
		{size: 128000, sizes: []int{64000, 64000}},
		{size: 10, sizes: []int{10}},
	}

	for _, tt := range tests {
		env := newTestEnv(t)
		data := make([]byte, tt.size)
		for i := range data {
			data[i] = byte(i)
		}
		env.session.SendAudio(data)

		frames := env.conn.audioFrames()
		require.Len(t, frames, len(tt.sizes), "size %d", tt.size)
		var joined []byte
		for i, f := range frames {
			assert.Len(t, f, tt.sizes[i])
			joined = append(joined, f...)
		}
		assert.Equal(t, data, joined)
	}
}

func TestOpen_ResolvesBotAndGreets(t *testing.T) {
	env := newTestEnv(t)
	env.open(t)

	msgs := env.conn.messages(t)
	require.Len(t, msgs, 2)

	assert.Equal(t, "opened", msgs[0].Type)
	assert.Equal(t, int64(1), msgs[0].Seq)
	var opened protocol.OpenedParameters
	require.NoError(t, json.Unmarshal(msgs[0].Parameters, &opened))
	require.Len(t, opened.Media, 1)
	assert.True(t, opened.Media[0].IsPCMU8k())

	turn := msgs[1].turnResponse(t)
	assert.Equal(t, int64(2), msgs[1].Seq)
	assert.Equal(t, "Welcome", turn.Text)
	assert.Equal(t, protocol.DispositionMatch, turn.Disposition)

	assert.Equal(t, StateActive, env.session.State())
	assert.Equal(t, "c-1", env.session.ConversationID())
	assert.Equal(t, "020966903", env.resolver.vars["dnis"])
	assert.Equal(t, 1, env.resource.starts)

	// A repeated open changes nothing.
	env.send(t, protocol.ClientOpen, openParams("c-2"))
	assert.Equal(t, "c-1", env.session.ConversationID())
	assert.Equal(t, 1, env.resolver.callCount())
}

func TestOpen_Probe(t *testing.T) {
	env := newTestEnv(t)
	env.send(t, protocol.ClientOpen, openParams(protocol.NullConversationID))

	msgs := env.conn.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, "opened", msgs[0].Type)
	assert.Equal(t, 0, env.resolver.callCount())
	assert.Equal(t, StateOpen, env.session.State())
}

func TestOpen_BotNotFound(t *testing.T) {
	env := newTestEnv(t)
	env.resolver.err = bot.ErrBotNotFound

	env.send(t, protocol.ClientOpen, openParams("c-1"))

	msgs := env.conn.waitMessages(t, 1)
	p := msgs[0].disconnect(t)
	assert.Equal(t, protocol.ReasonError, p.Reason)
	assert.Equal(t, "Unable to find a bot", p.Info)
}

func TestOpen_NoMedia(t *testing.T) {
	env := newTestEnv(t)
	params := openParams("c-1")
	params.Media = nil

	env.send(t, protocol.ClientOpen, params)

	msgs := env.conn.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, protocol.ReasonError, msgs[0].disconnect(t).Reason)
}

func TestOpen_FallsBackToFirstOffer(t *testing.T) {
	media, ok := selectMedia([]protocol.MediaParameter{{Format: "L16", Rate: 16000}, {Format: "OPUS", Rate: 48000}})
	require.True(t, ok)
	assert.Equal(t, "L16", media.Format)
}

func TestUpdate_MergesInputVariables(t *testing.T) {
	env := newTestEnv(t)
	env.open(t)

	env.send(t, protocol.ClientUpdate, protocol.UpdateParameters{InputVariables: map[string]string{"custnum": "C-2", "lang": "th"}})

	vars := env.session.InputVariables()
	assert.Equal(t, "C-2", vars["custnum"])
	assert.Equal(t, "th", vars["lang"])
	assert.Equal(t, "020966903", vars["dnis"])
}

func TestClose_SendsClosedThenCloses(t *testing.T) {
	env := newTestEnv(t)
	env.open(t)

	env.send(t, protocol.ClientClose, nil)

	msgs := env.conn.messages(t)
	assert.Equal(t, "closed", msgs[len(msgs)-1].Type)
	assert.True(t, env.session.Closed())
	assert.Equal(t, 1, env.conn.closeCount())
}

func TestSend_WriteFailureIsSwallowed(t *testing.T) {
	env := newTestEnv(t)
	env.conn.writeErr = errors.New("broken pipe")

	env.send(t, protocol.ClientPing, nil)
	env.session.SendAudio(make([]byte, 100))

	assert.False(t, env.session.Closed())
	assert.Equal(t, int64(1), env.session.lastServerSeq.Load())
}

func TestTurn_EndSessionDisconnects(t *testing.T) {
	env := newTestEnv(t)
	env.resource.reply = func(input string) (*bot.Response, error) {
		return &bot.Response{Disposition: protocol.DispositionMatch, Text: "Goodbye", EndSession: true}, nil
	}
	env.open(t)

	env.session.ProcessBinaryMessage(make([]byte, 160))
	env.recognizers.last().final("that is all")

	msgs := env.conn.waitMessages(t, 5)
	assert.Equal(t, "that is all", msgs[2].transcript(t).Alternatives[0].Interpretations[0].Transcript)
	assert.Equal(t, "Goodbye", msgs[3].turnResponse(t).Text)
	p := msgs[4].disconnect(t)
	assert.Equal(t, protocol.ReasonCompleted, p.Reason)
	assert.Empty(t, p.Info)
}

func TestTurn_BotFailureDropsTurn(t *testing.T) {
	env := newTestEnv(t)
	env.resource.reply = func(string) (*bot.Response, error) { return nil, errors.New("backend down") }
	env.open(t)

	env.session.ProcessBinaryMessage(make([]byte, 160))
	env.recognizers.last().final("hello there")

	require.Eventually(t, func() bool { return len(env.resource.received()) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	msgs := env.conn.messages(t)
	require.Len(t, msgs, 3)
	assert.Equal(t, StateActive, env.session.State())
}

func TestShutdown_SendsDisconnect(t *testing.T) {
	env := newTestEnv(t)
	env.open(t)

	env.session.Shutdown()

	msgs := env.conn.messages(t)
	p := msgs[len(msgs)-1].disconnect(t)
	assert.Equal(t, protocol.ReasonCompleted, p.Reason)
	assert.Equal(t, "Server shutting down", p.Info)
	assert.True(t, env.session.Closed())
}
