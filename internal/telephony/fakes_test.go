package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/audiohook-gateway/internal/bot"
	"github.com/lexiqai/audiohook-gateway/internal/dtmf"
	"github.com/lexiqai/audiohook-gateway/internal/protocol"
	"github.com/lexiqai/audiohook-gateway/internal/stt"
)

const testSessionID = "e160e428-53e2-487c-977d-96989bf5c99d"

// sentMessage is a server message as seen on the wire.
type sentMessage struct {
	ID         string          `json:"id"`
	Version    string          `json:"version"`
	Seq        int64           `json:"seq"`
	ClientSeq  int64           `json:"clientseq"`
	Type       string          `json:"type"`
	Parameters json.RawMessage `json:"parameters"`
}

func (m sentMessage) disconnect(t *testing.T) protocol.DisconnectParameters {
	t.Helper()
	require.Equal(t, "disconnect", m.Type)
	var p protocol.DisconnectParameters
	require.NoError(t, json.Unmarshal(m.Parameters, &p))
	return p
}

// entity returns the type and raw data of the first event entity.
func (m sentMessage) entity(t *testing.T) (string, json.RawMessage) {
	t.Helper()
	require.Equal(t, "event", m.Type)
	var p struct {
		Entities []struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		} `json:"entities"`
	}
	require.NoError(t, json.Unmarshal(m.Parameters, &p))
	require.Len(t, p.Entities, 1)
	return p.Entities[0].Type, p.Entities[0].Data
}

func (m sentMessage) transcript(t *testing.T) protocol.TranscriptData {
	t.Helper()
	typ, data := m.entity(t)
	require.Equal(t, protocol.EntityTranscript, typ)
	var d protocol.TranscriptData
	require.NoError(t, json.Unmarshal(data, &d))
	return d
}

func (m sentMessage) turnResponse(t *testing.T) protocol.BotTurnResponseData {
	t.Helper()
	typ, data := m.entity(t)
	require.Equal(t, protocol.EntityBotTurnResponse, typ)
	var d protocol.BotTurnResponseData
	require.NoError(t, json.Unmarshal(data, &d))
	return d
}

type frame struct {
	messageType int
	data        []byte
}

// fakeConn records every frame written by a session.
type fakeConn struct {
	mu       sync.Mutex
	frames   []frame
	closes   int
	writeErr error
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.frames = append(c.frames, frame{messageType: messageType, data: append([]byte(nil), data...)})
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return errors.New("already closed")
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

func (c *fakeConn) messages(t *testing.T) []sentMessage {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []sentMessage
	for _, f := range c.frames {
		if f.messageType != websocket.TextMessage {
			continue
		}
		var m sentMessage
		require.NoError(t, json.Unmarshal(f.data, &m))
		out = append(out, m)
	}
	return out
}

func (c *fakeConn) audioFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out [][]byte
	for _, f := range c.frames {
		if f.messageType == websocket.BinaryMessage {
			out = append(out, f.data)
		}
	}
	return out
}

// waitMessages waits until at least n text messages were written.
func (c *fakeConn) waitMessages(t *testing.T, n int) []sentMessage {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.messages(t)) >= n }, 2*time.Second, 5*time.Millisecond)
	return c.messages(t)
}

// fakeResource is a scripted bot.
type fakeResource struct {
	mu       sync.Mutex
	initial  *bot.Response
	reply    func(input string) (*bot.Response, error)
	inputs   []string
	starts   int
	initErr  error
	released chan struct{} // when set, Respond blocks until closed
}

func (r *fakeResource) InitialResponse(context.Context, string, map[string]string) (*bot.Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts++
	return r.initial, r.initErr
}

func (r *fakeResource) Respond(ctx context.Context, input string) (*bot.Response, error) {
	r.mu.Lock()
	r.inputs = append(r.inputs, input)
	reply, released := r.reply, r.released
	r.mu.Unlock()

	if released != nil {
		select {
		case <-released:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if reply == nil {
		return &bot.Response{Disposition: protocol.DispositionMatch, Text: "You said " + input}, nil
	}
	return reply(input)
}

func (r *fakeResource) received() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.inputs...)
}

type fakeResolver struct {
	mu       sync.Mutex
	resource bot.Resource
	err      error
	calls    int
	vars     map[string]string
}

func (f *fakeResolver) Resolve(_ context.Context, _ string, vars map[string]string) (bot.Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.vars = vars
	if f.err != nil {
		return nil, f.err
	}
	return f.resource, nil
}

func (f *fakeResolver) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeRecognizer lets tests drive recognizer events directly.
type fakeRecognizer struct {
	mu       sync.Mutex
	handler  stt.Handler
	state    stt.State
	received int
	closed   bool
}

func (r *fakeRecognizer) ProcessAudio(chunk []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Done() {
		return stt.ErrRecognitionComplete
	}
	r.state = stt.StateProcessing
	r.received += len(chunk)
	return nil
}

func (r *fakeRecognizer) State() stt.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *fakeRecognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if !r.state.Done() {
		r.state = stt.StateComplete
	}
	return nil
}

func (r *fakeRecognizer) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *fakeRecognizer) final(text string) {
	r.mu.Lock()
	r.state = stt.StateComplete
	r.mu.Unlock()
	r.handler(stt.Event{Kind: stt.EventFinal, Transcript: stt.Transcript{Text: text, Confidence: 0.9}})
}

func (r *fakeRecognizer) fail(err error) {
	r.mu.Lock()
	r.state = stt.StateError
	r.mu.Unlock()
	r.handler(stt.Event{Kind: stt.EventError, Err: err})
}

type fakeRecognizerFactory struct {
	mu      sync.Mutex
	created []*fakeRecognizer
	err     error
}

func (f *fakeRecognizerFactory) Name() string { return "fake" }

func (f *fakeRecognizerFactory) NewRecognizer(_ context.Context, handler stt.Handler) (stt.Recognizer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	r := &fakeRecognizer{handler: handler}
	f.created = append(f.created, r)
	return r, nil
}

func (f *fakeRecognizerFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeRecognizerFactory) last() *fakeRecognizer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

type testEnv struct {
	session     *Session
	conn        *fakeConn
	resolver    *fakeResolver
	resource    *fakeResource
	recognizers *fakeRecognizerFactory
	seq         int64
}

func newTestEnv(t *testing.T, configure ...func(*SessionConfig)) *testEnv {
	t.Helper()

	cfg := DefaultSessionConfig()
	cfg.BotTimeout = 2 * time.Second
	for _, fn := range configure {
		fn(&cfg)
	}

	resource := &fakeResource{
		initial: &bot.Response{
			Disposition: protocol.DispositionMatch,
			Text:        "Welcome",
			Confidence:  bot.Confidence(1.0),
			Audio:       make([]byte, 1000),
		},
	}
	env := &testEnv{
		conn:        &fakeConn{},
		resolver:    &fakeResolver{resource: resource},
		resource:    resource,
		recognizers: &fakeRecognizerFactory{},
	}
	env.session = NewSession(env.conn, SessionOptions{
		ClientSessionID: testSessionID,
		URL:             "wss://gateway.test/api/v1/audiohook/ws",
		CorrelationID:   "corr-1",
		Config:          cfg,
		Deps: Dependencies{
			Bots:        env.resolver,
			Recognizers: env.recognizers,
			DTMF:        dtmf.NewCollectorFactory(dtmf.Config{Terminator: "#"}),
		},
		Logger: zerolog.Nop(),
	})
	t.Cleanup(env.session.Close)
	return env
}

// send delivers the next client message with correct sequencing.
func (e *testEnv) send(t *testing.T, msgType protocol.ClientMessageType, params any) {
	t.Helper()
	e.seq++
	e.session.ProcessTextMessage(clientMessage(t, testSessionID, e.seq, e.session.lastServerSeq.Load(), msgType, params))
}

// open runs the open handshake and waits for opened plus the greeting turn.
func (e *testEnv) open(t *testing.T) {
	t.Helper()
	e.send(t, protocol.ClientOpen, openParams("c-1"))
	e.conn.waitMessages(t, 2)
	require.Eventually(t, func() bool { return len(e.conn.audioFrames()) == 1 }, 2*time.Second, 5*time.Millisecond)
}

func clientMessage(t *testing.T, id string, seq, serverSeq int64, msgType protocol.ClientMessageType, params any) []byte {
	t.Helper()
	if params == nil {
		params = struct{}{}
	}
	raw, err := json.Marshal(map[string]any{
		"id":         id,
		"version":    protocol.Version,
		"seq":        seq,
		"serverseq":  serverSeq,
		"type":       msgType,
		"parameters": params,
	})
	require.NoError(t, err)
	return raw
}

func openParams(conversationID string) protocol.OpenParameters {
	return protocol.OpenParameters{
		OrganizationID: "org-1",
		ConversationID: conversationID,
		Media: []protocol.MediaParameter{
			{Type: "audio", Format: "L16", Channels: []string{"external"}, Rate: 16000},
			{Type: "audio", Format: "PCMU", Channels: []string{"external"}, Rate: 8000},
		},
		InputVariables: map[string]string{"dnis": "020966903", "custnum": "C-1"},
	}
}
