package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/audiohook-gateway/internal/auth"
	"github.com/lexiqai/audiohook-gateway/internal/bot"
	"github.com/lexiqai/audiohook-gateway/internal/dtmf"
	"github.com/lexiqai/audiohook-gateway/internal/protocol"
	"github.com/lexiqai/audiohook-gateway/internal/stt"
)

const wsPath = "/api/v1/audiohook/ws"

var serverSecret = []byte("gateway-test-secret")

type testServer struct {
	srv  *Server
	http *httptest.Server
}

func newTestServer(t *testing.T, idle time.Duration) *testServer {
	t.Helper()

	store, err := auth.NewStaticSecretStore(map[string]string{
		"key-1": base64.StdEncoding.EncodeToString(serverSecret),
	})
	require.NoError(t, err)

	resource := &fakeResource{
		initial: &bot.Response{
			Disposition: protocol.DispositionMatch,
			Text:        "Welcome",
			Audio:       make([]byte, 1000),
		},
	}
	deps := Dependencies{
		Bots:        &fakeResolver{resource: resource},
		Recognizers: stt.NewSimulatedFactory("I need help", 1600, nil),
		DTMF:        dtmf.NewCollectorFactory(dtmf.Config{Terminator: "#"}),
	}

	srv := NewServer(ServerConfig{IdleTimeout: idle, Session: DefaultSessionConfig()}, deps,
		auth.NewVerifier(store, 5*time.Minute, 30*time.Second), zerolog.Nop())

	mux := http.NewServeMux()
	mux.Handle(wsPath, srv)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return &testServer{srv: srv, http: ts}
}

// headers builds signed upgrade headers for the test server.
func (ts *testServer) headers(t *testing.T, sessionID string, sign bool) http.Header {
	t.Helper()
	r, err := http.NewRequest(http.MethodGet, ts.http.URL+wsPath, nil)
	require.NoError(t, err)
	r.Header.Set(auth.HeaderOrganizationID, "org-1")
	r.Header.Set(auth.HeaderCorrelationID, "corr-1")
	r.Header.Set(auth.HeaderAPIKey, "key-1")
	if sessionID != "" {
		r.Header.Set(auth.HeaderSessionID, sessionID)
	}
	if sign {
		require.NoError(t, auth.Sign(r, "key-1", serverSecret, time.Now(), "nonce-"+sessionID))
	}
	return r.Header
}

func (ts *testServer) dialURL() string {
	return "ws" + strings.TrimPrefix(ts.http.URL, "http") + wsPath
}

// client is an AudioHook client driving a real connection.
type client struct {
	conn       *websocket.Conn
	seq        int64
	serverSeq  int64
	audioBytes int
}

func (ts *testServer) connect(t *testing.T) *client {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(ts.dialURL(), ts.headers(t, testSessionID, true))
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return &client{conn: conn}
}

func (c *client) send(t *testing.T, msgType protocol.ClientMessageType, params any) {
	t.Helper()
	c.seq++
	c.sendRaw(t, clientMessage(t, testSessionID, c.seq, c.serverSeq, msgType, params))
}

func (c *client) sendRaw(t *testing.T, raw []byte) {
	t.Helper()
	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, raw))
}

// next returns the next text message, counting audio frames on the way.
func (c *client) next(t *testing.T) sentMessage {
	t.Helper()
	for {
		require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		typ, data, err := c.conn.ReadMessage()
		require.NoError(t, err)
		if typ == websocket.BinaryMessage {
			c.audioBytes += len(data)
			continue
		}
		var m sentMessage
		require.NoError(t, json.Unmarshal(data, &m))
		c.serverSeq = m.Seq
		return m
	}
}

// waitClosed reads until the server closes the transport.
func (c *client) waitClosed(t *testing.T) {
	t.Helper()
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, _, err := c.conn.ReadMessage()
		if err == nil {
			continue
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			t.Fatalf("transport was not closed: %v", err)
		}
		return
	}
}

func TestServer_RejectsUnsignedUpgrade(t *testing.T) {
	ts := newTestServer(t, 0)

	tests := []struct {
		name   string
		header http.Header
	}{
		{"unsigned", ts.headers(t, testSessionID, false)},
		{"missing session id", ts.headers(t, "", false)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(ts.dialURL(), tt.header)
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.NotNil(t, resp)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		})
	}
	assert.Equal(t, 0, ts.srv.ActiveSessions())
}

func TestServer_ConversationFlow(t *testing.T) {
	ts := newTestServer(t, 0)
	c := ts.connect(t)

	c.send(t, protocol.ClientOpen, openParams("conv-1"))

	opened := c.next(t)
	assert.Equal(t, "opened", opened.Type)
	assert.Equal(t, int64(1), opened.Seq)
	assert.Equal(t, int64(1), opened.ClientSeq)
	var op protocol.OpenedParameters
	require.NoError(t, json.Unmarshal(opened.Parameters, &op))
	require.Len(t, op.Media, 1)
	assert.Equal(t, "PCMU", op.Media[0].Format)

	greeting := c.next(t)
	assert.Equal(t, "Welcome", greeting.turnResponse(t).Text)

	c.send(t, protocol.ClientPing, nil)
	pong := c.next(t)
	assert.Equal(t, "pong", pong.Type)
	assert.Equal(t, int64(2), pong.ClientSeq)

	for i := 0; i < 2; i++ {
		require.NoError(t, c.conn.WriteMessage(websocket.BinaryMessage, make([]byte, 800)))
	}

	transcript := c.next(t)
	assert.Equal(t, "I need help", transcript.transcript(t).Alternatives[0].Interpretations[0].Transcript)
	reply := c.next(t)
	assert.Equal(t, "You said I need help", reply.turnResponse(t).Text)

	c.send(t, protocol.ClientClose, protocol.CloseParameters{Reason: "end"})
	closed := c.next(t)
	assert.Equal(t, "closed", closed.Type)
	assert.Equal(t, 1000, c.audioBytes)
	c.waitClosed(t)

	require.Eventually(t, func() bool { return ts.srv.ActiveSessions() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestServer_DTMFFlow(t *testing.T) {
	ts := newTestServer(t, 0)
	c := ts.connect(t)

	c.send(t, protocol.ClientOpen, openParams("conv-2"))
	c.next(t)
	c.next(t)

	for _, d := range []string{"7", "0", "#"} {
		c.send(t, protocol.ClientDTMF, protocol.DTMFParameters{Digit: d})
	}

	transcript := c.next(t).transcript(t)
	assert.Equal(t, "70", transcript.Alternatives[0].Interpretations[0].Transcript)
	assert.Equal(t, "You said 70", c.next(t).turnResponse(t).Text)
}

func TestServer_SequenceViolation(t *testing.T) {
	ts := newTestServer(t, 0)
	c := ts.connect(t)

	c.sendRaw(t, clientMessage(t, testSessionID, 5, 0, protocol.ClientOpen, openParams("conv-3")))

	msg := c.next(t)
	p := msg.disconnect(t)
	assert.Equal(t, protocol.ReasonError, p.Reason)
	assert.Equal(t, "Invalid client sequence number", p.Info)
	assert.Equal(t, int64(1), msg.Seq)

	// A second violation while disconnecting closes the transport.
	c.sendRaw(t, clientMessage(t, testSessionID, 9, 1, protocol.ClientPing, nil))
	c.waitClosed(t)
}

func TestServer_IdleTimeout(t *testing.T) {
	ts := newTestServer(t, 100*time.Millisecond)
	c := ts.connect(t)

	p := c.next(t).disconnect(t)
	assert.Equal(t, protocol.ReasonTimeout, p.Reason)
	c.waitClosed(t)
}

func TestServer_Shutdown(t *testing.T) {
	ts := newTestServer(t, 0)
	c := ts.connect(t)

	c.send(t, protocol.ClientOpen, openParams("conv-4"))
	c.next(t)
	c.next(t)
	require.Eventually(t, func() bool { return ts.srv.ActiveSessions() == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, ts.srv.Shutdown(ctx))

	p := c.next(t).disconnect(t)
	assert.Equal(t, protocol.ReasonCompleted, p.Reason)
	assert.Equal(t, "Server shutting down", p.Info)
	assert.Equal(t, 0, ts.srv.ActiveSessions())

	_, resp, err := websocket.DefaultDialer.Dial(ts.dialURL(), ts.headers(t, "other-session", true))
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestConnectionURL(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://gw.example.com/api/v1/audiohook/ws?bot=1", nil)
	assert.Equal(t, "ws://gw.example.com/api/v1/audiohook/ws?bot=1", connectionURL(r))

	r.Header.Set("X-Forwarded-Proto", "https")
	assert.Equal(t, "wss://gw.example.com/api/v1/audiohook/ws?bot=1", connectionURL(r))
}

func TestRejectReason(t *testing.T) {
	assert.Equal(t, "verifier_error", rejectReason(assert.AnError))
	assert.Equal(t, "unknown_key", rejectReason(&auth.VerificationError{Reason: "lookup", Err: auth.ErrUnknownKey}))
}
