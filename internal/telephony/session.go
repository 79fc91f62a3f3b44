package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/audiohook-gateway/internal/bot"
	"github.com/lexiqai/audiohook-gateway/internal/dtmf"
	"github.com/lexiqai/audiohook-gateway/internal/events"
	"github.com/lexiqai/audiohook-gateway/internal/observability"
	"github.com/lexiqai/audiohook-gateway/internal/protocol"
	"github.com/lexiqai/audiohook-gateway/internal/stt"
)

// Conn is the subset of *websocket.Conn a session writes to.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// State is the session lifecycle.
type State int32

const (
	// StateOpen: transport accepted, no open message yet.
	StateOpen State = iota
	// StateAuthenticated: open accepted, bot resolution pending.
	StateAuthenticated
	// StateActive: opened sent, turns are running.
	StateActive
	StateDisconnecting
	StateClosed
)

func (s State) String() string {
	return [...]string{"Open", "Authenticated", "Active", "Disconnecting", "Closed"}[s]
}

// CaptureMode says which subsystem owns caller input.
type CaptureMode int

const (
	CaptureNone CaptureMode = iota
	CaptureSpeech
	CaptureDTMF
)

// Silence policy actions for short final transcripts.
const (
	SilenceDisconnect = "disconnect"
	SilenceIgnore     = "ignore"
	SilenceForward    = "forward"
)

// Dependencies are the collaborators shared by every session.
type Dependencies struct {
	Bots        bot.Resolver
	Recognizers stt.Factory
	DTMF        dtmf.Factory
	Publisher   events.Publisher
}

// SessionConfig holds per-session behavior settings.
type SessionConfig struct {
	BargeInEnabled             bool
	SilenceMinTranscriptLength int
	SilenceAction              string
	SilenceDisconnectInfo      string
	BotTimeout                 time.Duration
}

// DefaultSessionConfig disconnects on transcripts shorter than two
// characters.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		SilenceMinTranscriptLength: 2,
		SilenceAction:              SilenceDisconnect,
		SilenceDisconnectInfo:      "Session ended due to silence.",
		BotTimeout:                 30 * time.Second,
	}
}

// SessionOptions identify a new session.
type SessionOptions struct {
	ClientSessionID string
	URL             string
	OrganizationID  string
	CorrelationID   string
	Config          SessionConfig
	Registry        *Registry
	Deps            Dependencies
	Logger          zerolog.Logger
}

// Session is the protocol state machine for one AudioHook connection.
type Session struct {
	conn            Conn
	clientSessionID string
	url             string
	organizationID  string
	config          SessionConfig
	registry        *Registry
	deps            Dependencies
	metrics         *observability.Metrics
	logger          atomic.Pointer[zerolog.Logger]
	startedAt       time.Time

	ctx    context.Context
	cancel context.CancelFunc

	lastClientSeq atomic.Int64
	lastServerSeq atomic.Int64

	// outMu orders sequence minting and socket writes.
	outMu sync.Mutex
	// turnMu serializes bot turns.
	turnMu sync.Mutex

	mu             sync.Mutex
	state          State
	conversationID string
	inputVariables map[string]string
	selectedMedia  *protocol.MediaParameter
	selectedBot    bot.Resource
	botStarted     bool
	disconnecting  bool
	closed         bool
	audioPlaying   bool
	paused         bool
	bargedIn       bool
	captureMode    CaptureMode
	recognizer     stt.Recognizer
	recognizerGen  uint64
	capture        dtmf.Capture
	captureGen     uint64
	turns          int
	audioIn        int64
	audioOut       int64
	endReason      protocol.DisconnectReason
	endInfo        string
}

// NewSession binds a session to an accepted connection.
func NewSession(conn Conn, opts SessionOptions) *Session {
	if opts.Registry == nil {
		opts.Registry = DefaultRegistry()
	}
	if opts.Deps.Publisher == nil {
		opts.Deps.Publisher = events.NopPublisher{}
	}
	if opts.Config.BotTimeout == 0 {
		opts.Config.BotTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conn:            conn,
		clientSessionID: opts.ClientSessionID,
		url:             opts.URL,
		organizationID:  opts.OrganizationID,
		config:          opts.Config,
		registry:        opts.Registry,
		deps:            opts.Deps,
		metrics:         observability.NewSessionMetrics(opts.ClientSessionID),
		startedAt:       time.Now(),
		ctx:             ctx,
		cancel:          cancel,
		inputVariables:  map[string]string{},
	}

	logger := opts.Logger.With().
		Str("correlation_id", opts.CorrelationID).
		Str("session_id", opts.ClientSessionID).
		Logger()
	s.logger.Store(&logger)

	s.metrics.RecordSessionStart()
	return s
}

func (s *Session) log() *zerolog.Logger {
	return s.logger.Load()
}

// ID returns the client session id.
func (s *Session) ID() string {
	return s.clientSessionID
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConversationID returns the conversation bound by open.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// InputVariables returns a copy of the current input variables.
func (s *Session) InputVariables() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyVars(s.inputVariables)
}

// Closed reports whether Close has run.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) isDisconnecting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnecting
}

// ProcessTextMessage validates and dispatches one text frame.
func (s *Session) ProcessTextMessage(raw []byte) {
	if s.Closed() {
		return
	}

	msg, err := protocol.DecodeClientMessage(raw)
	if err != nil {
		s.violation("malformed", "Malformed message", err)
		return
	}

	if msg.Seq != s.lastClientSeq.Load()+1 {
		s.violation("client_seq", "Invalid client sequence number", nil)
		return
	}
	if msg.ServerSeq > s.lastServerSeq.Load() {
		s.violation("server_seq", "Invalid server sequence number", nil)
		return
	}
	if msg.ID != s.clientSessionID {
		s.violation("session_id", "Invalid ID specified", nil)
		return
	}
	s.lastClientSeq.Store(msg.Seq)
	s.metrics.RecordMessageIn(string(msg.Type))

	if s.isDisconnecting() && msg.Type != protocol.ClientClose {
		s.log().Debug().Str("type", string(msg.Type)).Msg("Ignoring message while disconnecting")
		return
	}

	handler, ok := s.registry.Handler(msg.Type)
	if !ok {
		s.log().Warn().Str("type", string(msg.Type)).Msg("No handler for message type")
		return
	}
	handler(s, msg)
}

// violation answers a protocol error with a disconnect, or closes the
// transport when a disconnect was already sent.
func (s *Session) violation(reason, info string, err error) {
	s.metrics.RecordViolation(reason)
	s.log().Warn().Err(err).Str("reason", reason).Msg(info)

	if s.isDisconnecting() {
		s.Close()
		return
	}
	s.SendDisconnect(protocol.ReasonError, info, nil)
}

// createMessage mints the next server message. Callers hold outMu.
func (s *Session) createMessage(msgType protocol.ServerMessageType, params any) *protocol.ServerMessage {
	return &protocol.ServerMessage{
		ID:         s.clientSessionID,
		Version:    protocol.Version,
		Seq:        s.lastServerSeq.Add(1),
		ClientSeq:  s.lastClientSeq.Load(),
		Type:       msgType,
		Parameters: params,
	}
}

// send mints and writes a text message. Write failures are logged.
func (s *Session) send(msgType protocol.ServerMessageType, params any) bool {
	s.outMu.Lock()
	defer s.outMu.Unlock()

	if s.Closed() {
		return false
	}

	msg := s.createMessage(msgType, params)
	data, err := json.Marshal(msg)
	if err != nil {
		s.log().Error().Err(err).Str("type", string(msgType)).Msg("Failed to marshal server message")
		return false
	}

	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.metrics.RecordError("write_failed", "websocket")
		s.log().Warn().Err(err).Str("type", string(msgType)).Msg("Failed to send message")
		return false
	}

	s.metrics.RecordMessageOut(string(msgType))
	s.log().Debug().Str("type", string(msgType)).Int64("seq", msg.Seq).Msg("Sent message")
	return true
}

// SendAudio writes audio in frames of at most 64000 bytes.
func (s *Session) SendAudio(b []byte) {
	s.outMu.Lock()
	defer s.outMu.Unlock()

	if s.Closed() {
		return
	}

	sent := 0
	for start := 0; start < len(b); start += protocol.MaxAudioFrameBytes {
		end := start + protocol.MaxAudioFrameBytes
		if end > len(b) {
			end = len(b)
		}
		if err := s.conn.WriteMessage(websocket.BinaryMessage, b[start:end]); err != nil {
			s.metrics.RecordError("write_failed", "websocket")
			s.log().Warn().Err(err).Int("sent", sent).Int("total", len(b)).Msg("Failed to send audio")
			break
		}
		sent += end - start
	}

	s.metrics.RecordAudioBytes("out", int64(sent))
	s.mu.Lock()
	s.audioOut += int64(sent)
	s.mu.Unlock()
}

func (s *Session) sendOpened(media []protocol.MediaParameter) {
	if media == nil {
		media = []protocol.MediaParameter{}
	}
	s.send(protocol.ServerOpened, protocol.OpenedParameters{Media: media})
}

func (s *Session) sendPong() {
	s.send(protocol.ServerPong, protocol.EmptyParameters{})
}

// SendBargeIn tells the client the caller interrupted playback.
func (s *Session) SendBargeIn() {
	s.send(protocol.ServerEvent, protocol.BargeInEvent())
}

// SendTurnResponse reports a bot turn.
func (s *Session) SendTurnResponse(disposition protocol.BotTurnDisposition, text string, confidence *float64) {
	s.send(protocol.ServerEvent, protocol.BotTurnResponseEvent(disposition, text, confidence))
}

// SendTranscript reports recognized caller input on the first selected
// media channel. Nothing is sent without a channel.
func (s *Session) SendTranscript(text string, confidence float64, isFinal bool) {
	s.mu.Lock()
	var channel string
	if s.selectedMedia != nil && len(s.selectedMedia.Channels) > 0 {
		channel = s.selectedMedia.Channels[0]
	}
	s.mu.Unlock()

	if channel == "" {
		s.log().Debug().Msg("No media channel selected, transcript not sent")
		return
	}
	s.send(protocol.ServerEvent, protocol.TranscriptEvent(uuid.NewString(), channel, text, confidence, isFinal))
}

// SendDisconnect asks the client to end the conversation. Only the first
// disconnect is sent.
func (s *Session) SendDisconnect(reason protocol.DisconnectReason, info string, outputVariables map[string]string) {
	s.mu.Lock()
	if s.closed || s.disconnecting {
		s.mu.Unlock()
		return
	}
	s.disconnecting = true
	s.state = StateDisconnecting
	s.endReason = reason
	s.endInfo = info
	s.mu.Unlock()

	s.log().Info().Str("reason", string(reason)).Str("info", info).Msg("Disconnecting session")
	s.send(protocol.ServerDisconnect, protocol.DisconnectParameters{
		Reason:          reason,
		Info:            info,
		OutputVariables: outputVariables,
	})
}

// SendClosed acknowledges a client close.
func (s *Session) SendClosed() {
	s.send(protocol.ServerClosed, protocol.EmptyParameters{})
}

// bindConversation records the open parameters. It reports false when the
// conversation was already bound.
func (s *Session) bindConversation(params *protocol.OpenParameters, media protocol.MediaParameter) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conversationID != "" {
		return false
	}
	s.conversationID = params.ConversationID
	s.inputVariables = copyVars(params.InputVariables)
	s.selectedMedia = &media
	if s.organizationID == "" {
		s.organizationID = params.OrganizationID
	}
	s.state = StateAuthenticated

	logger := s.log().With().Str("conversation_id", params.ConversationID).Logger()
	s.logger.Store(&logger)
	return true
}

// startConversation resolves the bot and plays its greeting. It runs off
// the read goroutine.
func (s *Session) startConversation() {
	if !s.CheckIfBotExists(s.ctx) {
		s.SendDisconnect(protocol.ReasonError, "Unable to find a bot", nil)
		return
	}

	s.mu.Lock()
	if s.closed || s.disconnecting {
		s.mu.Unlock()
		return
	}
	media := []protocol.MediaParameter{*s.selectedMedia}
	s.state = StateActive
	s.mu.Unlock()

	s.sendOpened(media)
	s.ProcessBotStart(s.ctx)
}

// CheckIfBotExists resolves the bot for this connection once.
func (s *Session) CheckIfBotExists(ctx context.Context) bool {
	s.mu.Lock()
	if s.selectedBot != nil {
		s.mu.Unlock()
		return true
	}
	vars := copyVars(s.inputVariables)
	s.mu.Unlock()

	if s.deps.Bots == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.BotTimeout)
	defer cancel()

	start := time.Now()
	resource, err := s.deps.Bots.Resolve(ctx, s.url, vars)
	s.metrics.RecordBotRequest("resolve", err == nil, time.Since(start))
	if err != nil {
		if !errors.Is(err, bot.ErrBotNotFound) {
			s.metrics.RecordError("resolve_failed", "bot")
			s.log().Error().Err(err).Msg("Bot resolution failed")
		}
		return false
	}
	if resource == nil {
		return false
	}

	s.mu.Lock()
	s.selectedBot = resource
	s.mu.Unlock()
	return true
}

// ProcessBotStart plays the bot's initial response. It runs at most once.
func (s *Session) ProcessBotStart(ctx context.Context) {
	s.mu.Lock()
	if s.selectedBot == nil || s.botStarted {
		s.mu.Unlock()
		return
	}
	s.botStarted = true
	resource := s.selectedBot
	vars := copyVars(s.inputVariables)
	s.mu.Unlock()

	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.config.BotTimeout)
	defer cancel()

	start := time.Now()
	resp, err := resource.InitialResponse(ctx, s.url, vars)
	s.metrics.RecordBotRequest("initial", err == nil, time.Since(start))
	if err != nil {
		s.metrics.RecordError("initial_failed", "bot")
		s.log().Error().Err(err).Msg("Bot initial response failed")
		return
	}

	s.deliverTurn("greeting", "", resp)
}

func (s *Session) setPaused(paused bool) {
	s.mu.Lock()
	s.paused = paused
	s.mu.Unlock()
	s.log().Info().Bool("paused", paused).Msg("Audio stream pause state changed")
}

func (s *Session) mergeInputVariables(vars map[string]string) {
	if len(vars) == 0 {
		return
	}
	s.mu.Lock()
	for k, v := range vars {
		s.inputVariables[k] = v
	}
	s.mu.Unlock()
	s.log().Debug().Int("count", len(vars)).Msg("Input variables updated")
}

// TimedOut ends a session whose client went quiet.
func (s *Session) TimedOut() {
	s.log().Warn().Msg("Session idle timeout")
	s.SendDisconnect(protocol.ReasonTimeout, "Session idle timeout", nil)
	s.Close()
}

// Shutdown asks the client to leave and closes the session.
func (s *Session) Shutdown() {
	s.SendDisconnect(protocol.ReasonCompleted, "Server shutting down", nil)
	s.Close()
}

// Close tears the session down. It is safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.state = StateClosed
	rec, capture := s.teardownLocked()
	summary := events.SessionSummary{
		DisconnectReason: string(s.endReason),
		DisconnectInfo:   s.endInfo,
		Duration:         time.Since(s.startedAt),
		Turns:            s.turns,
		AudioBytesIn:     s.audioIn,
		AudioBytesOut:    s.audioOut,
	}
	s.mu.Unlock()

	s.cancel()
	closeCollaborators(s.log(), rec, capture)

	if err := s.conn.Close(); err != nil {
		s.log().Debug().Err(err).Msg("Transport close failed")
	}

	s.metrics.RecordSessionEnd()
	s.publish(events.TypeSessionSummary, summary)

	s.log().Info().
		Dur("duration", summary.Duration).
		Int("turns", summary.Turns).
		Msg("Session closed")
}

// publish emits an analytics event. Failures are logged only.
func (s *Session) publish(t events.Type, data any) {
	s.mu.Lock()
	ev := events.Event{
		Type:           t,
		SessionID:      s.clientSessionID,
		ConversationID: s.conversationID,
		OrganizationID: s.organizationID,
		Timestamp:      time.Now().UTC(),
		Data:           data,
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.deps.Publisher.Publish(ctx, ev); err != nil {
		s.log().Debug().Err(err).Str("event", string(t)).Msg("Failed to publish event")
	}
}

func copyVars(vars map[string]string) map[string]string {
	out := make(map[string]string, len(vars))
	for k, v := range vars {
		out[k] = v
	}
	return out
}
