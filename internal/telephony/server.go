// Package telephony terminates AudioHook WebSocket connections and runs the
// per-connection protocol session.
package telephony

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/audiohook-gateway/internal/auth"
	"github.com/lexiqai/audiohook-gateway/internal/observability"
)

// maxFrameBytes bounds a single inbound frame.
const maxFrameBytes = 1 << 20

// RequestVerifier authorizes an upgrade request.
type RequestVerifier interface {
	Verify(ctx context.Context, r *http.Request) error
}

// ServerConfig configures connection handling.
type ServerConfig struct {
	IdleTimeout time.Duration // 0 disables the idle timeout
	Session     SessionConfig
}

// Server upgrades authorized requests and runs one Session per connection.
type Server struct {
	config   ServerConfig
	deps     Dependencies
	verifier RequestVerifier
	registry *Registry
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu           sync.Mutex
	sessions     map[*Session]struct{}
	shuttingDown bool
	wg           sync.WaitGroup
}

// NewServer creates a server. A nil verifier accepts every request that
// carries a session id.
func NewServer(cfg ServerConfig, deps Dependencies, verifier RequestVerifier, logger zerolog.Logger) *Server {
	return &Server{
		config:   cfg,
		deps:     deps,
		verifier: verifier,
		registry: DefaultRegistry(),
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger:   logger.With().Str("component", "audiohook_server").Logger(),
		sessions: make(map[*Session]struct{}),
	}
}

// ActiveSessions returns the number of live sessions.
func (srv *Server) ActiveSessions() int {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return len(srv.sessions)
}

func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := r.Header.Get(auth.HeaderCorrelationID)
	if correlationID == "" {
		correlationID = observability.NewCorrelationID()
	}
	sessionID := r.Header.Get(auth.HeaderSessionID)
	organizationID := r.Header.Get(auth.HeaderOrganizationID)

	logger := srv.logger.With().
		Str("correlation_id", correlationID).
		Str("session_id", sessionID).
		Str("organization_id", organizationID).
		Logger()

	if sessionID == "" {
		observability.RecordUpgradeRejected("missing_session_id")
		logger.Warn().Msg("Rejecting connection without session id")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if srv.verifier != nil {
		if err := srv.verifier.Verify(r.Context(), r); err != nil {
			observability.RecordUpgradeRejected(rejectReason(err))
			logger.Warn().Err(err).Msg("Signature verification failed")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	srv.mu.Lock()
	if srv.shuttingDown {
		srv.mu.Unlock()
		observability.RecordUpgradeRejected("shutting_down")
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}
	srv.wg.Add(1)
	srv.mu.Unlock()
	defer srv.wg.Done()

	conn, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		observability.RecordUpgradeRejected("upgrade_failed")
		logger.Error().Err(err).Msg("Failed to upgrade connection to WebSocket")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	session := NewSession(conn, SessionOptions{
		ClientSessionID: sessionID,
		URL:             connectionURL(r),
		OrganizationID:  organizationID,
		CorrelationID:   correlationID,
		Config:          srv.config.Session,
		Registry:        srv.registry,
		Deps:            srv.deps,
		Logger:          srv.logger,
	})
	logger.Info().Str("remote_addr", r.RemoteAddr).Msg("AudioHook connection established")

	if !srv.track(session) {
		session.Shutdown()
		return
	}
	defer srv.untrack(session)

	srv.readLoop(conn, session)
}

// readLoop feeds frames to the session sequentially until the transport
// fails or the session closes.
func (srv *Server) readLoop(conn *websocket.Conn, session *Session) {
	defer session.Close()

	for {
		if srv.config.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(srv.config.IdleTimeout))
		}

		messageType, data, err := conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				session.TimedOut()
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && !session.Closed() {
				session.log().Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}

		switch messageType {
		case websocket.TextMessage:
			session.ProcessTextMessage(data)
		case websocket.BinaryMessage:
			session.ProcessBinaryMessage(data)
		}

		if session.Closed() {
			return
		}
	}
}

func (srv *Server) track(s *Session) bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.shuttingDown {
		return false
	}
	srv.sessions[s] = struct{}{}
	return true
}

func (srv *Server) untrack(s *Session) {
	srv.mu.Lock()
	delete(srv.sessions, s)
	srv.mu.Unlock()
}

// Shutdown disconnects every live session and waits for their
// connections to finish or ctx to expire.
func (srv *Server) Shutdown(ctx context.Context) error {
	srv.mu.Lock()
	srv.shuttingDown = true
	sessions := make([]*Session, 0, len(srv.sessions))
	for s := range srv.sessions {
		sessions = append(sessions, s)
	}
	srv.mu.Unlock()

	srv.logger.Info().Int("sessions", len(sessions)).Msg("Shutting down AudioHook sessions")
	for _, s := range sessions {
		s.Shutdown()
	}

	done := make(chan struct{})
	go func() {
		srv.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func rejectReason(err error) string {
	var verr *auth.VerificationError
	if !errors.As(err, &verr) {
		return "verifier_error"
	}
	switch {
	case errors.Is(err, auth.ErrMissingHeader):
		return "missing_header"
	case errors.Is(err, auth.ErrMissingSignature):
		return "missing_signature"
	case errors.Is(err, auth.ErrMalformedSignature):
		return "malformed_signature"
	case errors.Is(err, auth.ErrUnknownKey):
		return "unknown_key"
	case errors.Is(err, auth.ErrSignatureExpired):
		return "expired"
	default:
		return "signature_mismatch"
	}
}

// connectionURL rebuilds the URL the client connected to.
func connectionURL(r *http.Request) string {
	scheme := "ws"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "wss"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
