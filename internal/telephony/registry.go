package telephony

import (
	"sync"

	"github.com/lexiqai/audiohook-gateway/internal/protocol"
)

// Handler processes one validated client message for a session.
type Handler func(s *Session, msg *protocol.ClientMessage)

// Registry maps client message types to handlers. It is immutable once
// built and shared by all sessions.
type Registry struct {
	handlers map[protocol.ClientMessageType]Handler
}

// NewRegistry copies handlers into a new registry.
func NewRegistry(handlers map[protocol.ClientMessageType]Handler) *Registry {
	r := &Registry{handlers: make(map[protocol.ClientMessageType]Handler, len(handlers))}
	for t, h := range handlers {
		r.handlers[t] = h
	}
	return r
}

// Handler returns the handler registered for t.
func (r *Registry) Handler(t protocol.ClientMessageType) (Handler, bool) {
	h, ok := r.handlers[t]
	return h, ok
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the process-wide registry of AudioHook handlers.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry(map[protocol.ClientMessageType]Handler{
			protocol.ClientOpen:              handleOpen,
			protocol.ClientClose:             handleClose,
			protocol.ClientPing:              handlePing,
			protocol.ClientDiscarded:         handleDiscarded,
			protocol.ClientError:             handleError,
			protocol.ClientPaused:            handlePaused,
			protocol.ClientResumed:           handleResumed,
			protocol.ClientUpdate:            handleUpdate,
			protocol.ClientPlaybackStarted:   handlePlaybackStarted,
			protocol.ClientPlaybackCompleted: handlePlaybackCompleted,
			protocol.ClientDTMF:              handleDTMF,
		})
	})
	return defaultRegistry
}
