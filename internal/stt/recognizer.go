// Package stt adapts streaming speech recognizers to the per-utterance
// lifecycle the session expects: one Recognizer per utterance, a single
// final (or error) event, then a fresh instance for the next utterance.
package stt

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ErrRecognitionComplete is returned when audio is sent to a recognizer
// that already produced its final result.
var ErrRecognitionComplete = errors.New("speech recognition has already completed")

// State is the lifecycle of a single recognition.
type State int32

const (
	StateNone State = iota
	StateProcessing
	StateComplete
	StateError
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "None"
	case StateProcessing:
		return "Processing"
	case StateComplete:
		return "Complete"
	case StateError:
		return "Error"
	}
	return "Unknown"
}

// Done reports whether the recognizer reached a terminal state.
func (s State) Done() bool {
	return s == StateComplete || s == StateError
}

// Transcript is recognized text with the engine's confidence in [0,1].
type Transcript struct {
	Text       string
	Confidence float64
}

// EventKind distinguishes recognizer callbacks.
type EventKind int

const (
	EventInterim EventKind = iota
	EventFinal
	EventError
)

// Event is delivered to the Handler registered at creation.
type Event struct {
	Kind       EventKind
	Transcript Transcript
	Err        error
}

// Handler receives recognizer events. It may be called from any goroutine
// and must not block for long.
type Handler func(Event)

// Recognizer consumes μ-law 8kHz audio for one utterance.
type Recognizer interface {
	ProcessAudio(chunk []byte) error
	State() State
	Close() error
}

// Factory creates recognizers. Implementations are shared by all sessions.
type Factory interface {
	Name() string
	NewRecognizer(ctx context.Context, handler Handler) (Recognizer, error)
}

// utterance tracks the state shared by every recognizer implementation:
// terminal events fire once and the byte window forces finalization.
type utterance struct {
	mu       sync.Mutex
	state    State
	bytes    int
	maxBytes int
	handler  Handler

	segments   []string
	confidence float64
	scored     int
}

func newUtterance(handler Handler, maxBytes int) *utterance {
	if handler == nil {
		handler = func(Event) {}
	}
	return &utterance{handler: handler, maxBytes: maxBytes}
}

// State returns the current recognition state.
func (u *utterance) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// accept records an audio chunk. It reports whether the byte window is now
// full and the caller should finalize.
func (u *utterance) accept(n int) (windowFull bool, err error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.state.Done() {
		return false, ErrRecognitionComplete
	}
	u.state = StateProcessing
	u.bytes += n
	return u.maxBytes > 0 && u.bytes >= u.maxBytes, nil
}

// addSegment accumulates a finalized segment of a longer utterance.
func (u *utterance) addSegment(text string, confidence float64) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.segments = append(u.segments, text)
	if confidence > 0 {
		u.confidence += confidence
		u.scored++
	}
}

// collected joins the accumulated segments.
func (u *utterance) collected() Transcript {
	u.mu.Lock()
	defer u.mu.Unlock()

	t := Transcript{Text: strings.Join(u.segments, " "), Confidence: 1.0}
	if u.scored > 0 {
		t.Confidence = u.confidence / float64(u.scored)
	}
	return t
}

func (u *utterance) interim(t Transcript) {
	if u.State().Done() {
		return
	}
	u.handler(Event{Kind: EventInterim, Transcript: t})
}

// finish emits the final transcript once.
func (u *utterance) finish(t Transcript) {
	if !u.terminate(StateComplete) {
		return
	}
	u.handler(Event{Kind: EventFinal, Transcript: t})
}

// fail emits an error once.
func (u *utterance) fail(err error) {
	if !u.terminate(StateError) {
		return
	}
	u.handler(Event{Kind: EventError, Err: err})
}

// abandon moves to a terminal state without notifying the handler.
func (u *utterance) abandon() {
	u.terminate(StateComplete)
}

func (u *utterance) terminate(state State) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state.Done() {
		return false
	}
	u.state = state
	return true
}
