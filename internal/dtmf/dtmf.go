// Package dtmf collects key presses into digit strings for one bot turn.
package dtmf

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ErrCaptureComplete is returned when a digit arrives after the capture
// already reported its result.
var ErrCaptureComplete = errors.New("DTMF capture has already completed")

// State mirrors the recognizer lifecycle.
type State int32

const (
	StateNone State = iota
	StateProcessing
	StateComplete
	StateError
)

func (s State) String() string {
	return [...]string{"None", "Processing", "Complete", "Error"}[s]
}

// Done reports whether the capture reached a terminal state.
func (s State) Done() bool {
	return s == StateComplete || s == StateError
}

// EventKind distinguishes capture callbacks.
type EventKind int

const (
	EventFinalDigits EventKind = iota
	EventError
)

// Event is delivered once per capture.
type Event struct {
	Kind   EventKind
	Digits string
	Err    error
}

// Handler receives the capture result, possibly from a timer goroutine.
type Handler func(Event)

// Capture accumulates digits for one turn.
type Capture interface {
	ProcessDigit(digit string) error
	State() State
	Close() error
}

// Factory creates captures.
type Factory interface {
	NewCapture(handler Handler) (Capture, error)
}

// Config controls when a digit sequence is complete.
type Config struct {
	Terminator        string        // ends the sequence, not included in the result
	MaxDigits         int           // ends the sequence when reached, 0 for no limit
	InterDigitTimeout time.Duration // ends the sequence after a pause, 0 to wait forever
}

// DefaultConfig returns terminator '#', 16 digits and a 3s pause.
func DefaultConfig() Config {
	return Config{Terminator: "#", MaxDigits: 16, InterDigitTimeout: 3 * time.Second}
}

// CollectorFactory creates Collectors sharing one Config.
type CollectorFactory struct {
	config Config
}

// NewCollectorFactory creates a factory for the given rules.
func NewCollectorFactory(cfg Config) *CollectorFactory {
	return &CollectorFactory{config: cfg}
}

func (f *CollectorFactory) NewCapture(handler Handler) (Capture, error) {
	return NewCollector(f.config, handler), nil
}

// Collector implements Capture with terminator, length and timeout rules.
type Collector struct {
	config  Config
	handler Handler

	mu     sync.Mutex
	state  State
	digits strings.Builder
	timer  *time.Timer
	armed  int
}

// NewCollector creates an idle collector.
func NewCollector(cfg Config, handler Handler) *Collector {
	if handler == nil {
		handler = func(Event) {}
	}
	return &Collector{config: cfg, handler: handler}
}

// ProcessDigit appends one key press.
func (c *Collector) ProcessDigit(digit string) error {
	c.mu.Lock()

	if c.state.Done() {
		c.mu.Unlock()
		return ErrCaptureComplete
	}

	if !validDigit(digit) {
		c.state = StateError
		c.stopTimerLocked()
		c.mu.Unlock()

		err := fmt.Errorf("invalid DTMF digit %q", digit)
		c.handler(Event{Kind: EventError, Err: err})
		return err
	}

	c.state = StateProcessing

	if c.config.Terminator != "" && digit == c.config.Terminator {
		c.completeLocked()
		return nil
	}

	c.digits.WriteString(digit)
	if c.config.MaxDigits > 0 && c.digits.Len() >= c.config.MaxDigits {
		c.completeLocked()
		return nil
	}

	if c.config.InterDigitTimeout > 0 {
		c.stopTimerLocked()
		c.armed++
		armed := c.armed
		c.timer = time.AfterFunc(c.config.InterDigitTimeout, func() { c.timeout(armed) })
	}
	c.mu.Unlock()
	return nil
}

func (c *Collector) timeout(armed int) {
	c.mu.Lock()
	if c.state != StateProcessing || armed != c.armed {
		c.mu.Unlock()
		return
	}
	c.completeLocked()
}

// completeLocked latches Complete, releases mu and notifies the handler.
func (c *Collector) completeLocked() {
	c.state = StateComplete
	c.stopTimerLocked()
	digits := c.digits.String()
	c.mu.Unlock()

	c.handler(Event{Kind: EventFinalDigits, Digits: digits})
}

func (c *Collector) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// State returns the capture state.
func (c *Collector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Digits returns the digits collected so far.
func (c *Collector) Digits() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.digits.String()
}

// Close abandons the capture without notifying the handler.
func (c *Collector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopTimerLocked()
	if !c.state.Done() {
		c.state = StateComplete
	}
	return nil
}

func validDigit(d string) bool {
	if len(d) != 1 {
		return false
	}
	return strings.ContainsRune("0123456789*#ABCD", rune(d[0]))
}
