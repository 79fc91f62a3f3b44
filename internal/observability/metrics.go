package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "audiohook_active_sessions",
		Help: "Number of live AudioHook sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "audiohook_sessions_total",
		Help: "Total number of AudioHook sessions created",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "audiohook_session_duration_seconds",
		Help:    "Duration of AudioHook sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	})

	upgradesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audiohook_upgrades_rejected_total",
		Help: "WebSocket upgrades rejected before a session was created",
	}, []string{"reason"})

	protocolViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audiohook_protocol_violations_total",
		Help: "Client messages rejected with a disconnect",
	}, []string{"reason"})

	messagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audiohook_messages_received_total",
		Help: "Accepted client text messages by type",
	}, []string{"type"})

	messagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audiohook_messages_sent_total",
		Help: "Server text messages by type",
	}, []string{"type"})

	turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audiohook_bot_turns_total",
		Help: "Completed bot turns by input source",
	}, []string{"source"})

	// Collaborator metrics
	recognizerSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audiohook_recognizer_sessions_total",
		Help: "Speech recognizer instances by outcome",
	}, []string{"status"})

	botRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audiohook_bot_requests_total",
		Help: "Bot backend requests by operation and status",
	}, []string{"operation", "status"})

	botLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "audiohook_bot_latency_seconds",
		Help:    "Bot backend latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	}, []string{"operation"})

	ttsRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audiohook_tts_requests_total",
		Help: "Total number of TTS requests",
	}, []string{"provider", "status"})

	ttsLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "audiohook_tts_latency_seconds",
		Help:    "TTS processing latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audiohook_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "audiohook_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audiohook_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "audiohook_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" or "out"
)

// Metrics tracks metrics for a single session
type Metrics struct {
	sessionID string
	startTime time.Time
	ended     bool
	mu        sync.Mutex
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID string) *Metrics {
	return &Metrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a session
func (m *Metrics) RecordSessionStart() {
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a session. Repeated calls are ignored.
func (m *Metrics) RecordSessionEnd() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ended {
		return
	}
	m.ended = true

	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordMessageIn counts an accepted client message
func (m *Metrics) RecordMessageIn(messageType string) {
	messagesReceived.WithLabelValues(messageType).Inc()
}

// RecordMessageOut counts a server message
func (m *Metrics) RecordMessageOut(messageType string) {
	messagesSent.WithLabelValues(messageType).Inc()
}

// RecordViolation counts a protocol violation
func (m *Metrics) RecordViolation(reason string) {
	protocolViolations.WithLabelValues(reason).Inc()
}

// RecordTurn counts a completed bot turn
func (m *Metrics) RecordTurn(source string) {
	turnsTotal.WithLabelValues(source).Inc()
}

// RecordRecognizer counts a recognizer instance outcome
func (m *Metrics) RecordRecognizer(status string) {
	recognizerSessions.WithLabelValues(status).Inc()
}

// RecordBotRequest records a bot backend call
func (m *Metrics) RecordBotRequest(operation string, success bool, elapsed time.Duration) {
	botLatency.WithLabelValues(operation).Observe(elapsed.Seconds())
	botRequests.WithLabelValues(operation, statusLabel(success)).Inc()
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordAudioBytes records audio bytes processed
func (m *Metrics) RecordAudioBytes(direction string, bytes int64) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// RecordUpgradeRejected counts an upgrade refused before session creation
func RecordUpgradeRejected(reason string) {
	upgradesRejected.WithLabelValues(reason).Inc()
}

// RecordTTS records a synthesis request
func RecordTTS(provider string, success bool, elapsed time.Duration) {
	ttsLatency.Observe(elapsed.Seconds())
	ttsRequests.WithLabelValues(provider, statusLabel(success)).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
