package audio

// VADConfig holds configuration for Voice Activity Detection
type VADConfig struct {
	EnergyThreshold float64 // RMS energy threshold for speech detection
	SilenceFrames   int     // Consecutive silent frames that end an utterance
	FrameSize       int     // Samples per frame, 160 = 20ms at 8kHz
}

// DefaultVADConfig returns a default VAD configuration
func DefaultVADConfig() *VADConfig {
	return &VADConfig{
		EnergyThreshold: 500.0,
		SilenceFrames:   10,
		FrameSize:       160,
	}
}

// VADDetector tracks speech activity across a stream of μ-law frames.
// It is not safe for concurrent use.
type VADDetector struct {
	config         *VADConfig
	silenceCounter int
	isSpeaking     bool
	heardSpeech    bool
	pending        []int16
}

// NewVADDetector creates a new VAD detector
func NewVADDetector(config *VADConfig) *VADDetector {
	if config == nil {
		config = DefaultVADConfig()
	}
	if config.FrameSize <= 0 {
		config.FrameSize = DefaultVADConfig().FrameSize
	}
	return &VADDetector{config: config}
}

// ProcessFrame classifies one frame of linear samples.
// Returns: (isSpeaking, speechStarted, speechEnded)
func (v *VADDetector) ProcessFrame(samples []int16) (bool, bool, bool) {
	var started, ended bool

	if CalculateRMS(samples) > v.config.EnergyThreshold {
		v.silenceCounter = 0
		if !v.isSpeaking {
			v.isSpeaking = true
			v.heardSpeech = true
			started = true
		}
		return v.isSpeaking, started, ended
	}

	v.silenceCounter++
	if v.isSpeaking && v.silenceCounter >= v.config.SilenceFrames {
		v.isSpeaking = false
		v.silenceCounter = 0
		ended = true
	}
	return v.isSpeaking, started, ended
}

// ProcessPCMU feeds an arbitrary-sized μ-law chunk through the detector,
// carrying partial frames over to the next call. It reports whether an
// utterance ended inside this chunk.
func (v *VADDetector) ProcessPCMU(chunk []byte) (utteranceEnded bool) {
	v.pending = append(v.pending, DecodePCMU(chunk)...)

	size := v.config.FrameSize
	for len(v.pending) >= size {
		if _, _, ended := v.ProcessFrame(v.pending[:size]); ended {
			utteranceEnded = true
		}
		v.pending = v.pending[size:]
	}
	return utteranceEnded
}

// HeardSpeech reports whether any frame since the last Reset carried speech.
func (v *VADDetector) HeardSpeech() bool {
	return v.heardSpeech
}

// IsSpeaking returns whether speech is currently detected
func (v *VADDetector) IsSpeaking() bool {
	return v.isSpeaking
}

// Reset clears all state including buffered partial frames.
func (v *VADDetector) Reset() {
	v.silenceCounter = 0
	v.isSpeaking = false
	v.heardSpeech = false
	v.pending = v.pending[:0]
}

// DetectSilence detects if audio samples represent silence
func DetectSilence(samples []int16, threshold float64) bool {
	return CalculateRMS(samples) < threshold
}
