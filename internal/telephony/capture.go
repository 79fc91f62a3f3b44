package telephony

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/lexiqai/audiohook-gateway/internal/bot"
	"github.com/lexiqai/audiohook-gateway/internal/dtmf"
	"github.com/lexiqai/audiohook-gateway/internal/events"
	"github.com/lexiqai/audiohook-gateway/internal/protocol"
	"github.com/lexiqai/audiohook-gateway/internal/stt"
)

const (
	turnSourceSpeech = "speech"
	turnSourceDTMF   = "dtmf"
)

// CaptureMode returns which subsystem currently owns caller input.
func (s *Session) CaptureMode() CaptureMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.captureMode
}

func (s *Session) setAudioPlaying(playing bool) {
	s.mu.Lock()
	s.audioPlaying = playing
	if !playing {
		s.bargedIn = false
	}
	s.mu.Unlock()
	s.log().Debug().Bool("audio_playing", playing).Msg("Playback state changed")
}

// inputBlockedLocked reports whether caller input is dropped outright.
func (s *Session) inputBlockedLocked() bool {
	return s.disconnecting || s.closed || s.selectedBot == nil || s.paused
}

// teardownLocked detaches the live recognizer and DTMF capture and
// invalidates their callbacks. The caller closes the returned instances
// after releasing mu.
func (s *Session) teardownLocked() (stt.Recognizer, dtmf.Capture) {
	rec, capture := s.recognizer, s.capture
	s.recognizer = nil
	s.capture = nil
	s.recognizerGen++
	s.captureGen++
	s.captureMode = CaptureNone
	return rec, capture
}

// suppressDuringPlaybackLocked tears capture down while the client plays
// bot audio. It reports whether a barge-in event should be sent.
func (s *Session) suppressDuringPlaybackLocked() (stt.Recognizer, dtmf.Capture, bool) {
	rec, capture := s.teardownLocked()
	bargeIn := s.config.BargeInEnabled && !s.bargedIn
	if bargeIn {
		s.bargedIn = true
	}
	return rec, capture, bargeIn
}

func closeCollaborators(logger *zerolog.Logger, rec stt.Recognizer, capture dtmf.Capture) {
	if rec != nil {
		if err := rec.Close(); err != nil {
			logger.Debug().Err(err).Msg("Recognizer close failed")
		}
	}
	if capture != nil {
		if err := capture.Close(); err != nil {
			logger.Debug().Err(err).Msg("DTMF capture close failed")
		}
	}
}

// ProcessBinaryMessage routes one caller audio frame to speech recognition.
func (s *Session) ProcessBinaryMessage(data []byte) {
	s.metrics.RecordAudioBytes("in", int64(len(data)))

	s.mu.Lock()
	s.audioIn += int64(len(data))
	if s.inputBlockedLocked() || s.captureMode == CaptureDTMF {
		s.mu.Unlock()
		return
	}
	if s.audioPlaying {
		rec, capture, bargeIn := s.suppressDuringPlaybackLocked()
		s.mu.Unlock()
		s.finishSuppression(rec, capture, bargeIn)
		return
	}

	var stale stt.Recognizer
	if s.recognizer != nil && s.recognizer.State().Done() {
		stale = s.recognizer
		s.recognizer = nil
		s.captureMode = CaptureNone
	}
	rec := s.recognizer
	if rec == nil {
		s.recognizerGen++
	}
	gen := s.recognizerGen
	s.mu.Unlock()

	if stale != nil {
		closeCollaborators(s.log(), stale, nil)
	}

	if rec == nil {
		var ok bool
		if rec, ok = s.startRecognizer(gen); !ok {
			return
		}
	}

	if err := rec.ProcessAudio(data); err != nil && !errors.Is(err, stt.ErrRecognitionComplete) {
		s.log().Warn().Err(err).Msg("Recognizer rejected audio")
	}
}

func (s *Session) startRecognizer(gen uint64) (stt.Recognizer, bool) {
	if s.deps.Recognizers == nil {
		return nil, false
	}

	rec, err := s.deps.Recognizers.NewRecognizer(s.ctx, s.recognizerHandler(gen))
	if err != nil {
		s.metrics.RecordRecognizer("error")
		s.metrics.RecordError("recognizer_start_failed", "stt")
		s.log().Error().Err(err).Str("provider", s.deps.Recognizers.Name()).Msg("Failed to start recognizer")
		s.SendDisconnect(protocol.ReasonError, "Error during Speech Recognition.", nil)
		return nil, false
	}

	s.mu.Lock()
	if s.closed || s.disconnecting || s.recognizerGen != gen {
		s.mu.Unlock()
		closeCollaborators(s.log(), rec, nil)
		return nil, false
	}
	s.recognizer = rec
	s.captureMode = CaptureSpeech
	s.mu.Unlock()

	s.metrics.RecordRecognizer("started")
	return rec, true
}

func (s *Session) recognizerHandler(gen uint64) stt.Handler {
	return func(ev stt.Event) {
		s.mu.Lock()
		current := gen == s.recognizerGen && s.captureMode == CaptureSpeech && !s.closed && !s.disconnecting
		s.mu.Unlock()
		if !current {
			return
		}

		switch ev.Kind {
		case stt.EventInterim:
			s.log().Debug().Str("text", ev.Transcript.Text).Msg("Interim transcript")
		case stt.EventFinal:
			s.metrics.RecordRecognizer("complete")
			s.onSpeechTranscript(ev.Transcript)
		case stt.EventError:
			s.metrics.RecordRecognizer("error")
			s.log().Error().Err(ev.Err).Msg("Speech recognition failed")
			s.SendDisconnect(protocol.ReasonError, "Error during Speech Recognition.", nil)
		}
	}
}

func (s *Session) onSpeechTranscript(t stt.Transcript) {
	s.log().Info().Str("text", t.Text).Float64("confidence", t.Confidence).Msg("Final transcript")

	s.SendTranscript(t.Text, t.Confidence, true)
	s.publish(events.TypeTranscript, events.Transcript{Source: turnSourceSpeech, Text: t.Text, Confidence: t.Confidence})

	text := strings.TrimSpace(t.Text)
	if utf8.RuneCountInString(text) < s.config.SilenceMinTranscriptLength {
		switch s.config.SilenceAction {
		case SilenceIgnore:
			s.log().Debug().Msg("Short transcript ignored")
			return
		case SilenceForward:
		default:
			s.SendDisconnect(protocol.ReasonCompleted, s.config.SilenceDisconnectInfo, nil)
			return
		}
	}

	go s.runTurn(turnSourceSpeech, text, 0)
}

// ProcessDTMF routes one key press to DTMF capture, taking input ownership
// from speech recognition.
func (s *Session) ProcessDTMF(digit string) {
	s.mu.Lock()
	if s.inputBlockedLocked() {
		s.mu.Unlock()
		return
	}
	if s.audioPlaying {
		rec, capture, bargeIn := s.suppressDuringPlaybackLocked()
		s.mu.Unlock()
		s.finishSuppression(rec, capture, bargeIn)
		return
	}

	var staleRec stt.Recognizer
	if s.captureMode != CaptureDTMF {
		staleRec = s.recognizer
		s.recognizer = nil
		s.recognizerGen++
		s.captureMode = CaptureDTMF
	}

	var staleCapture dtmf.Capture
	if s.capture != nil && s.capture.State().Done() {
		staleCapture = s.capture
		s.capture = nil
	}
	capture := s.capture
	if capture == nil {
		s.captureGen++
	}
	gen := s.captureGen
	s.mu.Unlock()

	closeCollaborators(s.log(), staleRec, staleCapture)

	if capture == nil {
		var ok bool
		if capture, ok = s.startCapture(gen); !ok {
			return
		}
	}

	if err := capture.ProcessDigit(digit); err != nil && !errors.Is(err, dtmf.ErrCaptureComplete) {
		s.log().Debug().Err(err).Str("digit", digit).Msg("DTMF capture rejected digit")
	}
}

func (s *Session) startCapture(gen uint64) (dtmf.Capture, bool) {
	if s.deps.DTMF == nil {
		return nil, false
	}

	capture, err := s.deps.DTMF.NewCapture(s.dtmfHandler(gen))
	if err != nil {
		s.metrics.RecordError("capture_start_failed", "dtmf")
		s.log().Error().Err(err).Msg("Failed to start DTMF capture")
		s.SendDisconnect(protocol.ReasonError, "Error during DTMF Capture.", nil)
		return nil, false
	}

	s.mu.Lock()
	if s.closed || s.disconnecting || s.captureGen != gen || s.captureMode != CaptureDTMF {
		s.mu.Unlock()
		closeCollaborators(s.log(), nil, capture)
		return nil, false
	}
	s.capture = capture
	s.mu.Unlock()
	return capture, true
}

func (s *Session) dtmfHandler(gen uint64) dtmf.Handler {
	return func(ev dtmf.Event) {
		s.mu.Lock()
		current := gen == s.captureGen && s.captureMode == CaptureDTMF && !s.closed && !s.disconnecting
		s.mu.Unlock()
		if !current {
			return
		}

		switch ev.Kind {
		case dtmf.EventError:
			s.metrics.RecordError("capture_failed", "dtmf")
			s.log().Error().Err(ev.Err).Msg("DTMF capture failed")
			s.SendDisconnect(protocol.ReasonError, "Error during DTMF Capture.", nil)
		case dtmf.EventFinalDigits:
			if ev.Digits == "" {
				s.log().Debug().Msg("Empty DTMF sequence ignored")
				s.releaseDTMF(gen)
				return
			}
			s.log().Info().Str("digits", ev.Digits).Msg("DTMF digits captured")
			s.SendTranscript(ev.Digits, 1.0, true)
			s.publish(events.TypeTranscript, events.Transcript{Source: turnSourceDTMF, Text: ev.Digits, Confidence: 1.0})
			go s.runTurn(turnSourceDTMF, ev.Digits, gen)
		}
	}
}

// finishSuppression closes torn-down capture and sends the barge-in event.
func (s *Session) finishSuppression(rec stt.Recognizer, capture dtmf.Capture, bargeIn bool) {
	closeCollaborators(s.log(), rec, capture)
	if bargeIn {
		s.log().Info().Msg("Caller barged in during playback")
		s.SendBargeIn()
	}
}

// runTurn sends caller input to the bot and delivers the reply. captureGen
// is the DTMF capture that produced input and is ignored for speech.
func (s *Session) runTurn(source, input string, captureGen uint64) {
	s.turnMu.Lock()
	defer s.turnMu.Unlock()

	if source == turnSourceDTMF {
		defer s.releaseDTMF(captureGen)
	}

	s.mu.Lock()
	resource := s.selectedBot
	blocked := s.closed || s.disconnecting
	s.mu.Unlock()
	if blocked || resource == nil {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.config.BotTimeout)
	defer cancel()

	start := time.Now()
	resp, err := resource.Respond(ctx, input)
	s.metrics.RecordBotRequest("respond", err == nil, time.Since(start))
	if err != nil {
		s.metrics.RecordError("respond_failed", "bot")
		s.log().Error().Err(err).Str("source", source).Msg("Bot turn failed")
		return
	}

	s.deliverTurn(source, input, resp)
}

// releaseDTMF hands input ownership back once capture gen has finished.
// A newer capture started by the caller keeps DTMF mode.
func (s *Session) releaseDTMF(gen uint64) {
	s.mu.Lock()
	if s.captureMode != CaptureDTMF || s.captureGen != gen {
		s.mu.Unlock()
		return
	}
	capture := s.capture
	s.capture = nil
	s.captureGen++
	s.captureMode = CaptureNone
	s.mu.Unlock()

	closeCollaborators(s.log(), nil, capture)
}

// deliverTurn is the single place a bot response reaches the client.
func (s *Session) deliverTurn(source, input string, resp *bot.Response) {
	if resp == nil {
		return
	}

	if resp.HasText() {
		s.SendTurnResponse(resp.Disposition, resp.Text, resp.Confidence)
	}
	if resp.HasAudio() {
		s.SendAudio(resp.Audio)
	}
	if resp.EndSession {
		s.SendDisconnect(protocol.ReasonCompleted, "", nil)
	}

	s.mu.Lock()
	s.turns++
	s.mu.Unlock()
	s.metrics.RecordTurn(source)

	s.publish(events.TypeBotTurn, events.BotTurn{
		Input:       input,
		Disposition: string(resp.Disposition),
		Text:        resp.Text,
		AudioBytes:  len(resp.Audio),
		EndSession:  resp.EndSession,
	})
}
