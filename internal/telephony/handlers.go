package telephony

import (
	"github.com/lexiqai/audiohook-gateway/internal/protocol"
)

func handleOpen(s *Session, msg *protocol.ClientMessage) {
	var params protocol.OpenParameters
	if err := msg.DecodeParameters(&params); err != nil {
		s.violation("malformed_open", "Malformed message", err)
		return
	}

	if params.IsProbe() {
		s.log().Info().Msg("Connection probe received")
		var media []protocol.MediaParameter
		if selected, ok := selectMedia(params.Media); ok {
			media = []protocol.MediaParameter{selected}
		}
		s.sendOpened(media)
		return
	}

	selected, ok := selectMedia(params.Media)
	if !ok {
		s.SendDisconnect(protocol.ReasonError, "No supported media offered", nil)
		return
	}

	if !s.bindConversation(&params, selected) {
		s.log().Warn().Str("conversation_id", params.ConversationID).Msg("Ignoring repeated open")
		return
	}

	go s.startConversation()
}

// selectMedia prefers 8kHz PCMU and otherwise takes the first offer.
func selectMedia(offers []protocol.MediaParameter) (protocol.MediaParameter, bool) {
	for _, m := range offers {
		if m.IsPCMU8k() {
			return m, true
		}
	}
	if len(offers) > 0 {
		return offers[0], true
	}
	return protocol.MediaParameter{}, false
}

func handleClose(s *Session, msg *protocol.ClientMessage) {
	var params protocol.CloseParameters
	_ = msg.DecodeParameters(&params)

	s.log().Info().Str("reason", params.Reason).Msg("Client requested close")
	s.SendClosed()
	s.Close()
}

func handlePing(s *Session, _ *protocol.ClientMessage) {
	s.sendPong()
}

func handleDiscarded(s *Session, msg *protocol.ClientMessage) {
	var params protocol.DiscardedParameters
	_ = msg.DecodeParameters(&params)

	s.log().Debug().
		Str("start", params.Start).
		Str("discarded", params.Discarded).
		Msg("Client discarded audio")
}

func handleError(s *Session, msg *protocol.ClientMessage) {
	var params protocol.ErrorParameters
	_ = msg.DecodeParameters(&params)

	s.log().Warn().
		Int("code", params.Code).
		Str("message", params.Message).
		Msg("Client reported an error")
}

func handlePaused(s *Session, _ *protocol.ClientMessage) {
	s.setPaused(true)
}

func handleResumed(s *Session, _ *protocol.ClientMessage) {
	s.setPaused(false)
}

func handleUpdate(s *Session, msg *protocol.ClientMessage) {
	var params protocol.UpdateParameters
	if err := msg.DecodeParameters(&params); err != nil {
		s.violation("malformed_update", "Malformed message", err)
		return
	}
	s.mergeInputVariables(params.InputVariables)
}

func handlePlaybackStarted(s *Session, _ *protocol.ClientMessage) {
	s.setAudioPlaying(true)
}

func handlePlaybackCompleted(s *Session, _ *protocol.ClientMessage) {
	s.setAudioPlaying(false)
}

func handleDTMF(s *Session, msg *protocol.ClientMessage) {
	var params protocol.DTMFParameters
	if err := msg.DecodeParameters(&params); err != nil {
		s.violation("malformed_dtmf", "Malformed message", err)
		return
	}
	s.ProcessDTMF(params.Digit)
}
