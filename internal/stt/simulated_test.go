package stt

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/audiohook-gateway/internal/audio"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) handle(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func loudPCMU(t *testing.T, n int) []byte {
	t.Helper()
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = 6000
	}
	pcmu, err := audio.ConvertPCMToPCMU(audio.SamplesToBytes(samples), 8000, 8000)
	require.NoError(t, err)
	return pcmu
}

func TestSimulatedRecognizer_ByteWindow(t *testing.T) {
	rec := &eventRecorder{}
	factory := NewSimulatedFactory("I would like to check my account balance.", 40000, nil)

	r, err := factory.NewRecognizer(context.Background(), rec.handle)
	require.NoError(t, err)
	assert.Equal(t, StateNone, r.State())

	require.NoError(t, r.ProcessAudio(make([]byte, 20000)))
	assert.Equal(t, StateProcessing, r.State())
	assert.Empty(t, rec.all())

	require.NoError(t, r.ProcessAudio(make([]byte, 20000)))
	assert.Equal(t, StateComplete, r.State())

	events := rec.all()
	require.Len(t, events, 1)
	assert.Equal(t, EventFinal, events[0].Kind)
	assert.Equal(t, "I would like to check my account balance.", events[0].Transcript.Text)
	assert.Equal(t, 1.0, events[0].Transcript.Confidence)

	err = r.ProcessAudio([]byte{0xFF})
	assert.True(t, errors.Is(err, ErrRecognitionComplete))
	assert.Len(t, rec.all(), 1, "no further events after completion")
}

func TestSimulatedRecognizer_SilenceYieldsEmptyTranscript(t *testing.T) {
	rec := &eventRecorder{}
	factory := NewSimulatedFactory("hello", 1600, audio.DefaultVADConfig())

	r, err := factory.NewRecognizer(context.Background(), rec.handle)
	require.NoError(t, err)

	require.NoError(t, r.ProcessAudio(audio.SilencePCMU(1600)))

	events := rec.all()
	require.Len(t, events, 1)
	assert.Equal(t, EventFinal, events[0].Kind)
	assert.Equal(t, "", events[0].Transcript.Text)
}

func TestSimulatedRecognizer_VADEndsUtterance(t *testing.T) {
	rec := &eventRecorder{}
	vad := &audio.VADConfig{EnergyThreshold: 500, SilenceFrames: 2, FrameSize: 160}
	factory := NewSimulatedFactory("hello", 40000, vad)

	r, err := factory.NewRecognizer(context.Background(), rec.handle)
	require.NoError(t, err)

	require.NoError(t, r.ProcessAudio(loudPCMU(t, 800)))
	assert.Empty(t, rec.all())

	require.NoError(t, r.ProcessAudio(audio.SilencePCMU(320)))

	events := rec.all()
	require.Len(t, events, 1)
	assert.Equal(t, "hello", events[0].Transcript.Text)
	assert.Equal(t, StateComplete, r.State())
}

func TestSimulatedRecognizer_CloseSuppressesEvents(t *testing.T) {
	rec := &eventRecorder{}
	r, err := NewSimulatedFactory("hello", 100, nil).NewRecognizer(context.Background(), rec.handle)
	require.NoError(t, err)

	require.NoError(t, r.Close())
	assert.True(t, r.State().Done())
	assert.Error(t, r.ProcessAudio(make([]byte, 200)))
	assert.Empty(t, rec.all())
}

func TestUtterance_TerminalEventsFireOnce(t *testing.T) {
	rec := &eventRecorder{}
	u := newUtterance(rec.handle, 0)

	u.addSegment(" check ", 0.8)
	u.addSegment("", 0.1)
	u.addSegment("balance", 0.6)
	u.interim(Transcript{Text: "check bal"})

	u.finish(u.collected())
	u.fail(errors.New("late"))
	u.finish(Transcript{Text: "again"})
	u.interim(Transcript{Text: "late interim"})

	events := rec.all()
	require.Len(t, events, 2)
	assert.Equal(t, EventInterim, events[0].Kind)
	assert.Equal(t, EventFinal, events[1].Kind)
	assert.Equal(t, "check balance", events[1].Transcript.Text)
	assert.InDelta(t, 0.7, events[1].Transcript.Confidence, 1e-9)
	assert.Equal(t, StateComplete, u.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "None", StateNone.String())
	assert.Equal(t, "Processing", StateProcessing.String())
	assert.Equal(t, "Complete", StateComplete.String())
	assert.Equal(t, "Error", StateError.String())
	assert.True(t, StateError.Done())
	assert.False(t, StateProcessing.Done())
}
