package audio

import (
	"encoding/binary"
	"testing"
)

func wavFile(payload []byte) []byte {
	var b []byte
	b = append(b, "RIFF"...)
	b = binary.LittleEndian.AppendUint32(b, uint32(4+8+18+8+len(payload)))
	b = append(b, "WAVE"...)
	b = append(b, "fmt "...)
	b = binary.LittleEndian.AppendUint32(b, 18)
	b = append(b, make([]byte, 18)...)
	b = append(b, "data"...)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(payload)))
	return append(b, payload...)
}

func TestStripWAVHeader(t *testing.T) {
	payload := []byte{0xFF, 0x7F, 0x10, 0x20}

	got := StripWAVHeader(wavFile(payload))
	if string(got) != string(payload) {
		t.Errorf("Expected payload %v, got %v", payload, got)
	}
}

func TestStripWAVHeader_Raw(t *testing.T) {
	raw := []byte{1, 2, 3, 4, 5}
	if got := StripWAVHeader(raw); len(got) != len(raw) {
		t.Errorf("Expected raw audio unchanged, got %v", got)
	}
}

func TestStripWAVHeader_NoDataChunk(t *testing.T) {
	b := wavFile(nil)[:12+8+18]
	if got := StripWAVHeader(b); len(got) != 0 {
		t.Errorf("Expected empty payload, got %d bytes", len(got))
	}
}
