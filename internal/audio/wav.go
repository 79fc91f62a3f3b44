package audio

import (
	"bytes"
	"encoding/binary"
)

// StripWAVHeader returns the payload of the data chunk when b is a RIFF/WAVE
// file and b unchanged otherwise. Some engines wrap μ-law output in WAV.
func StripWAVHeader(b []byte) []byte {
	if len(b) < 12 || !bytes.Equal(b[0:4], []byte("RIFF")) || !bytes.Equal(b[8:12], []byte("WAVE")) {
		return b
	}

	pos := 12
	for pos+8 <= len(b) {
		id := b[pos : pos+4]
		size := int(binary.LittleEndian.Uint32(b[pos+4 : pos+8]))
		pos += 8
		if bytes.Equal(id, []byte("data")) {
			end := pos + size
			if end > len(b) {
				end = len(b)
			}
			return b[pos:end]
		}
		// chunks are word aligned
		pos += size + size%2
	}
	return b[len(b):]
}
