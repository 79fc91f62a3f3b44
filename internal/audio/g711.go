package audio

import (
	"errors"
	"fmt"
	"math"
)

// Telephony audio on an AudioHook connection is G.711 μ-law, mono, 8kHz.
const (
	PCMUSampleRate = 8000

	// PCMUSilence is the μ-law encoding of a zero sample.
	PCMUSilence byte = 0xFF
)

// ErrEmptyAudio is returned when a conversion is asked to process no samples.
var ErrEmptyAudio = errors.New("empty audio")

// ConvertPCMToPCMU encodes 16-bit little-endian linear PCM as μ-law,
// resampling from inputRate to outputRate first when they differ.
// Providers that only return linear PCM (Cartesia raw output) go through here.
func ConvertPCMToPCMU(pcm []byte, inputRate, outputRate int) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, ErrEmptyAudio
	}
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("odd PCM length %d: samples are 16-bit", len(pcm))
	}

	samples := BytesToSamples(pcm)
	if inputRate != outputRate {
		samples = resample(samples, inputRate, outputRate)
	}

	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = encodeMulaw(s)
	}
	return out, nil
}

// ConvertPCMUToPCM decodes μ-law into 16-bit little-endian linear PCM.
// Recognizers that reject μ-law input (Amazon Transcribe) are fed through here.
func ConvertPCMUToPCM(pcmu []byte) ([]byte, error) {
	if len(pcmu) == 0 {
		return nil, ErrEmptyAudio
	}
	return SamplesToBytes(DecodePCMU(pcmu)), nil
}

// DecodePCMU expands μ-law bytes into linear samples.
func DecodePCMU(pcmu []byte) []int16 {
	samples := make([]int16, len(pcmu))
	for i, b := range pcmu {
		samples[i] = decodeMulaw(b)
	}
	return samples
}

// SilencePCMU returns n bytes of μ-law silence.
func SilencePCMU(n int) []byte {
	if n <= 0 {
		return nil
	}
	out := make([]byte, n)
	for i := range out {
		out[i] = PCMUSilence
	}
	return out
}

// BytesToSamples reads little-endian 16-bit samples. A trailing odd byte is ignored.
func BytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(uint16(b[2*i]) | uint16(b[2*i+1])<<8)
	}
	return samples
}

// SamplesToBytes writes samples as little-endian 16-bit PCM.
func SamplesToBytes(samples []int16) []byte {
	b := make([]byte, len(samples)*2)
	for i, s := range samples {
		b[2*i] = byte(s)
		b[2*i+1] = byte(uint16(s) >> 8)
	}
	return b
}

// resample uses linear interpolation. Good enough for speech at telephone
// bandwidth.
func resample(samples []int16, inputRate, outputRate int) []int16 {
	if inputRate == outputRate || inputRate <= 0 || outputRate <= 0 || len(samples) == 0 {
		return samples
	}

	step := float64(inputRate) / float64(outputRate)
	n := int(float64(len(samples)) / step)
	out := make([]int16, n)
	last := len(samples) - 1

	for i := range out {
		pos := float64(i) * step
		lo := int(pos)
		hi := lo + 1
		if hi > last {
			hi = last
		}
		frac := pos - float64(lo)
		out[i] = int16(float64(samples[lo])*(1-frac) + float64(samples[hi])*frac)
	}
	return out
}

// encodeMulaw implements the ITU-T G.711 μ-law compander on a 14-bit magnitude.
func encodeMulaw(sample int16) byte {
	const (
		clip = 8159
		bias = 0x21
	)

	mag := int32(sample) >> 2
	var sign byte
	if mag < 0 {
		sign = 0x80
		mag = -mag
	}
	if mag > clip {
		mag = clip
	}
	mag += bias
	if mag > 0x1FFF {
		mag = 0x1FFF
	}

	// segment = position of the highest set bit above bit 5
	segment := byte(0)
	for v := mag >> 6; v != 0 && segment < 7; v >>= 1 {
		segment++
	}
	mantissa := byte(mag>>(segment+1)) & 0x0F

	return ^(sign | segment<<4 | mantissa)
}

func decodeMulaw(b byte) int16 {
	b = ^b
	segment := int32(b>>4) & 0x07
	mantissa := int32(b & 0x0F)

	mag := ((mantissa << 1) + 0x21) << segment
	mag -= 0x21
	mag <<= 2

	if b&0x80 != 0 {
		return int16(-mag)
	}
	return int16(mag)
}

// CalculateRMS returns the root mean square energy of the samples.
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}

	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
