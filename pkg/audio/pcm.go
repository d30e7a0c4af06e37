package audio

import (
	"encoding/binary"
	"math"
)

// FloatToPCM16 converts floating-point samples to s16le PCM.
//
// Samples are clamped to [-1, 1]. Negative samples are scaled by 0x8000 and
// non-negative samples by 0x7FFF, so -1 maps to -32768 and 1 maps to 32767.
// The scaled value is rounded to the nearest integer and clipped to the
// int16 range.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(FloatToInt16(s)))
	}
	return out
}

// FloatToInt16 converts a single sample. See [FloatToPCM16].
func FloatToInt16(s float32) int16 {
	v := float64(s)
	if math.IsNaN(v) {
		return 0
	}
	v = max(-1, min(1, v))
	var scaled float64
	if v < 0 {
		scaled = math.Round(v * 0x8000)
	} else {
		scaled = math.Round(v * 0x7FFF)
	}
	return int16(max(math.MinInt16, min(math.MaxInt16, scaled)))
}

// PCM16ToFloat32 converts s16le PCM to float32 samples normalised to
// [-1.0, 1.0]. Any trailing odd byte is ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	samples := make([]float32, n)
	for i := range n {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		samples[i] = float32(sample) / 32768.0
	}
	return samples
}

// Int16ToPCM encodes int16 samples as s16le bytes.
func Int16ToPCM(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// PCMToInt16 decodes s16le bytes into int16 samples.
func PCMToInt16(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples
}
