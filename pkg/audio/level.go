package audio

import (
	"encoding/binary"
	"math"
)

// Level summarises the amplitude of a block of PCM for visualisation.
// Both values are normalised to [0, 1].
type Level struct {
	RMS  float64
	Peak float64
}

// MeasureLevel computes the RMS and peak amplitude of s16le PCM.
func MeasureLevel(pcm []byte) Level {
	n := len(pcm) / 2
	if n == 0 {
		return Level{}
	}
	var sum, peak float64
	for i := range n {
		v := math.Abs(float64(int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))))
		sum += v * v
		peak = max(peak, v)
	}
	return Level{
		RMS:  math.Sqrt(sum/float64(n)) / 32768.0,
		Peak: peak / 32768.0,
	}
}
