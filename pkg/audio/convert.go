package audio

import (
	"encoding/binary"
	"errors"
	"math"
)

// ErrMisaligned is returned for PCM whose length is not a whole number of
// 16-bit samples.
var ErrMisaligned = errors.New("audio: PCM length is not a whole number of samples")

// DownmixToMono averages the channels of interleaved s16le PCM. Mono input
// is returned as is; a trailing partial frame is dropped.
func DownmixToMono(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	frames := len(pcm) / (2 * channels)
	out := make([]byte, frames*2)
	for i := range frames {
		var sum int32
		for ch := range channels {
			sum += int32(sampleAt(pcm, i*channels+ch))
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(sum/int32(channels))))
	}
	return out
}

// Resample converts one self-contained block of mono s16le PCM from rate
// from to rate to. Invalid rates leave pcm untouched.
func Resample(pcm []byte, from, to int) []byte {
	out, err := NewResampler(from, to).Process(pcm[:len(pcm)&^1])
	if err != nil {
		return pcm
	}
	return out
}

// Resampler converts a stream of mono s16le chunks between two rates by
// linear interpolation. The read position and the last sample of the
// previous chunk carry over, so chunk boundaries stay continuous. A
// Resampler is not safe for concurrent use.
type Resampler struct {
	from, to int
	pos      float64 // next output position, in input samples from the chunk start
	prev     int16
	primed   bool
}

// NewResampler returns a Resampler from rate from to rate to.
func NewResampler(from, to int) *Resampler {
	return &Resampler{from: from, to: to}
}

// Rates returns the current source and target rate.
func (r *Resampler) Rates() (from, to int) { return r.from, r.to }

// SetRates changes the rates. A change drops the carried state; unchanged
// rates keep it.
func (r *Resampler) SetRates(from, to int) {
	if from == r.from && to == r.to {
		return
	}
	*r = Resampler{from: from, to: to}
}

// Process resamples the next chunk. Equal or invalid rates pass pcm
// through.
func (r *Resampler) Process(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, ErrMisaligned
	}
	if r.from <= 0 || r.to <= 0 || r.from == r.to {
		return pcm, nil
	}
	n := len(pcm) / 2
	if n == 0 {
		return nil, nil
	}

	step := float64(r.from) / float64(r.to)
	at := func(i int) float64 {
		if i < 0 {
			return float64(r.prev)
		}
		return float64(sampleAt(pcm, min(i, n-1)))
	}

	out := make([]byte, 0, int(float64(n)/step+1)*2)
	for r.pos <= float64(n-1) {
		i := int(math.Floor(r.pos))
		if i < 0 && !r.primed {
			i = 0
		}
		frac := r.pos - float64(i)
		v := at(i)*(1-frac) + at(i+1)*frac
		out = binary.LittleEndian.AppendUint16(out, uint16(int16(math.Round(v))))
		r.pos += step
	}
	r.pos -= float64(n)
	r.prev = sampleAt(pcm, n-1)
	r.primed = true
	return out, nil
}

func sampleAt(pcm []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[i*2:]))
}
