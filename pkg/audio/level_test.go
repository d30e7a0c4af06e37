package audio_test

import (
	"math"
	"testing"

	"github.com/MrWong99/fluentia/pkg/audio"
)

func TestMeasureLevel(t *testing.T) {
	t.Run("silence", func(t *testing.T) {
		l := audio.MeasureLevel(make([]byte, 320))
		if l.RMS != 0 || l.Peak != 0 {
			t.Errorf("got %+v, want zero level", l)
		}
	})

	t.Run("empty", func(t *testing.T) {
		if l := audio.MeasureLevel(nil); l != (audio.Level{}) {
			t.Errorf("got %+v, want zero level", l)
		}
	})

	t.Run("square wave", func(t *testing.T) {
		l := audio.MeasureLevel(samplesToBytes([]int16{16384, -16384, 16384, -16384}))
		if math.Abs(l.RMS-0.5) > 1e-9 {
			t.Errorf("rms: got %v, want 0.5", l.RMS)
		}
		if math.Abs(l.Peak-0.5) > 1e-9 {
			t.Errorf("peak: got %v, want 0.5", l.Peak)
		}
	})

	t.Run("full scale negative", func(t *testing.T) {
		l := audio.MeasureLevel(samplesToBytes([]int16{0, -32768}))
		if l.Peak != 1 {
			t.Errorf("peak: got %v, want 1", l.Peak)
		}
	})
}
