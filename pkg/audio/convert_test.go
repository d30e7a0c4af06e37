package audio_test

import (
	"encoding/binary"
	"errors"
	"slices"
	"testing"

	"github.com/MrWong99/fluentia/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestDownmixToMono(t *testing.T) {
	tests := []struct {
		name     string
		in       []int16
		channels int
		want     []int16
	}{
		{"stereo", []int16{100, 200, -100, -200}, 2, []int16{150, -150}},
		{"stereo at full scale", []int16{32767, 32767}, 2, []int16{32767}},
		{"three channels", []int16{300, 600, 900, -300, -600, -900}, 3, []int16{600, -600}},
		{"partial frame dropped", []int16{10, 20, 30}, 2, []int16{15}},
		{"mono", []int16{1, 2, 3}, 1, []int16{1, 2, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := bytesToSamples(audio.DownmixToMono(samplesToBytes(tt.in), tt.channels))
			if !slices.Equal(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResample(t *testing.T) {
	tests := []struct {
		name     string
		in       []int16
		from, to int
		want     []int16
	}{
		{"same rate", []int16{100, 200, 300}, 48000, 48000, []int16{100, 200, 300}},
		{"48k to 16k", []int16{0, 10, 20, 30, 40, 50}, 48000, 16000, []int16{0, 30}},
		{"8k to 16k", []int16{0, 100, 200}, 8000, 16000, []int16{0, 50, 100, 150, 200}},
		{"invalid rate", []int16{1, 2}, 0, 16000, []int16{1, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := bytesToSamples(audio.Resample(samplesToBytes(tt.in), tt.from, tt.to))
			if !slices.Equal(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

// Upsampling a ramp in two chunks interpolates across the boundary exactly
// as it would in one block.
func TestResampler_ContinuousAcrossChunks(t *testing.T) {
	ramp := []int16{0, 100, 200, 300, 400, 500}
	whole := bytesToSamples(audio.Resample(samplesToBytes(ramp), 8000, 16000))

	r := audio.NewResampler(8000, 16000)
	var chunked []int16
	for _, part := range [][]int16{ramp[:3], ramp[3:]} {
		out, err := r.Process(samplesToBytes(part))
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
		chunked = append(chunked, bytesToSamples(out)...)
	}
	// 250 is interpolated from the carried sample of the first chunk.
	want := []int16{0, 50, 100, 150, 200, 250, 300, 350, 400, 450, 500}
	if !slices.Equal(chunked, want) {
		t.Errorf("chunked = %v, want %v", chunked, want)
	}
	if !slices.Equal(whole, want) {
		t.Errorf("whole = %v, want %v", whole, want)
	}
}

func TestResampler_Downsample480msChunks(t *testing.T) {
	r := audio.NewResampler(48000, 16000)
	var total int
	for range 5 {
		out, err := r.Process(make([]byte, 9600))
		if err != nil {
			t.Fatal(err)
		}
		total += len(out)
	}
	if total != 5*3200 {
		t.Errorf("output bytes = %d, want %d", total, 5*3200)
	}
}

func TestResampler_Misaligned(t *testing.T) {
	r := audio.NewResampler(48000, 16000)
	if _, err := r.Process([]byte{1, 2, 3}); !errors.Is(err, audio.ErrMisaligned) {
		t.Errorf("err = %v, want ErrMisaligned", err)
	}
}

func TestResampler_SetRates(t *testing.T) {
	r := audio.NewResampler(16000, 16000)
	in := samplesToBytes([]int16{1, 2, 3})
	out, _ := r.Process(in)
	if &out[0] != &in[0] {
		t.Error("equal rates should pass the chunk through")
	}

	r.SetRates(32000, 16000)
	if from, to := r.Rates(); from != 32000 || to != 16000 {
		t.Fatalf("Rates = %d, %d", from, to)
	}
	out, _ = r.Process(make([]byte, 6400))
	if len(out) != 3200 {
		t.Errorf("output bytes = %d, want 3200", len(out))
	}
}

func TestPCMDuration(t *testing.T) {
	if got := audio.PCMDuration(3*48000*2, 48000, 1); got.Seconds() != 3 {
		t.Errorf("got %v, want 3s", got)
	}
	if got := audio.PCMDuration(100, 0, 1); got != 0 {
		t.Errorf("zero rate: got %v, want 0", got)
	}
	frame := audio.AudioFrame{Data: make([]byte, 3200), SampleRate: 16000, Channels: 1}
	if got := frame.Duration().Milliseconds(); got != 100 {
		t.Errorf("frame duration: got %dms, want 100ms", got)
	}
}
