// Package audio holds the PCM primitives shared by the capture engine, the
// speech session handler and the transcription providers.
//
// All PCM in Fluentia is signed 16-bit little-endian. Audio travelling on the
// wire is always mono; capture devices with more channels are down-mixed
// before frames leave the capture engine.
package audio

import "time"

// AudioFrame is one block of captured PCM audio. Frames are handed to the
// transport and discarded; nothing downstream retains them after sending.
type AudioFrame struct {
	// Data is s16le PCM.
	Data []byte

	// SampleRate in Hz (e.g., 48000 for a typical microphone, 16000 for STT).
	SampleRate int

	// Channels is 1 for every frame produced by the capture engine.
	Channels int

	// Timestamp marks when this frame was captured, relative to capture start.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	return PCMDuration(len(f.Data), f.SampleRate, f.Channels)
}

// PCMDuration returns the playback length of n bytes of s16le PCM.
func PCMDuration(n, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	if channels <= 0 {
		channels = 1
	}
	samples := n / (2 * channels)
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}
