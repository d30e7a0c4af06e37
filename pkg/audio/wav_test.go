package audio_test

import (
	"encoding/binary"
	"testing"

	"github.com/MrWong99/fluentia/pkg/audio"
)

func TestEncodeWAV(t *testing.T) {
	pcm := samplesToBytes([]int16{1, 2, 3, 4})
	wav := audio.EncodeWAV(pcm, 16000, 1)

	if len(wav) != audio.WAVHeaderSize+len(pcm) {
		t.Fatalf("length: got %d, want %d", len(wav), audio.WAVHeaderSize+len(pcm))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Errorf("bad RIFF header: %q", wav[0:12])
	}
	if string(wav[12:16]) != "fmt " || string(wav[36:40]) != "data" {
		t.Errorf("bad chunk ids: %q %q", wav[12:16], wav[36:40])
	}
	if got := binary.LittleEndian.Uint32(wav[4:8]); got != uint32(36+len(pcm)) {
		t.Errorf("riff size: got %d", got)
	}
	if got := binary.LittleEndian.Uint16(wav[22:24]); got != 1 {
		t.Errorf("channels: got %d, want 1", got)
	}
	if got := binary.LittleEndian.Uint32(wav[24:28]); got != 16000 {
		t.Errorf("sample rate: got %d, want 16000", got)
	}
	if got := binary.LittleEndian.Uint32(wav[28:32]); got != 32000 {
		t.Errorf("byte rate: got %d, want 32000", got)
	}
	if got := binary.LittleEndian.Uint16(wav[34:36]); got != 16 {
		t.Errorf("bits per sample: got %d, want 16", got)
	}
	if got := binary.LittleEndian.Uint32(wav[40:44]); got != uint32(len(pcm)) {
		t.Errorf("data size: got %d, want %d", got, len(pcm))
	}
	if string(wav[44:]) != string(pcm) {
		t.Error("payload mismatch")
	}
}

func TestEncodeWAV_Empty(t *testing.T) {
	wav := audio.EncodeWAV(nil, 48000, 0)
	if len(wav) != audio.WAVHeaderSize {
		t.Fatalf("length: got %d, want %d", len(wav), audio.WAVHeaderSize)
	}
	if got := binary.LittleEndian.Uint16(wav[22:24]); got != 1 {
		t.Errorf("channels default: got %d, want 1", got)
	}
}
