package whisper_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/MrWong99/fluentia/pkg/provider/stt"
	"github.com/MrWong99/fluentia/pkg/provider/stt/whisper"
)

// testModelPath returns the path to a whisper model for integration tests.
// It reads from the WHISPER_MODEL_PATH environment variable. If unset the
// test is skipped.
func testModelPath(t *testing.T) string {
	t.Helper()
	p := os.Getenv("WHISPER_MODEL_PATH")
	if p == "" {
		t.Skip("WHISPER_MODEL_PATH not set; skipping native whisper test")
	}
	return p
}

func TestNewNative_EmptyPath_ReturnsError(t *testing.T) {
	if _, err := whisper.NewNative(""); err == nil {
		t.Fatal("expected error for empty model path, got nil")
	}
}

func TestNewNative_InvalidPath_ReturnsError(t *testing.T) {
	if _, err := whisper.NewNative("/nonexistent/path/to/model.bin"); err == nil {
		t.Fatal("expected error for invalid model path, got nil")
	}
}

func TestNative_TranscribeSilence(t *testing.T) {
	p, err := whisper.NewNative(testModelPath(t), whisper.WithNativeLanguage("en"))
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}
	defer p.Close()

	if !p.IsConfigured() {
		t.Fatal("expected loaded model to be configured")
	}
	if _, err := p.Transcribe(context.Background(), makeSilencePCM(16000), stt.TranscribeOptions{SampleRate: 16000}); err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
}

func TestNative_ClosedProviderNotConfigured(t *testing.T) {
	p, err := whisper.NewNative(testModelPath(t))
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}
	_ = p.Close()
	_ = p.Close()

	if p.IsConfigured() {
		t.Error("closed provider should not report configured")
	}
	_, err = p.Transcribe(context.Background(), makeSilencePCM(160), stt.TranscribeOptions{})
	if !errors.Is(err, stt.ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
	if _, err := p.StartStream(context.Background(), stt.StreamConfig{}); !errors.Is(err, stt.ErrNotConfigured) {
		t.Errorf("StartStream: expected ErrNotConfigured, got %v", err)
	}
}
