package transcribe

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MrWong99/fluentia/pkg/protocol"
	"github.com/MrWong99/fluentia/pkg/provider/stt"
	sttmock "github.com/MrWong99/fluentia/pkg/provider/stt/mock"
)

func testConfig() Config {
	return Config{
		DefaultProvider:   "whisper",
		PrimaryLanguage:   "pt-BR",
		AuxiliaryLanguage: "en-US",
		DefaultSampleRate: 16000,
		MinTimeout:        5 * time.Second,
		TimeoutSlack:      3 * time.Second,
		MaxTimeout:        45 * time.Second,
		MaxBodyBytes:      1 << 20,
	}
}

func post(t *testing.T, h *Handler, query string, body []byte) (int, protocol.TranscribeResponse) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)
	req := httptest.NewRequestWithContext(t.Context(), http.MethodPost, Path+query, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	var resp protocol.TranscribeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return rec.Code, resp
}

func TestConfig_Timeout(t *testing.T) {
	cfg := testConfig()
	tests := []struct {
		audio time.Duration
		want  time.Duration
	}{
		{0, 5 * time.Second},
		{time.Second, 5 * time.Second},
		{2 * time.Second, 5 * time.Second},
		{10 * time.Second, 13 * time.Second},
		{42 * time.Second, 45 * time.Second},
		{5 * time.Minute, 45 * time.Second},
	}
	for _, tt := range tests {
		if got := cfg.Timeout(tt.audio); got != tt.want {
			t.Errorf("Timeout(%v) = %v, want %v", tt.audio, got, tt.want)
		}
	}
}

func TestServeHTTP_Success(t *testing.T) {
	t.Parallel()
	engine := &sttmock.Transcriber{
		Configured: true,
		Result:     stt.Result{Text: "  Eu vou ao mercado ", Language: "pt-BR"},
	}
	h := New(map[string]stt.Transcriber{"whisper": engine}, testConfig())

	code, resp := post(t, h, "?sampleRate=16000", make([]byte, 32000))
	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if resp.Text != "Eu vou ao mercado" || resp.Error != "" {
		t.Errorf("response = %+v", resp)
	}

	if engine.CallCount() != 1 {
		t.Fatalf("calls = %d, want 1", engine.CallCount())
	}
	call := engine.Calls[0]
	if len(call.PCM) != 32000 {
		t.Errorf("pcm = %d bytes, want 32000", len(call.PCM))
	}
	if call.Opts.SampleRate != 16000 || call.Opts.Channels != 1 {
		t.Errorf("format = %+v", call.Opts)
	}
	if call.Opts.Language != "pt-BR" || len(call.Opts.AlternateLanguages) != 1 || call.Opts.AlternateLanguages[0] != "en-US" {
		t.Errorf("languages = %q %v", call.Opts.Language, call.Opts.AlternateLanguages)
	}
}

func TestServeHTTP_ProviderSelection(t *testing.T) {
	t.Parallel()
	whisper := &sttmock.Transcriber{Configured: true, Result: stt.Result{Text: "whisper"}}
	deepgram := &sttmock.Transcriber{Configured: true, Result: stt.Result{Text: "deepgram"}}
	h := New(map[string]stt.Transcriber{"whisper": whisper, "deepgram": deepgram}, testConfig())

	if _, resp := post(t, h, "?provider=deepgram&sampleRate=48000", make([]byte, 960)); resp.Text != "deepgram" {
		t.Errorf("explicit provider text = %q", resp.Text)
	}
	if deepgram.Calls[0].Opts.SampleRate != 48000 {
		t.Errorf("sample rate = %d, want 48000", deepgram.Calls[0].Opts.SampleRate)
	}
	if _, resp := post(t, h, "", make([]byte, 960)); resp.Text != "whisper" {
		t.Errorf("default provider text = %q", resp.Text)
	}
	if whisper.Calls[0].Opts.SampleRate != 16000 {
		t.Errorf("default sample rate = %d, want 16000", whisper.Calls[0].Opts.SampleRate)
	}

	code, resp := post(t, h, "?provider=azure", make([]byte, 960))
	if code != http.StatusBadRequest || resp.Error == "" {
		t.Errorf("unknown provider: status %d, body %+v", code, resp)
	}

	if got := h.Engines(); len(got) != 2 || got[0] != "deepgram" || got[1] != "whisper" {
		t.Errorf("Engines() = %v", got)
	}
}

func TestServeHTTP_NotConfigured(t *testing.T) {
	t.Parallel()
	engine := &sttmock.Transcriber{Configured: false}
	h := New(map[string]stt.Transcriber{"whisper": engine}, testConfig())

	code, resp := post(t, h, "", make([]byte, 960))
	if code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", code)
	}
	if resp.Error == "" {
		t.Error("expected error message")
	}
	if engine.CallCount() != 0 {
		t.Error("unconfigured engine must not be called")
	}
}

func TestServeHTTP_BackendError(t *testing.T) {
	t.Parallel()
	engine := &sttmock.Transcriber{Configured: true, Err: errors.New("upstream 503")}
	h := New(map[string]stt.Transcriber{"whisper": engine}, testConfig())

	code, resp := post(t, h, "", make([]byte, 960))
	if code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", code)
	}
	if resp.Text != "" || resp.Error == "" {
		t.Errorf("response = %+v", resp)
	}
}

func TestServeHTTP_BadRequests(t *testing.T) {
	t.Parallel()
	engine := &sttmock.Transcriber{Configured: true}
	cfg := testConfig()
	cfg.MaxBodyBytes = 100
	h := New(map[string]stt.Transcriber{"whisper": engine}, cfg)

	if code, _ := post(t, h, "?sampleRate=-1", make([]byte, 10)); code != http.StatusBadRequest {
		t.Errorf("negative rate: status %d, want 400", code)
	}
	if code, _ := post(t, h, "", make([]byte, 200)); code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized body: status %d, want 413", code)
	}
	if engine.CallCount() != 0 {
		t.Errorf("calls = %d, want 0", engine.CallCount())
	}
}

func TestServeHTTP_EmptyBody(t *testing.T) {
	t.Parallel()
	engine := &sttmock.Transcriber{Configured: true, Result: stt.Result{Text: "never"}}
	h := New(map[string]stt.Transcriber{"whisper": engine}, testConfig())

	code, resp := post(t, h, "", nil)
	if code != http.StatusOK || resp.Text != "" {
		t.Errorf("status %d, body %+v", code, resp)
	}
	if engine.CallCount() != 0 {
		t.Error("empty audio must not reach the engine")
	}
}

func TestTranscribe_Timeout(t *testing.T) {
	t.Parallel()
	engine := &sttmock.Transcriber{
		Configured: true,
		Delay:      time.Second,
		Partial:    stt.Result{Text: "Eu vou"},
	}
	cfg := testConfig()
	cfg.MinTimeout = 20 * time.Millisecond
	cfg.TimeoutSlack = 0
	cfg.MaxTimeout = 50 * time.Millisecond
	h := New(map[string]stt.Transcriber{"whisper": engine}, cfg)

	res, err := h.Transcribe(t.Context(), "", make([]byte, 320), 16000)
	if !errors.Is(err, ErrRecognitionTimeout) {
		t.Fatalf("err = %v, want ErrRecognitionTimeout", err)
	}
	if res.Text != "Eu vou" {
		t.Errorf("partial text = %q, want %q", res.Text, "Eu vou")
	}

	code, resp := post(t, h, "", make([]byte, 320))
	if code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", code)
	}
	if resp.Text != "Eu vou" || resp.Error != "recognition timeout" {
		t.Errorf("response = %+v", resp)
	}
}

func TestTranscribe_NotConfiguredSentinel(t *testing.T) {
	t.Parallel()
	h := New(map[string]stt.Transcriber{"whisper": &sttmock.Transcriber{}}, testConfig())
	_, err := h.Transcribe(t.Context(), "whisper", make([]byte, 2), 16000)
	if !errors.Is(err, stt.ErrNotConfigured) {
		t.Errorf("err = %v, want ErrNotConfigured", err)
	}
}
