package openai_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/MrWong99/fluentia/pkg/provider/stt"
	"github.com/MrWong99/fluentia/pkg/provider/stt/openai"
)

type capturedRequest struct {
	Path     string
	Model    string
	Language string
	FileName string
	Header   []byte
}

func newFakeAPI(t *testing.T, status int, body string) (*httptest.Server, func() []capturedRequest) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []capturedRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(10 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		c := capturedRequest{
			Path:     r.URL.Path,
			Model:    r.FormValue("model"),
			Language: r.FormValue("language"),
		}
		if f, hdr, err := r.FormFile("file"); err == nil {
			c.FileName = hdr.Filename
			buf := make([]byte, 4)
			_, _ = f.Read(buf)
			c.Header = buf
		}
		mu.Lock()
		reqs = append(reqs, c)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, func() []capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedRequest(nil), reqs...)
	}
}

func TestTranscribe_SingleLanguage(t *testing.T) {
	srv, requests := newFakeAPI(t, http.StatusOK, `{"text":" Eu vou ao mercado "}`)

	p, err := openai.New("sk-test", openai.WithBaseURL(srv.URL+"/"), openai.WithMaxRetries(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := p.Transcribe(t.Context(), make([]byte, 3200), stt.TranscribeOptions{SampleRate: 16000, Language: "pt-BR"})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "Eu vou ao mercado" {
		t.Errorf("Text = %q", res.Text)
	}
	if res.Language != "pt-BR" {
		t.Errorf("Language = %q, want pt-BR", res.Language)
	}

	reqs := requests()
	if len(reqs) != 1 {
		t.Fatalf("requests: got %d, want 1", len(reqs))
	}
	r := reqs[0]
	if r.Path != "/audio/transcriptions" {
		t.Errorf("path = %q", r.Path)
	}
	if r.Model != "whisper-1" {
		t.Errorf("model = %q", r.Model)
	}
	if r.Language != "pt" {
		t.Errorf("language = %q, want pt", r.Language)
	}
	if r.FileName != "audio.wav" || string(r.Header) != "RIFF" {
		t.Errorf("file = %q header %q, want WAV upload", r.FileName, r.Header)
	}
}

func TestTranscribe_MultipleLanguagesOmitsLanguage(t *testing.T) {
	srv, requests := newFakeAPI(t, http.StatusOK, `{"text":"hello"}`)

	p, _ := openai.New("sk-test", openai.WithBaseURL(srv.URL+"/"), openai.WithModel("gpt-4o-transcribe"), openai.WithMaxRetries(0))
	if _, err := p.Transcribe(t.Context(), make([]byte, 320), stt.TranscribeOptions{
		Language:           "pt-BR",
		AlternateLanguages: []string{"en-US"},
	}); err != nil {
		t.Fatal(err)
	}
	r := requests()[0]
	if r.Language != "" {
		t.Errorf("language = %q, want empty for auto-detect", r.Language)
	}
	if r.Model != "gpt-4o-transcribe" {
		t.Errorf("model = %q", r.Model)
	}
}

func TestTranscribe_APIError(t *testing.T) {
	srv, _ := newFakeAPI(t, http.StatusBadRequest, `{"error":{"message":"bad audio"}}`)

	p, _ := openai.New("sk-test", openai.WithBaseURL(srv.URL+"/"), openai.WithMaxRetries(0))
	if _, err := p.Transcribe(t.Context(), make([]byte, 320), stt.TranscribeOptions{}); err == nil {
		t.Fatal("expected error for HTTP 400")
	}
}

func TestNotConfigured(t *testing.T) {
	p, err := openai.New("")
	if err != nil {
		t.Fatal(err)
	}
	if p.IsConfigured() {
		t.Error("provider without key should not be configured")
	}
	if _, err := p.Transcribe(t.Context(), nil, stt.TranscribeOptions{}); !errors.Is(err, stt.ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
	if p.Name() != "openai" {
		t.Errorf("Name() = %q", p.Name())
	}
}

func TestNew_EmptyModel(t *testing.T) {
	if _, err := openai.New("sk", openai.WithModel("")); err == nil {
		t.Fatal("expected error for empty model")
	}
}
