// Package whisper provides whisper.cpp-backed STT providers.
//
// [Provider] talks to a running whisper-server binary (REST API at
// POST /inference). [NativeProvider] runs the model in-process through the
// whisper.cpp CGO bindings. Both implement [stt.Transcriber] for the batch
// endpoint and [stt.Provider] for the speech socket; streaming is simulated
// by segmenting incoming audio on silence and recognising each utterance.
//
// whisper.cpp is a batch engine, so sessions never emit partials.
//
// Usage:
//
//	p, err := whisper.New("http://localhost:8080",
//	    whisper.WithLanguage("pt"),
//	    whisper.WithSilenceThreshold(500*time.Millisecond),
//	)
//	res, err := p.Transcribe(ctx, pcm, stt.TranscribeOptions{SampleRate: 16000})
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/fluentia/pkg/audio"
	"github.com/MrWong99/fluentia/pkg/provider/stt"
)

const (
	defaultLanguage          = "en"
	defaultSampleRate        = 16000
	defaultSilenceThreshold  = 500 * time.Millisecond
	defaultMaxBufferDuration = 10 * time.Second
)

var (
	_ stt.Provider    = (*Provider)(nil)
	_ stt.Transcriber = (*Provider)(nil)
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "base", "small"). When empty the server uses whichever model it was
// started with, which is the default.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the fallback language used when a request names none.
// Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithSampleRate sets the fallback sample rate in Hz. Defaults to 16000.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithSilenceThreshold sets the consecutive silence that commits an
// utterance in a streaming session. Defaults to 500ms.
func WithSilenceThreshold(d time.Duration) Option {
	return func(p *Provider) {
		p.silenceThreshold = d
	}
}

// WithMaxBufferDuration caps the audio buffered for one utterance in a
// streaming session. Defaults to 10s.
func WithMaxBufferDuration(d time.Duration) Option {
	return func(p *Provider) {
		p.maxBufferDuration = d
	}
}

// WithHTTPClient overrides the HTTP client used for inference requests.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider recognises speech through a whisper.cpp HTTP server.
type Provider struct {
	serverURL         string
	model             string
	language          string
	sampleRate        int
	silenceThreshold  time.Duration
	maxBufferDuration time.Duration
	httpClient        *http.Client
}

// New creates a Provider for the whisper.cpp HTTP server at serverURL
// (e.g., "http://localhost:8080"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:         strings.TrimRight(serverURL, "/"),
		language:          defaultLanguage,
		sampleRate:        defaultSampleRate,
		silenceThreshold:  defaultSilenceThreshold,
		maxBufferDuration: defaultMaxBufferDuration,
		httpClient:        &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name implements stt.Provider and stt.Transcriber.
func (p *Provider) Name() string { return "whisper" }

// IsConfigured implements stt.Provider and stt.Transcriber.
func (p *Provider) IsConfigured() bool { return p.serverURL != "" }

// Transcribe implements stt.Transcriber.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, opts stt.TranscribeOptions) (stt.Result, error) {
	sr, ch := p.format(opts.SampleRate, opts.Channels)
	return p.infer(ctx, pcm, sr, ch, opts.Languages())
}

// StartStream implements stt.Provider. No network connection is made until
// the first utterance is committed.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}
	sr, ch := p.format(cfg.SampleRate, cfg.Channels)
	langs := cfg.Languages()
	seg := segmenter{
		sampleRate:       sr,
		channels:         ch,
		silenceThreshold: p.silenceThreshold,
		maxBuffer:        p.maxBufferDuration,
	}
	return newSession(ctx, "whisper", seg, func(ctx context.Context, pcm []byte) (stt.Result, error) {
		return p.infer(ctx, pcm, sr, ch, langs)
	}), nil
}

func (p *Provider) format(sampleRate, channels int) (int, int) {
	if sampleRate <= 0 {
		sampleRate = p.sampleRate
	}
	if channels <= 0 {
		channels = 1
	}
	return sampleRate, channels
}

// requestLanguage picks the language sent to whisper: the single requested
// language, or "auto" to let whisper identify among several.
func (p *Provider) requestLanguage(langs []string) string {
	switch len(langs) {
	case 0:
		return stt.BaseLanguage(p.language)
	case 1:
		return stt.BaseLanguage(langs[0])
	default:
		return "auto"
	}
}

// infer encodes pcm as a WAV file and POSTs it to the whisper.cpp /inference
// endpoint as multipart/form-data.
func (p *Provider) infer(ctx context.Context, pcm []byte, sampleRate, channels int, langs []string) (stt.Result, error) {
	wav := audio.EncodeWAV(pcm, sampleRate, channels)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: write wav data: %w", err)
	}

	lang := p.requestLanguage(langs)
	fields := map[string]string{
		"language":        lang,
		"response_format": "verbose_json",
		"model":           p.model,
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return stt.Result{}, fmt.Errorf("whisper: write %s field: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/inference", &body)
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return stt.Result{}, fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: read response body: %w", err)
	}

	var result struct {
		Text             string `json:"text"`
		Language         string `json:"language"`
		DetectedLanguage string `json:"detected_language"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: parse JSON response: %w", err)
	}

	detected := result.DetectedLanguage
	if detected == "" {
		detected = result.Language
	}
	if detected == "" && lang != "auto" && len(langs) > 0 {
		detected = langs[0]
	}
	return stt.Result{
		Text:     strings.TrimSpace(result.Text),
		Language: stt.MatchLanguage(detected, langs),
	}, nil
}
