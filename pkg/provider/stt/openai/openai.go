// Package openai provides a batch STT provider backed by the OpenAI audio
// transcription API (whisper-1, gpt-4o-transcribe and compatible servers).
package openai

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/fluentia/pkg/audio"
	"github.com/MrWong99/fluentia/pkg/provider/stt"
)

const defaultModel = "whisper-1"

var _ stt.Transcriber = (*Provider)(nil)

// Provider implements stt.Transcriber using the OpenAI API.
type Provider struct {
	client     oai.Client
	apiKey     string
	model      string
	sampleRate int
}

// config holds optional configuration for the provider.
type config struct {
	baseURL    string
	model      string
	maxRetries int
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithModel selects the transcription model. Default: whisper-1.
func WithModel(model string) Option {
	return func(c *config) {
		c.model = model
	}
}

// WithMaxRetries sets how often the client retries failed requests.
func WithMaxRetries(n int) Option {
	return func(c *config) {
		c.maxRetries = n
	}
}

// New constructs a new OpenAI transcription provider. An empty apiKey yields
// a provider that reports itself as not configured.
func New(apiKey string, opts ...Option) (*Provider, error) {
	cfg := &config{model: defaultModel, maxRetries: -1}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.maxRetries >= 0 {
		reqOpts = append(reqOpts, option.WithMaxRetries(cfg.maxRetries))
	}

	return &Provider{
		client:     oai.NewClient(reqOpts...),
		apiKey:     apiKey,
		model:      cfg.model,
		sampleRate: 16000,
	}, nil
}

// Name implements stt.Transcriber.
func (p *Provider) Name() string { return "openai" }

// IsConfigured reports whether an API key is set.
func (p *Provider) IsConfigured() bool { return p.apiKey != "" }

// Transcribe implements stt.Transcriber. The PCM is uploaded as a WAV file.
// With a single candidate language the request pins it; with several the
// service detects the language, which is then reported as the first
// candidate because the plain JSON response does not include it.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, opts stt.TranscribeOptions) (stt.Result, error) {
	if !p.IsConfigured() {
		return stt.Result{}, stt.ErrNotConfigured
	}
	sr := opts.SampleRate
	if sr <= 0 {
		sr = p.sampleRate
	}
	wav := audio.EncodeWAV(pcm, sr, max(opts.Channels, 1))

	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(wav), "audio.wav", "audio/wav"),
		Model: oai.AudioModel(p.model),
	}
	langs := opts.Languages()
	if len(langs) == 1 {
		params.Language = oai.String(stt.BaseLanguage(langs[0]))
	}

	resp, err := p.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return stt.Result{}, fmt.Errorf("openai: transcribe: %w", err)
	}

	res := stt.Result{Text: strings.TrimSpace(resp.Text)}
	if len(langs) > 0 {
		res.Language = langs[0]
	}
	return res, nil
}
