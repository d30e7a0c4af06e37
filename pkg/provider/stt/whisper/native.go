// This file contains the NativeProvider implementation backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/fluentia/pkg/audio"
	"github.com/MrWong99/fluentia/pkg/provider/stt"
)

var (
	_ stt.Provider    = (*NativeProvider)(nil)
	_ stt.Transcriber = (*NativeProvider)(nil)
)

// NativeProvider runs whisper.cpp in-process. The model is loaded once at
// startup and shared; each inference gets its own context.
type NativeProvider struct {
	mu    sync.RWMutex
	model whisperlib.Model

	language          string
	sampleRate        int
	silenceThreshold  time.Duration
	maxBufferDuration time.Duration
}

// NativeOption is a functional option for configuring a NativeProvider.
type NativeOption func(*NativeProvider)

// WithNativeLanguage sets the fallback language. Defaults to "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(p *NativeProvider) { p.language = lang }
}

// WithNativeSampleRate sets the fallback sample rate in Hz. Defaults to 16000.
func WithNativeSampleRate(rate int) NativeOption {
	return func(p *NativeProvider) { p.sampleRate = rate }
}

// WithNativeSilenceThreshold sets the silence that commits an utterance in a
// streaming session. Defaults to 500ms.
func WithNativeSilenceThreshold(d time.Duration) NativeOption {
	return func(p *NativeProvider) { p.silenceThreshold = d }
}

// NewNative loads the whisper.cpp model at modelPath. The caller must call
// Close when the provider is no longer needed.
func NewNative(modelPath string, opts ...NativeOption) (*NativeProvider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	p := &NativeProvider{
		model:             model,
		language:          defaultLanguage,
		sampleRate:        defaultSampleRate,
		silenceThreshold:  defaultSilenceThreshold,
		maxBufferDuration: defaultMaxBufferDuration,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name implements stt.Provider and stt.Transcriber.
func (p *NativeProvider) Name() string { return "whisper-native" }

// IsConfigured reports whether the model is loaded.
func (p *NativeProvider) IsConfigured() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.model != nil
}

// Close releases the whisper model.
func (p *NativeProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model == nil {
		return nil
	}
	err := p.model.Close()
	p.model = nil
	return err
}

// Transcribe implements stt.Transcriber. whisper.cpp cannot be interrupted
// mid-inference, so on ctx expiry the call returns immediately with
// ctx.Err() while the inference finishes in the background.
func (p *NativeProvider) Transcribe(ctx context.Context, pcm []byte, opts stt.TranscribeOptions) (stt.Result, error) {
	if !p.IsConfigured() {
		return stt.Result{}, stt.ErrNotConfigured
	}
	sr := opts.SampleRate
	if sr <= 0 {
		sr = p.sampleRate
	}
	samples := audio.PCM16ToFloat32(audio.Resample(audio.DownmixToMono(pcm, opts.Channels), sr, whisperlib.SampleRate))

	type outcome struct {
		res stt.Result
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		res, err := p.infer(samples, opts.Languages())
		ch <- outcome{res, err}
	}()

	select {
	case o := <-ch:
		return o.res, o.err
	case <-ctx.Done():
		return stt.Result{}, ctx.Err()
	}
}

// StartStream implements stt.Provider.
func (p *NativeProvider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}
	if !p.IsConfigured() {
		return nil, stt.ErrNotConfigured
	}
	sr := cfg.SampleRate
	if sr <= 0 {
		sr = p.sampleRate
	}
	langs := cfg.Languages()
	seg := segmenter{
		sampleRate:       sr,
		channels:         max(cfg.Channels, 1),
		silenceThreshold: p.silenceThreshold,
		maxBuffer:        p.maxBufferDuration,
	}
	return newSession(ctx, "whisper-native", seg, func(ctx context.Context, pcm []byte) (stt.Result, error) {
		return p.Transcribe(ctx, pcm, stt.TranscribeOptions{
			SampleRate:         sr,
			Channels:           seg.channels,
			Language:           cfg.Language,
			AlternateLanguages: cfg.AlternateLanguages,
		})
	}), nil
}

// infer runs whisper.cpp on 16 kHz mono samples using a fresh context. With
// more than one candidate language whisper auto-detects; the result is
// mapped back onto the candidates.
func (p *NativeProvider) infer(samples []float32, langs []string) (stt.Result, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.model == nil {
		return stt.Result{}, stt.ErrNotConfigured
	}

	wctx, err := p.model.NewContext()
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: create context: %w", err)
	}

	lang := stt.BaseLanguage(p.language)
	switch {
	case len(langs) == 1:
		lang = stt.BaseLanguage(langs[0])
	case len(langs) > 1 && wctx.IsMultilingual():
		lang = "auto"
	}
	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", lang, "err", err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stt.Result{}, fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}

	detected := lang
	if lang == "auto" {
		detected = wctx.DetectedLanguage()
	}
	return stt.Result{
		Text:     strings.Join(parts, " "),
		Language: stt.MatchLanguage(detected, langs),
	}, nil
}
