package resilience

import (
	"context"
	"slices"

	"github.com/MrWong99/fluentia/pkg/provider/llm"
	"github.com/MrWong99/fluentia/pkg/provider/stt"
)

// LLM is an [llm.Provider] that fails over between LLM backends. Only
// starting a stream is covered; errors inside an established stream reach
// the caller as usual.
type LLM struct {
	group *Group[llm.Provider]
}

var _ llm.Provider = (*LLM)(nil)

// NewLLM returns an LLM with primary as the preferred backend.
func NewLLM(primary llm.Provider, cfg BreakerConfig, fallbacks ...llm.Provider) *LLM {
	g := NewGroup(primary.Name(), primary, cfg)
	for _, f := range fallbacks {
		g.Add(f.Name(), f)
	}
	return &LLM{group: g}
}

// Name returns the primary's name.
func (l *LLM) Name() string { return l.group.Primary().Name() }

// StreamCompletion implements [llm.Provider].
func (l *LLM) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return Call(ctx, l.group, func(p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamCompletion(ctx, req)
	})
}

// Complete implements [llm.Provider].
func (l *LLM) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return Call(ctx, l.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// Group exposes the members for health reporting.
func (l *LLM) Group() *Group[llm.Provider] { return l.group }

// Streaming is an [stt.Provider] that opens the speech session on the first
// healthy recognizer. Backends without credentials are skipped.
type Streaming struct {
	group *Group[stt.Provider]
}

var _ stt.Provider = (*Streaming)(nil)

// NewStreaming returns a Streaming provider with primary preferred.
func NewStreaming(primary stt.Provider, cfg BreakerConfig, fallbacks ...stt.Provider) *Streaming {
	g := NewGroup(primary.Name(), primary, cfg)
	for _, f := range fallbacks {
		g.Add(f.Name(), f)
	}
	return &Streaming{group: g}
}

// Name returns the primary's name.
func (s *Streaming) Name() string { return s.group.Primary().Name() }

// IsConfigured reports whether any member can open sessions.
func (s *Streaming) IsConfigured() bool {
	return slices.ContainsFunc(s.group.members, func(m member[stt.Provider]) bool {
		return m.value.IsConfigured()
	})
}

// StartStream implements [stt.Provider].
func (s *Streaming) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return Call(ctx, s.group, func(p stt.Provider) (stt.SessionHandle, error) {
		if !p.IsConfigured() {
			return nil, stt.ErrNotConfigured
		}
		return p.StartStream(ctx, cfg)
	})
}

// Group exposes the members for health reporting.
func (s *Streaming) Group() *Group[stt.Provider] { return s.group }

// Transcriber is an [stt.Transcriber] that fails over between batch
// recognizers. When ctx ends mid-recognition the partial text of the
// backend that was running is returned with ctx's error.
type Transcriber struct {
	group *Group[stt.Transcriber]
}

var _ stt.Transcriber = (*Transcriber)(nil)

// NewTranscriber returns a Transcriber with primary preferred.
func NewTranscriber(primary stt.Transcriber, cfg BreakerConfig, fallbacks ...stt.Transcriber) *Transcriber {
	g := NewGroup(primary.Name(), primary, cfg)
	for _, f := range fallbacks {
		g.Add(f.Name(), f)
	}
	return &Transcriber{group: g}
}

// Name returns the primary's name.
func (t *Transcriber) Name() string { return t.group.Primary().Name() }

// IsConfigured reports whether any member can transcribe.
func (t *Transcriber) IsConfigured() bool {
	return slices.ContainsFunc(t.group.members, func(m member[stt.Transcriber]) bool {
		return m.value.IsConfigured()
	})
}

// Transcribe implements [stt.Transcriber].
func (t *Transcriber) Transcribe(ctx context.Context, pcm []byte, opts stt.TranscribeOptions) (stt.Result, error) {
	return Call(ctx, t.group, func(tr stt.Transcriber) (stt.Result, error) {
		if !tr.IsConfigured() {
			return stt.Result{}, stt.ErrNotConfigured
		}
		return tr.Transcribe(ctx, pcm, opts)
	})
}

// Group exposes the members for health reporting.
func (t *Transcriber) Group() *Group[stt.Transcriber] { return t.group }
