package app

import (
	"log/slog"

	"github.com/MrWong99/fluentia/internal/config"
	"github.com/MrWong99/fluentia/internal/resilience"
	"github.com/MrWong99/fluentia/pkg/provider/llm"
	"github.com/MrWong99/fluentia/pkg/provider/stt"
)

// WithFailover wraps the streaming recognizer, the default batch
// recognizer and the LLM in circuit-breaking failover groups built from
// cfg. Fallback recognizers are looked up by name in p.Transcribers;
// names that do not stream are skipped for the speech socket. p is not
// modified.
func (p *Providers) WithFailover(cfg config.ProvidersConfig, llmFallbacks ...llm.Provider) *Providers {
	cb := resilience.BreakerConfig{
		MaxFailures:  cfg.CircuitBreaker.MaxFailures,
		ResetTimeout: cfg.CircuitBreaker.ResetTimeout,
	}
	out := &Providers{
		LLM:          p.LLM,
		Streaming:    p.Streaming,
		Transcribers: make(map[string]stt.Transcriber, len(p.Transcribers)),
	}
	for name, t := range p.Transcribers {
		out.Transcribers[name] = t
	}

	if p.LLM != nil && len(llmFallbacks) > 0 {
		out.LLM = resilience.NewLLM(p.LLM, cb, llmFallbacks...)
		slog.Info("llm failover enabled", "primary", p.LLM.Name(), "fallbacks", len(llmFallbacks))
	}

	if p.Streaming != nil {
		var fallbacks []stt.Provider
		for _, name := range cfg.STT.Fallbacks {
			if name == cfg.STT.Streaming {
				continue
			}
			if sp, ok := p.Transcribers[name].(stt.Provider); ok {
				fallbacks = append(fallbacks, sp)
			}
		}
		if len(fallbacks) > 0 {
			out.Streaming = resilience.NewStreaming(p.Streaming, cb, fallbacks...)
			slog.Info("speech failover enabled", "primary", p.Streaming.Name(), "fallbacks", len(fallbacks))
		}
	}

	if primary, ok := p.Transcribers[cfg.STT.DefaultBatch]; ok {
		var fallbacks []stt.Transcriber
		for _, name := range cfg.STT.Fallbacks {
			if t, ok := p.Transcribers[name]; ok && name != cfg.STT.DefaultBatch {
				fallbacks = append(fallbacks, t)
			}
		}
		if len(fallbacks) > 0 {
			out.Transcribers[cfg.STT.DefaultBatch] = resilience.NewTranscriber(primary, cb, fallbacks...)
			slog.Info("transcription failover enabled", "primary", cfg.STT.DefaultBatch, "fallbacks", len(fallbacks))
		}
	}
	return out
}
