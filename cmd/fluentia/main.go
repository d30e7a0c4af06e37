// Command fluentia is the tutoring server: speech sockets, batch
// transcription, lesson turns and learner evaluations.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/fluentia/internal/app"
	"github.com/MrWong99/fluentia/internal/config"
	"github.com/MrWong99/fluentia/internal/observe"
	"github.com/MrWong99/fluentia/pkg/provider/llm"
	"github.com/MrWong99/fluentia/pkg/provider/llm/anyllm"
	oallm "github.com/MrWong99/fluentia/pkg/provider/llm/openai"
	"github.com/MrWong99/fluentia/pkg/provider/stt"
	"github.com/MrWong99/fluentia/pkg/provider/stt/deepgram"
	oastt "github.com/MrWong99/fluentia/pkg/provider/stt/openai"
	"github.com/MrWong99/fluentia/pkg/provider/stt/whisper"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", true, "reload the configuration file when it changes")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "fluentia: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "fluentia: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("fluentia starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "fluentia"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		if err := telemetry.Shutdown(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	application, err := app.New(ctx, cfg, providers, app.WithLogLevel(level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if *watch {
		w, err := config.NewWatcher(*configPath, cfg, application.Reload)
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			go w.Run(ctx)
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		if org := entry.OptionString("organization"); org != "" {
			opts = append(opts, oallm.WithOrganization(org))
		}
		if name := entry.OptionString("display_name"); name != "" {
			opts = append(opts, oallm.WithName(name))
		}
		timeout, err := entry.OptionDuration("timeout")
		if err != nil {
			return nil, err
		}
		if timeout > 0 {
			opts = append(opts, oallm.WithTimeout(timeout))
		}
		if n, ok := entry.OptionInt("max_retries"); ok {
			opts = append(opts, oallm.WithMaxRetries(n))
		}
		return oallm.New(entry.APIKey, entry.Model, opts...)
	})

	// Every other any-llm backend takes an optional key and base URL. The
	// openai entry above stays on the native SDK.
	for _, backend := range anyllm.Backends() {
		if backend == "openai" {
			continue
		}
		reg.RegisterLLM(backend, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" && !anyllm.Local(backend) {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(backend, entry.Model, opts...)
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────
	// deepgram and both whisper flavours stream and transcribe; openai only
	// transcribes.
	newDeepgram := func(entry config.ProviderEntry) (*deepgram.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := entry.OptionString("language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithBaseURL(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	}
	newWhisper := func(entry config.ProviderEntry) (*whisper.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := entry.OptionString("language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	}
	newNative := func(entry config.ProviderEntry) (*whisper.NativeProvider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = entry.OptionString("model_path")
		}
		var opts []whisper.NativeOption
		if lang := entry.OptionString("language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		return whisper.NewNative(modelPath, opts...)
	}

	reg.RegisterSTT("deepgram", func(e config.ProviderEntry) (stt.Provider, error) { return newDeepgram(e) })
	reg.RegisterSTT("whisper", func(e config.ProviderEntry) (stt.Provider, error) { return newWhisper(e) })
	reg.RegisterSTT("whisper-native", func(e config.ProviderEntry) (stt.Provider, error) { return newNative(e) })

	reg.RegisterTranscriber("deepgram", func(e config.ProviderEntry) (stt.Transcriber, error) { return newDeepgram(e) })
	reg.RegisterTranscriber("whisper", func(e config.ProviderEntry) (stt.Transcriber, error) { return newWhisper(e) })
	reg.RegisterTranscriber("whisper-native", func(e config.ProviderEntry) (stt.Transcriber, error) { return newNative(e) })
	reg.RegisterTranscriber("openai", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		var opts []oastt.Option
		if entry.Model != "" {
			opts = append(opts, oastt.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oastt.WithBaseURL(entry.BaseURL))
		}
		return oastt.New(entry.APIKey, opts...)
	})

	slog.Debug("registered providers",
		"llm", reg.Names(config.KindLLM),
		"stt", reg.Names(config.KindSTT),
		"transcribers", reg.Names(config.KindTranscriber),
	)
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to
// consume. A backend that both streams and transcribes is built once.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{Transcribers: make(map[string]stt.Transcriber)}

	if name := cfg.Providers.LLM.Name; name != "" {
		p, err := reg.CreateLLM(cfg.Providers.LLM)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("unknown llm provider, skipping", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create llm provider %q: %w", name, err)
		} else {
			ps.LLM = p
			slog.Info("provider created", "kind", "llm", "name", name)
		}
	}

	sttCfg := cfg.Providers.STT
	for _, entry := range sttCfg.Backends {
		t, err := reg.CreateTranscriber(entry)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("unknown stt backend, skipping", "name", entry.Name)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create stt backend %q: %w", entry.Name, err)
		}
		ps.Transcribers[entry.Name] = t
		slog.Info("provider created", "kind", "transcriber", "name", entry.Name)

		if entry.Name != sttCfg.Streaming {
			continue
		}
		if p, ok := t.(stt.Provider); ok {
			ps.Streaming = p
			slog.Info("provider created", "kind", "stt", "name", entry.Name)
		} else {
			return nil, fmt.Errorf("stt backend %q cannot stream", entry.Name)
		}
	}

	if sttCfg.Streaming != "" && ps.Streaming == nil {
		entry, _ := sttCfg.Entry(sttCfg.Streaming)
		p, err := reg.CreateSTT(entry)
		if err != nil {
			return nil, fmt.Errorf("create streaming stt %q: %w", sttCfg.Streaming, err)
		}
		ps.Streaming = p
	}

	var llmFallbacks []llm.Provider
	for _, entry := range cfg.Providers.LLMFallbacks {
		p, err := reg.CreateLLM(entry)
		if err != nil {
			return nil, fmt.Errorf("create llm fallback %q: %w", entry.Name, err)
		}
		llmFallbacks = append(llmFallbacks, p)
	}
	return ps.WithFailover(cfg.Providers, llmFallbacks...), nil
}
