// Package app wires the Fluentia server subsystems into a running
// application.
//
// The App struct owns the full lifecycle: New builds the conversation store,
// the lesson pipeline and the HTTP handlers, Run serves them until the
// context ends, Reload applies hot config changes and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithStore,
// WithCatalogue). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/fluentia/internal/config"
	"github.com/MrWong99/fluentia/internal/health"
	"github.com/MrWong99/fluentia/internal/lesson"
	"github.com/MrWong99/fluentia/internal/lesson/postgres"
	"github.com/MrWong99/fluentia/internal/observe"
	"github.com/MrWong99/fluentia/internal/resilience"
	"github.com/MrWong99/fluentia/internal/speech"
	"github.com/MrWong99/fluentia/internal/transcribe"
	"github.com/MrWong99/fluentia/internal/transcript"
	"github.com/MrWong99/fluentia/pkg/provider/llm"
	"github.com/MrWong99/fluentia/pkg/provider/stt"
)

// shutdownGrace bounds the graceful HTTP shutdown once Run's context ends.
const shutdownGrace = 10 * time.Second

// Providers holds the provider instances built from the config registry.
// Nil or empty means the provider is not configured.
type Providers struct {
	LLM llm.Provider

	// Streaming serves the speech socket.
	Streaming stt.Provider

	// Transcribers serves batch transcription, keyed by registry name.
	Transcribers map[string]stt.Transcriber
}

// App owns all subsystem lifetimes of the tutoring server.
type App struct {
	cfg       *config.Config
	providers *Providers

	store      lesson.Store
	catalogue  *lesson.Catalogue
	pipeline   *lesson.Pipeline
	speech     *speech.Handler
	transcribe *transcribe.Handler
	metrics    *observe.Metrics
	logLevel   *slog.LevelVar
	handler    http.Handler

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a conversation store instead of creating one from
// config.
func WithStore(s lesson.Store) Option {
	return func(a *App) { a.store = s }
}

// WithCatalogue injects a lesson catalogue instead of loading
// lessons.path.
func WithCatalogue(c *lesson.Catalogue) Option {
	return func(a *App) { a.catalogue = c }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets Reload change the level of the process logger.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// New creates an App by wiring all subsystems together. providers comes from
// main.go (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	if err := a.initCatalogue(); err != nil {
		return nil, fmt.Errorf("app: init lessons: %w", err)
	}

	a.pipeline = lesson.NewPipeline(a.catalogue, a.store, providers.LLM,
		lesson.WithEvaluator(lesson.NewEvaluator(providers.LLM, a.store), cfg.Lessons.EvaluateEvery),
		lesson.WithPipelineMetrics(a.metrics),
		lesson.WithVocabularyCorrection(vocabularyCorrector(cfg)),
	)
	a.speech = speech.New(providers.Streaming, speechConfig(cfg), speech.WithMetrics(a.metrics))
	a.transcribe = transcribe.New(providers.Transcribers, transcribeConfig(cfg), transcribe.WithMetrics(a.metrics))

	mux := http.NewServeMux()
	a.speech.Register(mux)
	a.transcribe.Register(mux)
	lesson.NewHandler(a.pipeline).Register(mux)
	health.New(a.checkers()...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	a.handler = observe.Middleware(a.metrics)(mux)

	slog.Info("app initialised",
		"lessons", a.catalogue.Len(),
		"streaming_stt", providerName(providers.Streaming),
		"batch_stt", slices.Sorted(maps.Keys(providers.Transcribers)),
		"llm", providers.LLM != nil,
	)
	return a, nil
}

// initStore connects the PostgreSQL store when a DSN is configured and
// falls back to an in-memory store otherwise.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	dsn := a.cfg.Storage.PostgresDSN
	if dsn == "" {
		slog.Warn("storage.postgres_dsn not set, conversations are kept in memory")
		a.store = lesson.NewMemStore()
		return nil
	}

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

func (a *App) initCatalogue() error {
	if a.catalogue != nil {
		return nil
	}
	if a.cfg.Lessons.Path == "" {
		slog.Warn("lessons.path not set, every turn will fail with lesson not found")
		a.catalogue = &lesson.Catalogue{}
		return nil
	}
	c, err := lesson.LoadCatalogue(a.cfg.Lessons.Path)
	if err != nil {
		return err
	}
	a.catalogue = c
	return nil
}

// checkers builds the readiness checks: the conversation store plus one
// per configured provider. Open circuits in a failover group only degrade
// readiness.
func (a *App) checkers() []health.Checker {
	checks := []health.Checker{{Name: "conversations", Check: a.store.Ping}}
	checks = append(checks, health.Configured("llm", func() bool { return a.providers.LLM != nil }))
	if l, ok := a.providers.LLM.(*resilience.LLM); ok {
		checks = append(checks, health.Degraded(health.Checker{Name: "failover/llm", Check: l.Group().Check}))
	}
	if p := a.providers.Streaming; p != nil {
		checks = append(checks, health.Configured("stt/"+p.Name(), p.IsConfigured))
		if s, ok := p.(*resilience.Streaming); ok {
			checks = append(checks, health.Degraded(health.Checker{Name: "failover/stt", Check: s.Group().Check}))
		}
	}
	for _, name := range slices.Sorted(maps.Keys(a.providers.Transcribers)) {
		t := a.providers.Transcribers[name]
		checks = append(checks, health.Configured("transcribe/"+name, t.IsConfigured))
		if ft, ok := t.(*resilience.Transcriber); ok {
			checks = append(checks, health.Degraded(health.Checker{Name: "failover/transcribe/" + name, Check: ft.Group().Check}))
		}
	}
	return checks
}

// Handler returns the root HTTP handler with all routes and the
// observability middleware.
func (a *App) Handler() http.Handler { return a.handler }

// Pipeline returns the lesson turn pipeline.
func (a *App) Pipeline() *lesson.Pipeline { return a.pipeline }

// Run serves HTTP on server.listen_addr and blocks until ctx is cancelled or
// the listener fails. Open speech sockets see ctx's cancellation.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener. It takes ownership of ln.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown", "err", err)
			return srv.Close()
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("app: serve: %w", err)
	}
	return ctx.Err()
}

// Reload applies the hot-reloadable parts of next. Changes that need a
// restart are logged and otherwise ignored. It is meant as the onChange
// callback of [config.Watcher].
func (a *App) Reload(prev, next *config.Config) {
	d := config.Diff(prev, next)
	if d.IsEmpty() {
		return
	}

	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.LessonsChanged {
		a.pipeline.SetEvaluateEvery(next.Lessons.EvaluateEvery)
		a.pipeline.SetVocabularyCorrection(vocabularyCorrector(next))
		if next.Lessons.Path != "" {
			c, err := lesson.LoadCatalogue(next.Lessons.Path)
			if err != nil {
				slog.Error("lesson catalogue reload failed, keeping previous", "path", next.Lessons.Path, "err", err)
			} else {
				a.pipeline.SetCatalogue(c)
				slog.Info("lesson catalogue reloaded", "lessons", c.Len())
			}
		}
	}
	if d.TranscribeChanged || d.SpeechLanguagesChanged {
		a.transcribe.SetConfig(transcribeConfig(next))
	}
	if d.SpeechLanguagesChanged {
		a.speech.SetLanguages(next.Speech.PrimaryLanguage, next.Speech.AuxiliaryLanguage)
		slog.Info("speech languages changed",
			"primary", next.Speech.PrimaryLanguage,
			"auxiliary", next.Speech.AuxiliaryLanguage)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "sections", d.RestartRequired)
	}
}

// Shutdown tears down all subsystems in init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			if err := ctx.Err(); err != nil {
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = err
				return
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// SlogLevel maps a config log level to its slog level.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func vocabularyCorrector(cfg *config.Config) *transcript.Corrector {
	if !cfg.Lessons.CorrectVocabulary {
		return nil
	}
	return transcript.NewCorrector()
}

func speechConfig(cfg *config.Config) speech.Config {
	return speech.Config{
		PrimaryLanguage:    cfg.Speech.PrimaryLanguage,
		AuxiliaryLanguage:  cfg.Speech.AuxiliaryLanguage,
		DefaultSampleRate:  cfg.Speech.DefaultSampleRate,
		MaxSessionDuration: cfg.Speech.MaxSessionDuration,
		OriginPatterns:     cfg.Server.AllowedOrigins,
	}
}

func transcribeConfig(cfg *config.Config) transcribe.Config {
	return transcribe.Config{
		DefaultProvider:   cfg.Providers.STT.DefaultBatch,
		PrimaryLanguage:   cfg.Speech.PrimaryLanguage,
		AuxiliaryLanguage: cfg.Speech.AuxiliaryLanguage,
		DefaultSampleRate: cfg.Speech.DefaultSampleRate,
		MinTimeout:        cfg.Transcribe.MinTimeout,
		TimeoutSlack:      cfg.Transcribe.TimeoutSlack,
		MaxTimeout:        cfg.Transcribe.MaxTimeout,
		MaxBodyBytes:      cfg.Transcribe.MaxBodyBytes,
	}
}

func providerName(p stt.Provider) string {
	if p == nil {
		return ""
	}
	return p.Name()
}
