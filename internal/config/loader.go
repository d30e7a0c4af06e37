package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"deepgram", "openai", "whisper", "whisper-native"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	validateProviderName("llm", cfg.Providers.LLM.Name)
	stt := cfg.Providers.STT
	seen := make(map[string]int, len(stt.Backends))
	for i, e := range stt.Backends {
		prefix := fmt.Sprintf("providers.stt.backends[%d]", i)
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := seen[e.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of providers.stt.backends[%d]", prefix, e.Name, prev))
		}
		seen[e.Name] = i
		validateProviderName("stt", e.Name)
	}
	if stt.Streaming != "" {
		if _, ok := stt.Entry(stt.Streaming); !ok {
			errs = append(errs, fmt.Errorf("providers.stt.streaming %q does not name a configured backend", stt.Streaming))
		}
	}
	if stt.DefaultBatch != "" {
		if _, ok := stt.Entry(stt.DefaultBatch); !ok {
			errs = append(errs, fmt.Errorf("providers.stt.default_batch %q does not name a configured backend", stt.DefaultBatch))
		}
	}
	for i, name := range stt.Fallbacks {
		if _, ok := stt.Entry(name); !ok {
			errs = append(errs, fmt.Errorf("providers.stt.fallbacks[%d] %q does not name a configured backend", i, name))
		}
	}
	for i, e := range cfg.Providers.LLMFallbacks {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("llm", e.Name)
	}
	if cb := cfg.Providers.CircuitBreaker; cb.MaxFailures < 0 || cb.ResetTimeout < 0 {
		errs = append(errs, errors.New("providers.circuit_breaker values must not be negative"))
	}
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no LLM provider configured; /api/chat will not be able to generate responses")
	}

	// Speech
	if cfg.Speech.AuxiliaryLanguage != "" && cfg.Speech.AuxiliaryLanguage == cfg.Speech.PrimaryLanguage {
		errs = append(errs, fmt.Errorf("speech.auxiliary_language must differ from primary_language %q", cfg.Speech.PrimaryLanguage))
	}
	if cfg.Speech.DefaultSampleRate < 0 {
		errs = append(errs, fmt.Errorf("speech.default_sample_rate %d must be positive", cfg.Speech.DefaultSampleRate))
	}

	// Transcribe
	t := cfg.Transcribe
	if t.MinTimeout < 0 || t.TimeoutSlack < 0 || t.MaxTimeout < 0 {
		errs = append(errs, errors.New("transcribe timeouts must not be negative"))
	}
	if t.MaxTimeout > 0 && t.MinTimeout > t.MaxTimeout {
		errs = append(errs, fmt.Errorf("transcribe.min_timeout %s exceeds max_timeout %s", t.MinTimeout, t.MaxTimeout))
	}
	if t.MaxBodyBytes < 0 {
		errs = append(errs, fmt.Errorf("transcribe.max_body_bytes %d must not be negative", t.MaxBodyBytes))
	}

	if cfg.Lessons.EvaluateEvery < 0 {
		errs = append(errs, fmt.Errorf("lessons.evaluate_every %d must not be negative", cfg.Lessons.EvaluateEvery))
	}

	// Storage / lessons availability
	if cfg.Storage.PostgresDSN == "" {
		slog.Debug("storage.postgres_dsn is empty; conversations are kept in memory")
	}

	// Client
	c := cfg.Client
	if c.Mode != "" && !c.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("client.mode %q is invalid; valid values: duplex, batch", c.Mode))
	}
	if c.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("client.sample_rate %d must be positive", c.SampleRate))
	}
	if c.MaxRecording < 0 || c.AutoSubmitDelay < 0 || c.RestartDelay < 0 {
		errs = append(errs, errors.New("client durations must not be negative"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
