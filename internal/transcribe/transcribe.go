// Package transcribe serves batch recognition: the client uploads one
// complete recording as raw PCM and receives the transcript as JSON.
package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/fluentia/internal/observe"
	"github.com/MrWong99/fluentia/pkg/audio"
	"github.com/MrWong99/fluentia/pkg/protocol"
	"github.com/MrWong99/fluentia/pkg/provider/stt"
)

// Path is the route the handler is mounted on.
const Path = "/api/transcribe"

// ErrRecognitionTimeout is returned when a backend does not finish within the
// timeout derived from the audio length.
var ErrRecognitionTimeout = errors.New("recognition timeout")

// ErrUnknownProvider is returned when the requested engine is not registered.
var ErrUnknownProvider = errors.New("transcribe: unknown provider")

// Config holds the batch recognition settings.
type Config struct {
	// DefaultProvider names the engine used when the request has no
	// ?provider=.
	DefaultProvider string

	PrimaryLanguage   string
	AuxiliaryLanguage string

	// DefaultSampleRate applies when the request has no ?sampleRate=.
	DefaultSampleRate int

	// MinTimeout, TimeoutSlack and MaxTimeout bound recognition time; see
	// [Config.Timeout].
	MinTimeout   time.Duration
	TimeoutSlack time.Duration
	MaxTimeout   time.Duration

	// MaxBodyBytes limits the upload size. Zero means no limit.
	MaxBodyBytes int64
}

// Timeout returns the recognition deadline for audio of length d:
// d plus the slack, at least MinTimeout and at most MaxTimeout.
func (c Config) Timeout(d time.Duration) time.Duration {
	t := max(c.MinTimeout, d+c.TimeoutSlack)
	if c.MaxTimeout > 0 {
		t = min(t, c.MaxTimeout)
	}
	return t
}

// Handler recognises uploaded recordings with one of several engines.
type Handler struct {
	engines map[string]stt.Transcriber
	cfg     atomic.Pointer[Config]
	metrics *observe.Metrics
}

// Option configures a [Handler].
type Option func(*Handler)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// New returns a Handler over the given engines keyed by registry name.
func New(engines map[string]stt.Transcriber, cfg Config, opts ...Option) *Handler {
	if cfg.DefaultSampleRate <= 0 {
		cfg.DefaultSampleRate = 16000
	}
	h := &Handler{engines: engines}
	h.cfg.Store(&cfg)
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// SetConfig replaces the configuration for subsequent requests. The
// default sample rate keeps its fallback.
func (h *Handler) SetConfig(cfg Config) {
	if cfg.DefaultSampleRate <= 0 {
		cfg.DefaultSampleRate = 16000
	}
	h.cfg.Store(&cfg)
}

// Register mounts the handler on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("POST "+Path, h)
}

// Engines returns the registered engine names in sorted order.
func (h *Handler) Engines() []string {
	names := make([]string, 0, len(h.engines))
	for name := range h.engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Transcribe recognises pcm (s16le mono at sampleRate) with the named engine,
// or the default engine when name is empty. When the deadline passes, the
// partial result is returned together with [ErrRecognitionTimeout].
func (h *Handler) Transcribe(ctx context.Context, name string, pcm []byte, sampleRate int) (stt.Result, error) {
	cfg := h.cfg.Load()
	if name == "" {
		name = cfg.DefaultProvider
	}
	engine, ok := h.engines[name]
	if !ok {
		return stt.Result{}, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	if !engine.IsConfigured() {
		return stt.Result{}, fmt.Errorf("transcribe: %s: %w", name, stt.ErrNotConfigured)
	}
	if len(pcm) == 0 {
		return stt.Result{}, nil
	}

	opts := stt.TranscribeOptions{
		SampleRate: sampleRate,
		Channels:   1,
		Language:   cfg.PrimaryLanguage,
	}
	if aux := cfg.AuxiliaryLanguage; aux != "" {
		opts.AlternateLanguages = []string{aux}
	}

	timeout := cfg.Timeout(audio.PCMDuration(len(pcm), sampleRate, 1))
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tctx, span := observe.StartSpan(tctx, "transcribe.recognize",
		observe.Attr("provider", name),
		observe.Attr("timeout", timeout.String()))
	start := time.Now()
	res, err := engine.Transcribe(tctx, pcm, opts)
	observe.EndSpan(span, err)
	h.metrics.TranscriptionDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("provider", name)))
	res.Text = strings.TrimSpace(res.Text)

	switch {
	case err == nil:
		h.metrics.RecordProviderRequest(ctx, name, "transcribe", "ok")
		return res, nil
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		h.metrics.RecordProviderRequest(ctx, name, "transcribe", "timeout")
		return res, ErrRecognitionTimeout
	default:
		h.metrics.RecordProviderRequest(ctx, name, "transcribe", "error")
		h.metrics.RecordProviderError(ctx, name, "transcribe")
		return res, fmt.Errorf("transcribe: %s: %w", name, err)
	}
}

// ServeHTTP handles POST /api/transcribe?sampleRate=&provider=.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := observe.Logger(ctx)
	cfg := h.cfg.Load()

	rate := cfg.DefaultSampleRate
	if v := strings.TrimSpace(r.URL.Query().Get("sampleRate")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, protocol.TranscribeResponse{Error: fmt.Sprintf("invalid sampleRate %q", v)})
			return
		}
		rate = n
	}
	name := strings.TrimSpace(r.URL.Query().Get("provider"))

	body := io.Reader(r.Body)
	if cfg.MaxBodyBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, cfg.MaxBodyBytes)
	}
	pcm, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, protocol.TranscribeResponse{Error: "audio too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, protocol.TranscribeResponse{Error: "failed to read audio"})
		return
	}
	if len(pcm)%2 != 0 {
		pcm = pcm[:len(pcm)-1]
	}
	h.metrics.RecordAudio(ctx, "batch", len(pcm))

	res, err := h.Transcribe(ctx, name, pcm, rate)
	switch {
	case err == nil:
		log.Debug("transcribe: done", "provider", name, "bytes", len(pcm), "chars", len(res.Text))
		writeJSON(w, http.StatusOK, protocol.TranscribeResponse{Text: res.Text})
	case errors.Is(err, ErrUnknownProvider):
		writeJSON(w, http.StatusBadRequest, protocol.TranscribeResponse{Error: err.Error()})
	default:
		log.Warn("transcribe: recognition failed", "provider", name, "bytes", len(pcm), "err", err)
		writeJSON(w, http.StatusInternalServerError, protocol.TranscribeResponse{Text: res.Text, Error: err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
