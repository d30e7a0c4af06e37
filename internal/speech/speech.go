// Package speech serves the duplex speech socket: clients stream raw PCM
// upstream and receive recognition events downstream while the selected
// streaming STT backend transcribes.
//
// Each connection runs its own session with the states Idle, Active,
// Stopping and Closed. A session becomes Active only when the streaming
// backend is configured and a recognizer stream could be opened; otherwise
// the client receives an error or canceled event and the socket is closed.
package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/fluentia/internal/observe"
	"github.com/MrWong99/fluentia/pkg/audio"
	"github.com/MrWong99/fluentia/pkg/protocol"
	"github.com/MrWong99/fluentia/pkg/provider/stt"
)

// Path is the route the handler is mounted on.
const Path = "/ws/speech"

// maxFrameBytes caps a single upstream message.
const maxFrameBytes = 1 << 20

// writeTimeout bounds a single downstream event write.
const writeTimeout = 5 * time.Second

// Config holds the per-server settings applied to every session.
type Config struct {
	// PrimaryLanguage is used when the client does not pass ?language=.
	PrimaryLanguage string

	// AuxiliaryLanguage is identified alongside the session language.
	// Empty disables language identification.
	AuxiliaryLanguage string

	// DefaultSampleRate is used when the client does not pass ?sampleRate=.
	DefaultSampleRate int

	// RecognizerSampleRate fixes the rate sent to the backend. Zero means
	// the rate the client announced when the socket opened.
	RecognizerSampleRate int

	// MaxSessionDuration stops a session after this long. Zero disables
	// the limit.
	MaxSessionDuration time.Duration

	// OriginPatterns is passed to websocket.Accept. Empty allows only
	// same-origin clients.
	OriginPatterns []string
}

// Handler accepts speech sockets. It is safe for concurrent use; every
// connection gets its own session.
type Handler struct {
	provider stt.Provider
	cfg      atomic.Pointer[Config]
	metrics  *observe.Metrics
}

// Option configures a [Handler].
type Option func(*Handler)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// New returns a Handler that streams audio to provider. provider may be nil,
// in which case every connection is refused with an error event.
func New(provider stt.Provider, cfg Config, opts ...Option) *Handler {
	if cfg.DefaultSampleRate <= 0 {
		cfg.DefaultSampleRate = 16000
	}
	h := &Handler{provider: provider}
	h.cfg.Store(&cfg)
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// SetLanguages changes the recognition languages of sessions opened from now
// on. Open sessions keep theirs.
func (h *Handler) SetLanguages(primary, auxiliary string) {
	cfg := *h.cfg.Load()
	cfg.PrimaryLanguage = primary
	cfg.AuxiliaryLanguage = auxiliary
	h.cfg.Store(&cfg)
}

// Register mounts the handler on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("GET "+Path, h)
}

// ServeHTTP upgrades the request and runs the session until it closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := h.cfg.Load()
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: cfg.OriginPatterns,
	})
	if err != nil {
		slog.Warn("speech: websocket accept failed", "err", err)
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	s := &session{
		h:    h,
		cfg:  *cfg,
		conn: conn,
		id:   uuid.NewString(),
	}
	s.log = observe.Logger(r.Context()).With("session_id", s.id)
	s.run(r.Context(), r)
}

// State is the lifecycle state of a speech session.
type State int

const (
	StateIdle State = iota
	StateActive
	StateStopping
	StateClosed
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type session struct {
	h    *Handler
	cfg  Config
	conn *websocket.Conn
	id   string
	log  *slog.Logger

	writeMu sync.Mutex

	mu         sync.Mutex
	state      State
	handle     stt.SessionHandle
	gen        uint64
	language   string
	clientRate int
	streamRate int
	resampler  *audio.Resampler
	misaligned sync.Once
	started    time.Time

	pumps       sync.WaitGroup
	cleanupOnce sync.Once
}

func (s *session) run(parent context.Context, r *http.Request) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	if s.h.provider == nil || !s.h.provider.IsConfigured() {
		s.log.Warn("speech: refusing session, streaming backend not configured")
		s.reject(ctx, "speech recognition backend is not configured")
		return
	}

	clientRate, language, err := s.parseQuery(r)
	if err != nil {
		s.log.Warn("speech: refusing session", "err", err)
		s.reject(ctx, err.Error())
		return
	}

	streamRate := s.cfg.RecognizerSampleRate
	if streamRate <= 0 {
		streamRate = clientRate
	}

	s.mu.Lock()
	s.clientRate = clientRate
	s.streamRate = streamRate
	s.language = language
	s.resampler = audio.NewResampler(clientRate, streamRate)
	s.mu.Unlock()

	handle, err := s.open(ctx, language)
	if err != nil {
		s.log.Error("speech: failed to open recognizer stream", "err", err)
		s.send(ctx, protocol.Canceled("Error", err.Error()))
		s.conn.Close(websocket.StatusInternalError, "recognizer unavailable")
		return
	}

	s.mu.Lock()
	s.state = StateActive
	s.handle = handle
	s.gen++
	gen := s.gen
	s.started = time.Now()
	s.mu.Unlock()

	s.h.metrics.ActiveSpeechSessions.Add(ctx, 1)
	s.log.Info("speech session started",
		"provider", s.h.provider.Name(),
		"language", language,
		"client_rate", clientRate,
		"stream_rate", streamRate,
	)
	s.send(ctx, protocol.Started())
	s.startPump(ctx, handle, gen)

	if d := s.cfg.MaxSessionDuration; d > 0 {
		t := time.AfterFunc(d, func() { s.stop("max session duration reached") })
		defer t.Stop()
	}

	s.readLoop(ctx)
	s.cleanup(ctx)
	cancel()
	s.pumps.Wait()
}

func (s *session) parseQuery(r *http.Request) (rate int, language string, err error) {
	q := r.URL.Query()
	rate = s.cfg.DefaultSampleRate
	if v := strings.TrimSpace(q.Get("sampleRate")); v != "" {
		rate, err = strconv.Atoi(v)
		if err != nil || rate <= 0 {
			return 0, "", fmt.Errorf("invalid sampleRate %q", v)
		}
	}
	language = strings.TrimSpace(q.Get("language"))
	if language == "" {
		language = s.cfg.PrimaryLanguage
	}
	return rate, language, nil
}

func (s *session) reject(ctx context.Context, message string) {
	s.send(ctx, protocol.Error(message))
	s.conn.Close(websocket.StatusPolicyViolation, truncateReason(message))
}

// open starts a recognizer stream for language plus the auxiliary language.
func (s *session) open(ctx context.Context, language string) (stt.SessionHandle, error) {
	s.mu.Lock()
	rate := s.streamRate
	s.mu.Unlock()

	cfg := stt.StreamConfig{
		SampleRate: rate,
		Channels:   1,
		Language:   language,
	}
	if aux := s.cfg.AuxiliaryLanguage; aux != "" && !strings.EqualFold(aux, language) {
		cfg.AlternateLanguages = []string{aux}
	}
	handle, err := s.h.provider.StartStream(ctx, cfg)
	if err != nil {
		s.h.metrics.RecordProviderError(ctx, s.h.provider.Name(), "stream")
		return nil, fmt.Errorf("speech: start stream: %w", err)
	}
	s.h.metrics.RecordProviderRequest(ctx, s.h.provider.Name(), "stream", "ok")
	return handle, nil
}

func (s *session) readLoop(ctx context.Context) {
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
				s.log.Debug("speech: socket closed", "status", status)
			} else {
				s.log.Debug("speech: read failed", "err", err)
			}
			return
		}
		switch typ {
		case websocket.MessageBinary:
			s.forwardAudio(ctx, data)
		case websocket.MessageText:
			if err := s.applyControl(ctx, data); err != nil {
				s.log.Warn("speech: rejecting control message", "err", err)
				s.send(ctx, protocol.Error(err.Error()))
				s.conn.Close(websocket.StatusPolicyViolation, "invalid control message")
				return
			}
		}
	}
}

func (s *session) forwardAudio(ctx context.Context, data []byte) {
	s.mu.Lock()
	if s.state != StateActive || s.handle == nil {
		s.mu.Unlock()
		return
	}
	handle := s.handle
	pcm, err := s.resampler.Process(data)
	s.mu.Unlock()

	s.h.metrics.RecordAudio(ctx, "stream", len(data))
	if err != nil {
		s.misaligned.Do(func() {
			s.log.Warn("speech: dropping misaligned audio", "bytes", len(data))
		})
		return
	}
	if len(pcm) == 0 {
		return
	}
	if err := handle.SendAudio(pcm); err != nil {
		s.log.Debug("speech: send audio failed", "err", err)
	}
}

// applyControl handles a config message. A new sample rate only changes how
// incoming frames are resampled; a new language restarts the recognizer.
func (s *session) applyControl(ctx context.Context, data []byte) error {
	msg, err := protocol.DecodeControl(data)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return nil
	}
	if msg.SampleRate != nil && *msg.SampleRate != s.clientRate {
		s.log.Info("speech: client sample rate changed", "from", s.clientRate, "to", *msg.SampleRate)
		s.clientRate = *msg.SampleRate
		s.resampler.SetRates(s.clientRate, s.streamRate)
	}
	restart := msg.LanguageCode != nil && !strings.EqualFold(strings.TrimSpace(*msg.LanguageCode), s.language)
	s.mu.Unlock()

	if restart {
		return s.restart(ctx, strings.TrimSpace(*msg.LanguageCode))
	}
	return nil
}

// restart replaces the recognizer stream. The previous stream is closed so
// its pending finals are still delivered; its end is not reported to the
// client.
func (s *session) restart(ctx context.Context, language string) error {
	handle, err := s.open(ctx, language)
	if err != nil {
		s.log.Error("speech: language switch failed", "language", language, "err", err)
		s.send(ctx, protocol.Canceled("Error", err.Error()))
		s.conn.Close(websocket.StatusInternalError, "recognizer unavailable")
		return nil
	}

	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		handle.Close()
		return nil
	}
	old := s.handle
	s.handle = handle
	s.language = language
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	s.log.Info("speech: recognizer restarted", "language", language)
	s.startPump(ctx, handle, gen)
	if old != nil {
		if err := old.Close(); err != nil {
			s.log.Debug("speech: closing previous recognizer", "err", err)
		}
	}
	return nil
}

// stop flushes the recognizer; the pump reports sessionStopped once the
// backend has delivered its last final.
func (s *session) stop(reason string) {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return
	}
	s.state = StateStopping
	handle := s.handle
	s.mu.Unlock()

	s.log.Info("speech: stopping session", "reason", reason)
	if err := handle.Close(); err != nil {
		s.log.Debug("speech: closing recognizer", "err", err)
	}
}

func (s *session) startPump(ctx context.Context, handle stt.SessionHandle, gen uint64) {
	s.pumps.Add(1)
	go func() {
		defer s.pumps.Done()
		s.pump(ctx, handle, gen)
	}()
}

// pump forwards one recognizer stream to the socket. A queued final is
// handled before any partial read alongside it. Partials pending at a final
// are sent before it, except those timed at or after the final's end: they
// start the next utterance and only the latest of them follows the
// recognized event.
func (s *session) pump(ctx context.Context, handle stt.SessionHandle, gen uint64) {
	partials := handle.Partials()
	finals := handle.Finals()
	for partials != nil || finals != nil {
		select {
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			select {
			case f, ok := <-finals:
				if ok {
					partials = s.flushFinal(ctx, f, []stt.Transcript{t}, partials)
					continue
				}
				finals = nil
			default:
			}
			s.send(ctx, protocol.Recognizing(t.Text))
		case f, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			partials = s.flushFinal(ctx, f, nil, partials)
		}
	}
	s.finishStream(ctx, handle, gen)
}

// flushFinal drains the pending partials and sends them around final. It
// returns nil once partials is closed.
func (s *session) flushFinal(ctx context.Context, final stt.Transcript, pending []stt.Transcript, partials <-chan stt.Transcript) <-chan stt.Transcript {
	pending, partials = drainPartials(pending, partials)

	end := final.Timestamp + final.Duration
	var next *stt.Transcript
	for i, p := range pending {
		if end > 0 && p.Timestamp >= end {
			next = &pending[i]
			continue
		}
		s.send(ctx, protocol.Recognizing(p.Text))
	}
	s.sendFinal(ctx, final)
	if next != nil {
		s.send(ctx, protocol.Recognizing(next.Text))
	}
	return partials
}

func drainPartials(pending []stt.Transcript, partials <-chan stt.Transcript) ([]stt.Transcript, <-chan stt.Transcript) {
	for partials != nil {
		select {
		case t, ok := <-partials:
			if !ok {
				return pending, nil
			}
			pending = append(pending, t)
		default:
			return pending, partials
		}
	}
	return pending, nil
}

func (s *session) sendFinal(ctx context.Context, t stt.Transcript) {
	text := strings.TrimSpace(t.Text)
	if text == "" {
		s.send(ctx, protocol.NoMatch())
		return
	}
	s.mu.Lock()
	langs := []string{s.language, s.cfg.AuxiliaryLanguage}
	s.mu.Unlock()
	s.send(ctx, protocol.Recognized(text, stt.MatchLanguage(t.Language, langs)))
}

// finishStream reports the end of the current recognizer stream and closes
// the socket. Ends of replaced streams are ignored.
func (s *session) finishStream(ctx context.Context, handle stt.SessionHandle, gen uint64) {
	s.mu.Lock()
	current := gen == s.gen
	if !current || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateStopping
	s.mu.Unlock()

	if err := handle.Err(); err != nil {
		s.log.Warn("speech: recognizer failed", "err", err)
		s.h.metrics.RecordProviderError(ctx, s.h.provider.Name(), "stream")
		s.send(ctx, protocol.Canceled("Error", err.Error()))
		s.conn.Close(websocket.StatusInternalError, "recognizer failed")
		return
	}
	s.send(ctx, protocol.SessionStopped())
	s.conn.Close(websocket.StatusNormalClosure, "session stopped")
}

// cleanup releases the recognizer and records the session exactly once.
func (s *session) cleanup(ctx context.Context) {
	s.cleanupOnce.Do(func() {
		s.mu.Lock()
		wasOpen := s.state != StateIdle
		s.state = StateClosed
		handle := s.handle
		started := s.started
		s.mu.Unlock()

		if handle != nil {
			if err := handle.Close(); err != nil {
				s.log.Debug("speech: closing recognizer", "err", err)
			}
		}
		s.conn.CloseNow()
		if !wasOpen {
			return
		}
		// ctx may already be done; metrics must still be recorded.
		mctx := context.WithoutCancel(ctx)
		s.h.metrics.ActiveSpeechSessions.Add(mctx, -1)
		s.h.metrics.SpeechSessionDuration.Record(mctx, time.Since(started).Seconds())
		s.log.Info("speech session closed", "duration", time.Since(started).Round(time.Millisecond))
	})
}

// send writes one event. Writes are serialized; failures are logged because
// a broken socket is detected by the read loop.
func (s *session) send(ctx context.Context, ev protocol.SpeechEvent) {
	data, err := ev.MarshalJSON()
	if err != nil {
		s.log.Error("speech: encode event", "event", ev.Event, "err", err)
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := s.conn.Write(wctx, websocket.MessageText, data); err != nil {
		s.log.Debug("speech: write event failed", "event", ev.Event, "err", err)
		return
	}
	s.h.metrics.RecordRecognitionEvent(ctx, string(ev.Event))
}

// truncateReason keeps a close reason within the 123 bytes a close frame
// allows.
func truncateReason(reason string) string {
	if len(reason) > 123 {
		return reason[:123]
	}
	return reason
}
