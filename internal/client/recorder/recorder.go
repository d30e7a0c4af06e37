// Package recorder drives one microphone recording at a time through
//
//	idle → connecting → recording → [transcribing] → idle
//
// In duplex mode audio is streamed to the speech socket while recording and
// the transcript grows with every recognized result. In batch mode audio is
// buffered and uploaded once recording stops.
//
// Every session carries a generation number. Callbacks of a session that is
// no longer current are ignored, so a late event from a torn-down session can
// never touch the state of a newer one.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/fluentia/internal/observe"
	"github.com/MrWong99/fluentia/pkg/audio"
	"github.com/MrWong99/fluentia/pkg/audio/capture"
	"github.com/MrWong99/fluentia/pkg/protocol"
)

// State is the recorder's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateRecording
	StateTranscribing
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateRecording:
		return "recording"
	case StateTranscribing:
		return "transcribing"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Mode selects the transcription flow.
type Mode string

const (
	// ModeDuplex streams audio while recording.
	ModeDuplex Mode = "duplex"
	// ModeBatch uploads the whole recording after it stops.
	ModeBatch Mode = "batch"
)

var (
	// ErrBusy is returned by Start when a session is already active.
	ErrBusy = errors.New("recorder: session already active")

	// ErrTransport wraps failures of the speech socket or the upload.
	ErrTransport = errors.New("recorder: transport error")

	// ErrSession wraps a session ended by the server with a canceled or
	// error event.
	ErrSession = errors.New("recorder: speech session ended by server")
)

// Capturer opens microphone captures. [*capture.Engine] implements it.
type Capturer interface {
	Open(ctx context.Context, sampleRate int, maxDuration time.Duration) (*capture.Capture, error)
}

// SpeechStream is an open duplex speech session.
type SpeechStream interface {
	SendAudio(ctx context.Context, pcm []byte) error
	Events() <-chan protocol.SpeechEvent
	Err() error
	Close() error
}

// DialFunc opens a duplex speech session. It returns only after the server
// confirmed the session.
type DialFunc func(ctx context.Context, sampleRate int, language string) (SpeechStream, error)

// TranscribeFunc uploads one recording of s16le mono PCM.
type TranscribeFunc func(ctx context.Context, pcm []byte, sampleRate int) (string, error)

// Config holds the recorder settings.
type Config struct {
	Mode        Mode
	SampleRate  int
	Language    string
	MaxDuration time.Duration
}

// Snapshot is a consistent view of the recorder.
type Snapshot struct {
	State State

	// Transcript is the committed text of the current session.
	Transcript string

	// Interim is the latest unconfirmed hypothesis.
	Interim string

	// Language is the detected language of the latest recognized result.
	Language string

	// Captured is the number of audio bytes taken from the microphone in
	// the current session.
	Captured int

	// Err is the failure that ended the last session, if any.
	Err error

	version uint64
}

// Display returns the transcript followed by the interim text.
func (s Snapshot) Display() string {
	return strings.TrimSpace(s.Transcript + " " + s.Interim)
}

// Recorder is the recording state machine. It is safe for concurrent use.
type Recorder struct {
	cfg        Config
	capturer   Capturer
	dial       DialFunc
	transcribe TranscribeFunc
	onChange   func(Snapshot)

	mu       sync.Mutex
	snap     Snapshot
	gen      uint64
	sess     *session
	notifyMu sync.Mutex
	notified uint64
}

// Option configures a [Recorder].
type Option func(*Recorder)

// WithDialer sets the duplex transport.
func WithDialer(d DialFunc) Option {
	return func(r *Recorder) { r.dial = d }
}

// WithTranscriber sets the batch transport.
func WithTranscriber(t TranscribeFunc) Option {
	return func(r *Recorder) { r.transcribe = t }
}

// WithOnChange registers fn to receive every new snapshot. Snapshots are
// delivered in order. fn must not block or call back into the Recorder.
func WithOnChange(fn func(Snapshot)) Option {
	return func(r *Recorder) { r.onChange = fn }
}

// New returns an idle Recorder.
func New(cfg Config, capturer Capturer, opts ...Option) (*Recorder, error) {
	if cfg.Mode == "" {
		cfg.Mode = ModeDuplex
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 48000
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = capture.DefaultMaxDuration
	}
	r := &Recorder{cfg: cfg, capturer: capturer}
	for _, o := range opts {
		o(r)
	}
	switch {
	case capturer == nil:
		return nil, errors.New("recorder: capturer is required")
	case cfg.Mode == ModeDuplex && r.dial == nil:
		return nil, errors.New("recorder: duplex mode needs a dialer")
	case cfg.Mode == ModeBatch && r.transcribe == nil:
		return nil, errors.New("recorder: batch mode needs a transcriber")
	case cfg.Mode != ModeDuplex && cfg.Mode != ModeBatch:
		return nil, fmt.Errorf("recorder: unknown mode %q", cfg.Mode)
	}
	return r, nil
}

// Mode returns the configured transcription flow.
func (r *Recorder) Mode() Mode { return r.cfg.Mode }

// Snapshot returns the current view.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap
}

// State returns the current state.
func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap.State
}

// Recording reports whether a session is connecting or recording.
func (r *Recorder) Recording() bool {
	s := r.State()
	return s == StateConnecting || s == StateRecording
}

// Level returns the level of the most recent frame, or zero when not
// recording.
func (r *Recorder) Level() audio.Level {
	c := r.currentCapture()
	if c == nil {
		return audio.Level{}
	}
	return c.Level()
}

// Elapsed returns the recording time of the current session.
func (r *Recorder) Elapsed() time.Duration {
	c := r.currentCapture()
	if c == nil {
		return 0
	}
	return c.Elapsed()
}

func (r *Recorder) currentCapture() *capture.Capture {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sess == nil {
		return nil
	}
	return r.sess.capture
}

// ClearTranscript empties the transcript and interim text.
func (r *Recorder) ClearTranscript() {
	r.update(func(s *Snapshot) {
		s.Transcript = ""
		s.Interim = ""
	})
}

// session is everything acquired for one recording.
type session struct {
	gen     uint64
	ctx     context.Context
	cancel  context.CancelFunc
	capture *capture.Capture
	stream  SpeechStream

	// pumpDone is closed once every captured frame has been consumed.
	pumpDone chan struct{}

	pcmMu sync.Mutex
	pcm   []byte

	ending       atomic.Bool
	teardownOnce sync.Once
}

// teardown releases the microphone and the transport. Safe to call more
// than once.
func (s *session) teardown() {
	s.teardownOnce.Do(func() {
		if s.capture != nil {
			_ = s.capture.Close()
		}
		if s.stream != nil {
			_ = s.stream.Close()
		}
	})
}

// Start begins a new session. It clears the previous transcript, acquires
// the microphone and the transport and returns once recording has started.
// It returns [ErrBusy] unless the recorder is idle. A failure leaves the
// recorder idle with every acquired resource released.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.snap.State != StateIdle {
		r.mu.Unlock()
		return ErrBusy
	}
	r.gen++
	gen := r.gen
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sess := &session{gen: gen, ctx: sctx, cancel: cancel, pumpDone: make(chan struct{})}
	r.sess = sess
	r.setLocked(func(s *Snapshot) {
		s.State = StateConnecting
		s.Transcript = ""
		s.Interim = ""
		s.Language = ""
		s.Captured = 0
		s.Err = nil
	})
	r.mu.Unlock()
	r.notify()

	log := observe.Logger(ctx).With("recording", gen, "mode", string(r.cfg.Mode))
	abort := func(err error) error {
		sess.ending.Store(true)
		sess.teardown()
		r.finish(sess, err)
		return err
	}

	c, err := r.capturer.Open(sctx, r.cfg.SampleRate, r.cfg.MaxDuration)
	if err != nil {
		return abort(err)
	}
	r.mu.Lock()
	sess.capture = c
	r.mu.Unlock()

	if r.cfg.Mode == ModeDuplex {
		stream, err := r.dial(ctx, c.SampleRate(), r.cfg.Language)
		if err != nil {
			return abort(fmt.Errorf("%w: %w", ErrTransport, err))
		}
		r.mu.Lock()
		sess.stream = stream
		r.mu.Unlock()
	}

	r.mu.Lock()
	if sess.ending.Load() {
		// Stopped while connecting.
		r.mu.Unlock()
		sess.teardown()
		r.finish(sess, nil)
		return nil
	}
	r.setLocked(func(s *Snapshot) { s.State = StateRecording })
	r.mu.Unlock()
	r.notify()

	go r.pumpFrames(sess)
	if sess.stream != nil {
		go r.pumpEvents(sess)
	}
	go r.watchLimit(sess)

	log.Info("recording started", "sample_rate", c.SampleRate())
	return nil
}

// Stop ends the current session. Manual stops and the maximum-duration stop
// take this same path. In duplex mode the recorder returns to idle once
// everything is released. In batch mode it enters transcribing and uploads
// the recording in the background. Stop on an idle recorder does nothing.
func (r *Recorder) Stop() {
	r.mu.Lock()
	sess := r.sess
	r.mu.Unlock()
	if sess != nil {
		r.stop(sess)
	}
}

func (r *Recorder) stop(sess *session) {
	if !sess.ending.CompareAndSwap(false, true) {
		return
	}

	r.mu.Lock()
	if r.sess != sess {
		r.mu.Unlock()
		return
	}
	if r.snap.State == StateConnecting {
		// Start notices the stop and releases what it acquired.
		r.mu.Unlock()
		return
	}
	batch := r.cfg.Mode == ModeBatch
	if batch {
		r.setLocked(func(s *Snapshot) { s.State = StateTranscribing })
	}
	r.mu.Unlock()
	r.notify()

	sess.teardown()
	if !batch {
		r.finish(sess, nil)
		return
	}

	<-sess.pumpDone
	sess.pcmMu.Lock()
	pcm := sess.pcm
	sess.pcmMu.Unlock()
	go r.upload(sess, pcm)
}

func (r *Recorder) upload(sess *session, pcm []byte) {
	log := observe.Logger(sess.ctx)
	if len(pcm) == 0 {
		r.finish(sess, nil)
		return
	}
	text, err := r.transcribe(sess.ctx, pcm, sess.capture.SampleRate())
	if err != nil {
		log.Warn("recorder: transcription failed", "bytes", len(pcm), "err", err)
		r.finish(sess, fmt.Errorf("%w: %w", ErrTransport, err))
		return
	}
	r.mu.Lock()
	if r.sess == sess {
		r.setLocked(func(s *Snapshot) { s.Transcript = strings.TrimSpace(text) })
	}
	r.mu.Unlock()
	r.finish(sess, nil)
}

// fail tears the session down and then returns to idle with err.
func (r *Recorder) fail(sess *session, err error) {
	if !sess.ending.CompareAndSwap(false, true) {
		return
	}
	sess.teardown()
	r.finish(sess, err)
}

// finish makes sess no longer current and flips the state to idle.
func (r *Recorder) finish(sess *session, err error) {
	defer sess.cancel()
	r.mu.Lock()
	if r.sess != sess {
		r.mu.Unlock()
		return
	}
	r.sess = nil
	r.setLocked(func(s *Snapshot) {
		s.State = StateIdle
		s.Interim = ""
		s.Err = err
	})
	r.mu.Unlock()
	r.notify()
	if err != nil {
		observe.Logger(sess.ctx).Warn("recording failed", "recording", sess.gen, "err", err)
	}
}

// pumpFrames forwards or buffers every captured frame until the capture
// closes.
func (r *Recorder) pumpFrames(sess *session) {
	defer close(sess.pumpDone)
	for frame := range sess.capture.Frames() {
		if sess.stream != nil && !sess.ending.Load() {
			if err := sess.stream.SendAudio(sess.ctx, frame.Data); err != nil {
				go r.fail(sess, fmt.Errorf("%w: %w", ErrTransport, err))
				continue
			}
		} else if sess.stream == nil {
			sess.pcmMu.Lock()
			sess.pcm = append(sess.pcm, frame.Data...)
			sess.pcmMu.Unlock()
		}
		n := len(frame.Data)
		r.updateIf(sess, func(s *Snapshot) { s.Captured += n })
	}
	if err := sess.capture.Err(); err != nil && !sess.ending.Load() {
		go r.fail(sess, err)
	}
}

// pumpEvents applies the server's recognition events.
func (r *Recorder) pumpEvents(sess *session) {
	for ev := range sess.stream.Events() {
		switch ev.Event {
		case protocol.EventRecognizing:
			r.updateIf(sess, func(s *Snapshot) { s.Interim = ev.Text })
		case protocol.EventRecognized:
			r.updateIf(sess, func(s *Snapshot) {
				s.Transcript = strings.TrimSpace(s.Transcript + " " + ev.Text)
				s.Interim = ""
				if ev.DetectedLanguage != "" {
					s.Language = ev.DetectedLanguage
				}
			})
		case protocol.EventNoMatch:
			r.updateIf(sess, func(s *Snapshot) { s.Interim = "" })
		case protocol.EventCanceled:
			r.fail(sess, fmt.Errorf("%w: %s: %s", ErrSession, ev.Reason, ev.Error))
			return
		case protocol.EventError:
			r.fail(sess, fmt.Errorf("%w: %s", ErrSession, ev.Message))
			return
		case protocol.EventSessionStopped:
			r.stop(sess)
			return
		}
	}
	if sess.ending.Load() {
		return
	}
	if err := sess.stream.Err(); err != nil {
		r.fail(sess, fmt.Errorf("%w: %w", ErrTransport, err))
		return
	}
	r.stop(sess)
}

func (r *Recorder) watchLimit(sess *session) {
	select {
	case <-sess.capture.MaxDurationReached():
		observe.Logger(sess.ctx).Info("recording limit reached", "recording", sess.gen, "limit", r.cfg.MaxDuration)
		r.stop(sess)
	case <-sess.capture.Done():
	case <-sess.ctx.Done():
	}
}

// update applies fn to the snapshot and notifies.
func (r *Recorder) update(fn func(*Snapshot)) {
	r.mu.Lock()
	r.setLocked(fn)
	r.mu.Unlock()
	r.notify()
}

// updateIf applies fn only while sess is the current session.
func (r *Recorder) updateIf(sess *session, fn func(*Snapshot)) {
	r.mu.Lock()
	if r.sess != sess {
		r.mu.Unlock()
		return
	}
	r.setLocked(fn)
	r.mu.Unlock()
	r.notify()
}

func (r *Recorder) setLocked(fn func(*Snapshot)) {
	fn(&r.snap)
	r.snap.version++
}

// notify delivers the latest snapshot, skipping any that a concurrent
// notify already superseded.
func (r *Recorder) notify() {
	if r.onChange == nil {
		return
	}
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	snap := r.Snapshot()
	if snap.version <= r.notified {
		return
	}
	r.notified = snap.version
	r.onChange(snap)
}
