// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller starts sessions with the expected
// StreamConfig. Use Session to feed controlled Transcript values and inspect
// which audio chunks were delivered. Use Transcriber for the batch path.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Configured: true, Session: sess}
//	handle, _ := p.StartStream(ctx, cfg)
//	sess.EmitFinal(stt.Transcript{Text: "olá", IsFinal: true})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/fluentia/pkg/provider/stt"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// Cfg is the StreamConfig passed to StartStream.
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// Configured is returned by IsConfigured.
	Configured bool

	// Session is the SessionHandle returned by StartStream. If nil, StartStream
	// returns a new Session from NewSession.
	Session stt.SessionHandle

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall
}

// Name implements stt.Provider.
func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// IsConfigured implements stt.Provider.
func (p *Provider) IsConfigured() bool { return p.Configured }

// StartStream records the call and returns Session, StartStreamErr.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// Calls returns a copy of the recorded StartStream calls. Thread-safe.
func (p *Provider) Calls() []StartStreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]StartStreamCall(nil), p.StartStreamCalls...)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = nil
}

var _ stt.Provider = (*Provider)(nil)

// Session is a mock implementation of stt.SessionHandle.
//
// The session owns its channels: tests feed them with EmitPartial and
// EmitFinal and end the stream with End or Close. Tests must not close the
// channels themselves.
type Session struct {
	mu sync.Mutex

	partials chan stt.Transcript
	finals   chan stt.Transcript
	once     sync.Once

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// ErrValue is returned by Err.
	ErrValue error

	// SendAudioCalls records a copy of every chunk passed to SendAudio.
	SendAudioCalls [][]byte

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	// audioSeen is signalled (non-blocking) on every SendAudio.
	audioSeen chan struct{}
}

// NewSession returns a Session with buffered channels.
func NewSession() *Session {
	return &Session{
		partials:  make(chan stt.Transcript, 64),
		finals:    make(chan stt.Transcript, 64),
		audioSeen: make(chan struct{}, 1),
	}
}

// SendAudio records the call and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	s.SendAudioCalls = append(s.SendAudioCalls, append([]byte(nil), chunk...))
	err := s.SendAudioErr
	s.mu.Unlock()
	select {
	case s.audioSeen <- struct{}{}:
	default:
	}
	return err
}

// AudioSeen is signalled after SendAudio has been called at least once since
// the last receive.
func (s *Session) AudioSeen() <-chan struct{} { return s.audioSeen }

// Partials implements stt.SessionHandle.
func (s *Session) Partials() <-chan stt.Transcript { return s.partials }

// Finals implements stt.SessionHandle.
func (s *Session) Finals() <-chan stt.Transcript { return s.finals }

// Err implements stt.SessionHandle.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrValue
}

// EmitPartial queues an interim transcript.
func (s *Session) EmitPartial(t stt.Transcript) { s.partials <- t }

// EmitFinal queues a final transcript.
func (s *Session) EmitFinal(t stt.Transcript) {
	t.IsFinal = true
	s.finals <- t
}

// End terminates the stream with err, as if the backend had failed or
// finished on its own.
func (s *Session) End(err error) {
	s.mu.Lock()
	s.ErrValue = err
	s.mu.Unlock()
	s.closeChannels()
}

func (s *Session) closeChannels() {
	s.once.Do(func() {
		close(s.partials)
		close(s.finals)
	})
}

// SendAudioCallCount returns the number of SendAudio calls. Thread-safe.
func (s *Session) SendAudioCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SendAudioCalls)
}

// AudioBytes returns the total number of audio bytes received. Thread-safe.
func (s *Session) AudioBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.SendAudioCalls {
		n += len(c)
	}
	return n
}

// Closed reports how often Close was called. Thread-safe.
func (s *Session) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

// Close records the call, closes the transcript channels and returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCallCount++
	err := s.CloseErr
	s.mu.Unlock()
	s.closeChannels()
	return err
}

var _ stt.SessionHandle = (*Session)(nil)

// TranscribeCall records a single invocation of Transcriber.Transcribe.
type TranscribeCall struct {
	PCM  []byte
	Opts stt.TranscribeOptions
}

// Transcriber is a mock implementation of stt.Transcriber.
type Transcriber struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// Configured is returned by IsConfigured.
	Configured bool

	// Result is returned by Transcribe.
	Result stt.Result

	// Err, if non-nil, is returned by Transcribe.
	Err error

	// Delay makes Transcribe block until it elapses or ctx is done. When ctx
	// ends first, Transcribe returns Partial and ctx.Err().
	Delay time.Duration

	// Partial is returned when ctx ends during Delay.
	Partial stt.Result

	// Calls records every call to Transcribe.
	Calls []TranscribeCall
}

// Name implements stt.Transcriber.
func (t *Transcriber) Name() string {
	if t.ProviderName == "" {
		return "mock"
	}
	return t.ProviderName
}

// IsConfigured implements stt.Transcriber.
func (t *Transcriber) IsConfigured() bool { return t.Configured }

// Transcribe records the call and returns Result, Err.
func (t *Transcriber) Transcribe(ctx context.Context, pcm []byte, opts stt.TranscribeOptions) (stt.Result, error) {
	t.mu.Lock()
	t.Calls = append(t.Calls, TranscribeCall{PCM: append([]byte(nil), pcm...), Opts: opts})
	delay, res, err, partial := t.Delay, t.Result, t.Err, t.Partial
	t.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return partial, ctx.Err()
		}
	}
	return res, err
}

// CallCount returns the number of Transcribe calls. Thread-safe.
func (t *Transcriber) CallCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.Calls)
}

var _ stt.Transcriber = (*Transcriber)(nil)
