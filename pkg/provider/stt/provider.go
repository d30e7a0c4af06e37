// Package stt defines the speech-to-text backends used by Fluentia.
//
// Two capabilities exist. A [Provider] opens a duplex streaming session that
// accepts PCM frames and emits interim and final transcripts; it backs the
// live speech socket. A [Transcriber] recognises one complete audio buffer
// and backs the batch transcription endpoint. A backend may implement both.
//
// Every backend reports whether it has the credentials or model it needs via
// IsConfigured, so that callers can refuse work up front with
// [ErrNotConfigured] instead of failing mid-session.
package stt

import (
	"context"
	"errors"
)

// ErrNotConfigured is returned when a backend is selected that lacks its
// credentials, endpoint or model.
var ErrNotConfigured = errors.New("stt: backend not configured")

// StreamConfig describes the audio format and recognition languages for a new
// STT session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz.
	SampleRate int

	// Channels is the number of audio channels. Fluentia always sends mono.
	Channels int

	// Language is the primary BCP-47 language tag (e.g., "pt-BR").
	Language string

	// AlternateLanguages lists additional languages the backend should
	// identify against. Recognition is biased toward Language.
	AlternateLanguages []string
}

// Languages returns Language followed by AlternateLanguages, skipping empty
// and duplicate entries.
func (c StreamConfig) Languages() []string {
	return uniqueLanguages(append([]string{c.Language}, c.AlternateLanguages...))
}

// SessionHandle represents an open STT streaming session.
//
// Callers must call Close when the session is no longer needed. All methods
// must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of s16le PCM. Calling SendAudio after Close
	// returns an error.
	SendAudio(chunk []byte) error

	// Partials emits interim hypotheses. The channel is closed when the
	// session ends.
	Partials() <-chan Transcript

	// Finals emits committed results. A final with empty Text means the
	// backend heard audio but understood no speech. The channel is closed
	// when the session ends.
	Finals() <-chan Transcript

	// Err returns the error that ended the session, or nil if it ended
	// normally. Only meaningful after Finals is closed.
	Err() error

	// Close flushes pending audio, ends the session and releases its
	// resources. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is a streaming STT backend.
type Provider interface {
	// Name returns the registry name of the backend (e.g., "deepgram").
	Name() string

	// IsConfigured reports whether the backend can open sessions.
	IsConfigured() bool

	// StartStream opens a new streaming session. The caller owns the
	// returned handle and must Close it.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}

// TranscribeOptions configures a single batch recognition.
type TranscribeOptions struct {
	SampleRate         int
	Channels           int
	Language           string
	AlternateLanguages []string
}

// Languages returns Language followed by AlternateLanguages, skipping empty
// and duplicate entries.
func (o TranscribeOptions) Languages() []string {
	return uniqueLanguages(append([]string{o.Language}, o.AlternateLanguages...))
}

// Transcriber is a batch STT backend: it recognises one complete buffer of
// s16le PCM.
type Transcriber interface {
	// Name returns the registry name of the backend.
	Name() string

	// IsConfigured reports whether the backend can transcribe.
	IsConfigured() bool

	// Transcribe recognises pcm. When ctx expires, implementations return
	// whatever text they have so far together with ctx.Err().
	Transcribe(ctx context.Context, pcm []byte, opts TranscribeOptions) (Result, error)
}
