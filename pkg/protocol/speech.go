// Package protocol defines the JSON messages exchanged between the Fluentia
// client and server: duplex speech-session events and control messages,
// batch transcription results, and the server-sent events of a lesson turn.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EventType names a downstream speech-session event.
type EventType string

const (
	EventRecognizing    EventType = "recognizing"
	EventRecognized     EventType = "recognized"
	EventNoMatch        EventType = "nomatch"
	EventCanceled       EventType = "canceled"
	EventSessionStopped EventType = "sessionStopped"
	EventStarted        EventType = "started"
	EventError          EventType = "error"
)

// SpeechEvent is one downstream message of a duplex speech session.
// Which fields are set depends on Event.
type SpeechEvent struct {
	Event EventType `json:"event"`

	// Text is set on recognizing and recognized.
	Text string `json:"text,omitempty"`

	// DetectedLanguage is only ever set on recognized.
	DetectedLanguage string `json:"detectedLanguage,omitempty"`

	// Reason and Error are set on canceled.
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`

	// Message is set on error.
	Message string `json:"message,omitempty"`
}

// Recognizing returns an interim hypothesis event.
func Recognizing(text string) SpeechEvent {
	return SpeechEvent{Event: EventRecognizing, Text: text}
}

// Recognized returns a final result event.
func Recognized(text, detectedLanguage string) SpeechEvent {
	return SpeechEvent{Event: EventRecognized, Text: text, DetectedLanguage: detectedLanguage}
}

// NoMatch returns an event reporting that no speech was understood.
func NoMatch() SpeechEvent { return SpeechEvent{Event: EventNoMatch} }

// Canceled returns a session-terminating cancellation event.
func Canceled(reason, detail string) SpeechEvent {
	return SpeechEvent{Event: EventCanceled, Reason: reason, Error: detail}
}

// SessionStopped returns the event sent when recognition ends normally.
func SessionStopped() SpeechEvent { return SpeechEvent{Event: EventSessionStopped} }

// Started returns the event sent when recognition begins.
func Started() SpeechEvent { return SpeechEvent{Event: EventStarted} }

// Error returns a protocol error event.
func Error(message string) SpeechEvent { return SpeechEvent{Event: EventError, Message: message} }

// Terminal reports whether no further events follow this one.
func (e SpeechEvent) Terminal() bool {
	switch e.Event {
	case EventCanceled, EventSessionStopped, EventError:
		return true
	}
	return false
}

// MarshalJSON always emits text for recognizing and recognized events, even
// when it is empty.
func (e SpeechEvent) MarshalJSON() ([]byte, error) {
	type plain SpeechEvent
	if e.Event == EventRecognizing || e.Event == EventRecognized {
		return json.Marshal(struct {
			Event            EventType `json:"event"`
			Text             string    `json:"text"`
			DetectedLanguage string    `json:"detectedLanguage,omitempty"`
		}{e.Event, e.Text, e.DetectedLanguage})
	}
	return json.Marshal(plain(e))
}

// DecodeSpeechEvent parses and validates a downstream event.
func DecodeSpeechEvent(data []byte) (SpeechEvent, error) {
	var ev SpeechEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return SpeechEvent{}, fmt.Errorf("protocol: invalid speech event: %w", err)
	}
	switch ev.Event {
	case EventRecognizing, EventNoMatch, EventSessionStopped, EventStarted, EventError:
		ev.DetectedLanguage = ""
	case EventRecognized, EventCanceled:
	case "":
		return SpeechEvent{}, fmt.Errorf("protocol: speech event missing event field")
	default:
		return SpeechEvent{}, fmt.Errorf("protocol: unknown speech event %q", ev.Event)
	}
	return ev, nil
}

// ControlConfig is the only upstream text message: it adjusts the sample rate
// or language of an active session. Nil fields are left unchanged.
type ControlConfig struct {
	Type         string  `json:"type"`
	SampleRate   *int    `json:"sampleRate,omitempty"`
	LanguageCode *string `json:"languageCode,omitempty"`
}

// ControlTypeConfig is the type tag of [ControlConfig].
const ControlTypeConfig = "config"

// DecodeControl parses an upstream text frame.
func DecodeControl(data []byte) (ControlConfig, error) {
	var msg ControlConfig
	if err := json.Unmarshal(data, &msg); err != nil {
		return ControlConfig{}, fmt.Errorf("protocol: invalid control message: %w", err)
	}
	switch strings.TrimSpace(msg.Type) {
	case ControlTypeConfig:
	case "":
		return ControlConfig{}, fmt.Errorf("protocol: control message missing type")
	default:
		return ControlConfig{}, fmt.Errorf("protocol: unsupported control message %q", msg.Type)
	}
	if msg.SampleRate != nil && *msg.SampleRate <= 0 {
		return ControlConfig{}, fmt.Errorf("protocol: config.sampleRate must be > 0")
	}
	if msg.LanguageCode != nil && strings.TrimSpace(*msg.LanguageCode) == "" {
		return ControlConfig{}, fmt.Errorf("protocol: config.languageCode must not be empty")
	}
	return msg, nil
}

// TranscribeResponse is the body returned by the batch transcription endpoint.
type TranscribeResponse struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}
