package stt

import "time"

// Transcript is a streaming recognition result. Both partial (interim) and
// final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final or interim transcript.
	IsFinal bool

	// Language is the language detected for this segment. Backends only set
	// it on finals.
	Language string

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the provider
	// does not report confidence.
	Confidence float64

	// Timestamp marks when the utterance started, relative to session start.
	Timestamp time.Duration

	// Duration is the length of the utterance.
	Duration time.Duration
}

// Result is the outcome of a batch recognition.
type Result struct {
	// Text is the full transcript, possibly empty.
	Text string

	// Language is the detected or requested language, if known.
	Language string
}
