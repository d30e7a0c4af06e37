package whisper

import (
	"time"

	"github.com/MrWong99/fluentia/pkg/audio"
)

// defaultRMSThreshold is the normalised RMS level below which audio counts as
// silence. 0.01 is about 330 in 16-bit PCM units, near-silence.
const defaultRMSThreshold = 0.01

// segmenter splits a continuous PCM stream into utterances using an energy
// threshold. Leading silence is discarded; an utterance is committed after
// silenceThreshold of consecutive silence or once maxBuffer of audio has
// accumulated. It is not safe for concurrent use.
type segmenter struct {
	sampleRate       int
	channels         int
	silenceThreshold time.Duration
	maxBuffer        time.Duration

	buf       []byte
	hadSpeech bool
	silence   time.Duration
}

// push adds chunk and returns a completed utterance, if any.
func (g *segmenter) push(chunk []byte) ([]byte, bool) {
	level := audio.MeasureLevel(chunk)
	d := audio.PCMDuration(len(chunk), g.sampleRate, g.channels)

	if level.RMS < defaultRMSThreshold {
		if !g.hadSpeech {
			return nil, false
		}
		g.silence += d
		g.buf = append(g.buf, chunk...)
		if g.silence >= g.silenceThreshold {
			return g.flush()
		}
		return nil, false
	}

	g.hadSpeech = true
	g.silence = 0
	g.buf = append(g.buf, chunk...)
	if g.maxBuffer > 0 && audio.PCMDuration(len(g.buf), g.sampleRate, g.channels) >= g.maxBuffer {
		return g.flush()
	}
	return nil, false
}

// flush returns the buffered utterance and resets the segmenter. It reports
// false if no speech was buffered.
func (g *segmenter) flush() ([]byte, bool) {
	pcm, ok := g.buf, g.hadSpeech && len(g.buf) > 0
	g.buf = nil
	g.hadSpeech = false
	g.silence = 0
	return pcm, ok
}
