package whisper

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/fluentia/pkg/provider/stt"
)

// inferFunc recognises one utterance.
type inferFunc func(ctx context.Context, pcm []byte) (stt.Result, error)

// session simulates streaming on top of a batch engine: it segments incoming
// audio on silence and runs one inference per utterance. All segmentation
// state is confined to processLoop.
type session struct {
	seg   segmenter
	infer inferFunc
	name  string

	audioCh  chan []byte
	partials chan stt.Transcript
	finals   chan stt.Transcript

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	errMu sync.Mutex
	err   error
}

var _ stt.SessionHandle = (*session)(nil)

func newSession(ctx context.Context, name string, seg segmenter, infer inferFunc) *session {
	s := &session{
		seg:      seg,
		infer:    infer,
		name:     name,
		audioCh:  make(chan []byte, 256),
		partials: make(chan stt.Transcript, 64),
		finals:   make(chan stt.Transcript, 64),
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.processLoop(ctx)
	return s
}

// SendAudio queues a chunk of s16le PCM. Calling SendAudio after Close
// returns an error.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New(s.name + ": session is closed")
	default:
	}
	select {
	case s.audioCh <- chunk:
		return nil
	case <-s.done:
		return errors.New(s.name + ": session is closed")
	}
}

// Partials never carries values: a batch engine has no interim hypotheses.
// The channel is closed when the session ends.
func (s *session) Partials() <-chan stt.Transcript { return s.partials }

// Finals emits one transcript per committed utterance.
func (s *session) Finals() <-chan stt.Transcript { return s.finals }

// Err returns the last inference error.
func (s *session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close flushes pending speech for a final inference, closes the transcript
// channels and releases the session. Calling Close more than once is safe.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

func (s *session) processLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	run := func(runCtx context.Context, pcm []byte) {
		res, err := s.infer(runCtx, pcm)
		if err != nil {
			slog.Warn("whisper inference failed", "provider", s.name, "err", err)
			s.errMu.Lock()
			s.err = err
			s.errMu.Unlock()
			return
		}
		select {
		case s.finals <- stt.Transcript{Text: res.Text, IsFinal: true, Language: res.Language}:
		default:
		}
	}

	// The final flush gets its own deadline; ctx may already be cancelled.
	flushWithTimeout := func() {
		pcm, ok := s.seg.flush()
		if !ok {
			return
		}
		fc, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		run(fc, pcm)
	}

	for {
		select {
		case <-ctx.Done():
			flushWithTimeout()
			return
		case <-s.done:
			flushWithTimeout()
			return
		case chunk := <-s.audioCh:
			if pcm, ok := s.seg.push(chunk); ok {
				run(ctx, pcm)
			}
		}
	}
}
