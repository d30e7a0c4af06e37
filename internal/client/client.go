// Package client ties the recorder, the hands-off timer and the turn
// pipeline together into one learner session.
package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/fluentia/internal/client/handsoff"
	"github.com/MrWong99/fluentia/internal/client/recorder"
	"github.com/MrWong99/fluentia/internal/client/turn"
	"github.com/MrWong99/fluentia/internal/observe"
	"github.com/MrWong99/fluentia/pkg/audio"
	"github.com/MrWong99/fluentia/pkg/protocol"
)

// Config holds the session settings.
type Config struct {
	UserID          string
	Lesson          turn.Selector
	Recorder        recorder.Config
	HandsOff        bool
	AutoSubmitDelay time.Duration
	RestartDelay    time.Duration
}

// Deps are the collaborators of a session.
type Deps struct {
	Capturer   recorder.Capturer
	Dial       recorder.DialFunc
	Transcribe recorder.TranscribeFunc
	OpenTurn   turn.OpenFunc
	Store      turn.SessionStore

	// Evaluation fetches the learner's latest evaluation. Optional.
	Evaluation func(ctx context.Context) (protocol.Evaluation, error)

	// Render receives every view change. It must not block.
	Render func(View)
}

// View is everything a front end displays.
type View struct {
	Recorder   recorder.Snapshot
	Turn       turn.Status
	HandsOff   bool
	Countdown  int
	Evaluation *protocol.Evaluation
}

// Session is one learner session. It is safe for concurrent use.
type Session struct {
	ctx      context.Context
	deps     Deps
	rec      *recorder.Recorder
	timer    *handsoff.Timer
	turns    *turn.Pipeline
	handsOff atomic.Bool

	mu         sync.Mutex
	snap       recorder.Snapshot
	status     turn.Status
	countdown  int
	evaluation *protocol.Evaluation
}

// New builds a session. ctx scopes the background work started by
// automatic submissions and resumed recordings.
func New(ctx context.Context, cfg Config, deps Deps) (*Session, error) {
	if deps.Store == nil || deps.OpenTurn == nil {
		return nil, errors.New("client: store and turn transport are required")
	}
	s := &Session{ctx: ctx, deps: deps}
	s.handsOff.Store(cfg.HandsOff)

	rec, err := recorder.New(cfg.Recorder, deps.Capturer,
		recorder.WithDialer(deps.Dial),
		recorder.WithTranscriber(deps.Transcribe),
		recorder.WithOnChange(s.recorderChanged),
	)
	if err != nil {
		return nil, err
	}
	s.rec = rec

	s.timer = handsoff.New(s.autoSubmit,
		handsoff.WithDelay(cfg.AutoSubmitDelay),
		handsoff.WithOnTick(s.countdownChanged),
	)

	opts := []turn.Option{
		turn.WithRecorder(rec),
		turn.WithCountdown(s.timer),
		turn.WithHandsOff(s.HandsOff),
		turn.WithOnChange(s.turnChanged),
		turn.WithEvaluationRefresh(s.RefreshEvaluation),
	}
	if cfg.RestartDelay > 0 {
		opts = append(opts, turn.WithRestartDelay(cfg.RestartDelay))
	}
	s.turns = turn.New(cfg.UserID, deps.Store, deps.OpenTurn, opts...)
	s.turns.SetSelector(cfg.Lesson)
	return s, nil
}

// Recorder returns the recording state machine.
func (s *Session) Recorder() *recorder.Recorder { return s.rec }

// Turns returns the turn pipeline.
func (s *Session) Turns() *turn.Pipeline { return s.turns }

// HandsOff reports whether hands-off mode is enabled.
func (s *Session) HandsOff() bool { return s.handsOff.Load() }

// SetHandsOff enables or disables hands-off mode.
func (s *Session) SetHandsOff(on bool) {
	s.handsOff.Store(on)
	s.refresh()
}

// Level returns the microphone level for the meter.
func (s *Session) Level() audio.Level { return s.rec.Level() }

// ToggleRecording starts a recording when idle and stops it otherwise.
func (s *Session) ToggleRecording(ctx context.Context) error {
	switch s.rec.State() {
	case recorder.StateIdle:
		return s.rec.Start(ctx)
	case recorder.StateTranscribing:
		return recorder.ErrBusy
	default:
		s.rec.Stop()
		return nil
	}
}

// StartLesson asks the tutor to open the lesson.
func (s *Session) StartLesson(ctx context.Context) error {
	return s.turns.Submit(ctx, "", turn.Options{Init: true})
}

// SubmitTranscript submits what the recorder has transcribed so far.
func (s *Session) SubmitTranscript(ctx context.Context) error {
	return s.turns.Submit(ctx, s.rec.Snapshot().Transcript, turn.Options{})
}

// SubmitText submits typed text.
func (s *Session) SubmitText(ctx context.Context, text string) error {
	return s.turns.Submit(ctx, text, turn.Options{})
}

// CompleteDialogue submits the dialogue-completion turn.
func (s *Session) CompleteDialogue(ctx context.Context) error {
	return s.turns.Submit(ctx, s.rec.Snapshot().Transcript, turn.Options{DialogueComplete: true})
}

// RefreshEvaluation reloads the learner evaluation.
func (s *Session) RefreshEvaluation(ctx context.Context) {
	if s.deps.Evaluation == nil {
		return
	}
	ev, err := s.deps.Evaluation(ctx)
	if err != nil {
		observe.Logger(ctx).Debug("evaluation not loaded", "err", err)
		return
	}
	s.mu.Lock()
	s.evaluation = &ev
	s.mu.Unlock()
	s.render()
}

// Close stops any recording and pending countdown.
func (s *Session) Close() {
	s.timer.Cancel()
	s.rec.Stop()
}

// View returns the current view.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return View{
		Recorder:   s.snap,
		Turn:       s.status,
		HandsOff:   s.handsOff.Load(),
		Countdown:  s.countdown,
		Evaluation: s.evaluation,
	}
}

func (s *Session) recorderChanged(snap recorder.Snapshot) {
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
	s.refresh()
}

func (s *Session) turnChanged(st turn.Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
	s.refresh()
}

func (s *Session) countdownChanged(remaining int) {
	s.mu.Lock()
	s.countdown = remaining
	s.mu.Unlock()
	s.render()
}

// refresh feeds the current conditions to the hands-off timer and redraws.
func (s *Session) refresh() {
	s.mu.Lock()
	cond := handsoff.Conditions{
		Enabled:       s.handsOff.Load(),
		Submitting:    s.status.InFlight,
		RecorderState: s.snap.State.String(),
		Transcript:    s.snap.Transcript,
	}
	s.mu.Unlock()
	s.timer.Update(cond)
	s.render()
}

func (s *Session) autoSubmit(transcript string) {
	log := observe.Logger(s.ctx)
	log.Info("hands-off submit", "chars", len(transcript))
	if err := s.turns.Submit(s.ctx, transcript, turn.Options{}); err != nil && !errors.Is(err, turn.ErrInFlight) {
		log.Warn("hands-off submit failed", "err", err)
	}
}

func (s *Session) render() {
	if s.deps.Render != nil {
		s.deps.Render(s.View())
	}
}
