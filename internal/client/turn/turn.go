// Package turn submits the learner's utterance to the lesson tutor and
// consumes the streamed reply.
//
// A [Pipeline] runs at most one turn at a time. A turn stops recording and
// cancels the hands-off countdown, appends the learner message, streams the
// tutor reply into a visible buffer and, when the server reports done,
// commits the reply to the conversation. In hands-off mode recording is
// resumed after a short pause if the turn interrupted it.
package turn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/fluentia/internal/observe"
	"github.com/MrWong99/fluentia/pkg/protocol"
)

// DefaultRestartDelay is the pause before recording resumes after a
// hands-off turn.
const DefaultRestartDelay = 500 * time.Millisecond

// FailureMessage is shown as the tutor's reply when a turn fails.
const FailureMessage = "Sorry, something went wrong. Please try again."

var (
	// ErrInFlight is returned when a turn is submitted while another one is
	// still running. The second submission has no effect.
	ErrInFlight = errors.New("turn: submission already in flight")

	// ErrIncompleteSelector is returned when the lesson selector is
	// missing a level, story, chapter or section.
	ErrIncompleteSelector = errors.New("turn: lesson selector incomplete")

	// ErrSubmission wraps every failure of a started turn.
	ErrSubmission = errors.New("turn: submission failed")
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of the visible conversation.
type Message struct {
	Role    string
	Content string

	// Failed marks the placeholder reply of a failed turn.
	Failed bool
}

// SessionStore keeps the client's view of the conversation.
type SessionStore interface {
	AddMessage(m Message)
	ConversationID() string
	SetConversationID(id string)
	SaveConversation(ctx context.Context) error
	IsSubmitting() bool
	SetSubmitting(v bool)
}

// Recorder is the part of the recording state machine a turn drives.
type Recorder interface {
	Recording() bool
	Start(ctx context.Context) error
	Stop()
	ClearTranscript()
}

// Canceler cancels a pending hands-off countdown.
type Canceler interface {
	Cancel()
}

// EventStream yields the events of one turn. Next returns io.EOF at the end.
type EventStream interface {
	Next() (protocol.TurnEvent, error)
	Close() error
}

// OpenFunc posts a turn and returns its event stream.
type OpenFunc func(ctx context.Context, req protocol.TurnRequest) (EventStream, error)

// Selector identifies a lesson section.
type Selector struct {
	Level   string
	Story   string
	Chapter string
	Section string
}

// Complete reports whether every part of the selector is set.
func (s Selector) Complete() bool {
	return s.Level != "" && s.Story != "" && s.Chapter != "" && s.Section != ""
}

// Options qualifies a submission.
type Options struct {
	// DialogueComplete marks the turn that closes a dialogue. It is sent
	// even without a complete selector.
	DialogueComplete bool

	// Init marks the turn that opens the lesson.
	Init bool
}

// Status is the client's view of the current turn.
type Status struct {
	InFlight bool
	Server   protocol.Status

	// Streaming is the tutor reply received so far.
	Streaming string

	// EvaluationUpdated is set once a turn reported a new evaluation.
	EvaluationUpdated bool
}

// Pipeline is the turn submission pipeline. It is safe for concurrent use.
type Pipeline struct {
	userID       string
	store        SessionStore
	open         OpenFunc
	recorder     Recorder
	timer        Canceler
	handsOff     func() bool
	refresh      func(ctx context.Context)
	onChange     func(Status)
	restartDelay time.Duration

	mu       sync.Mutex
	selector Selector
	turn     uint64
	status   Status
	acc      strings.Builder
	resume   *time.Timer
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithRecorder lets turns stop recording and resume it in hands-off mode.
func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) { p.recorder = r }
}

// WithCountdown lets turns cancel the hands-off countdown.
func WithCountdown(c Canceler) Option {
	return func(p *Pipeline) { p.timer = c }
}

// WithHandsOff reports whether hands-off mode is enabled. It is read when a
// turn starts and again when recording would resume.
func WithHandsOff(fn func() bool) Option {
	return func(p *Pipeline) { p.handsOff = fn }
}

// WithEvaluationRefresh is called after the server reports a new
// evaluation.
func WithEvaluationRefresh(fn func(ctx context.Context)) Option {
	return func(p *Pipeline) { p.refresh = fn }
}

// WithOnChange registers fn to receive every status change. fn must not
// block or call back into the Pipeline.
func WithOnChange(fn func(Status)) Option {
	return func(p *Pipeline) { p.onChange = fn }
}

// WithRestartDelay sets the pause before recording resumes.
func WithRestartDelay(d time.Duration) Option {
	return func(p *Pipeline) { p.restartDelay = d }
}

// New returns a Pipeline for userID.
func New(userID string, store SessionStore, open OpenFunc, opts ...Option) *Pipeline {
	p := &Pipeline{
		userID:       userID,
		store:        store,
		open:         open,
		handsOff:     func() bool { return false },
		restartDelay: DefaultRestartDelay,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// SetSelector changes the lesson for subsequent turns.
func (p *Pipeline) SetSelector(s Selector) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.selector = s
}

// Selector returns the current lesson.
func (p *Pipeline) Selector() Selector {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.selector
}

// Status returns the current turn status.
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// InFlight reports whether a turn is running.
func (p *Pipeline) InFlight() bool {
	return p.Status().InFlight
}

// Submit runs one turn with query as the learner's utterance and returns
// once the reply stream has ended. A failed turn leaves a placeholder reply
// in the store and returns an error wrapping [ErrSubmission].
func (p *Pipeline) Submit(ctx context.Context, query string, opts Options) error {
	query = strings.TrimSpace(query)

	p.mu.Lock()
	if p.status.InFlight {
		p.mu.Unlock()
		return ErrInFlight
	}
	sel := p.selector
	if !sel.Complete() && !opts.DialogueComplete {
		p.mu.Unlock()
		return ErrIncompleteSelector
	}
	p.turn++
	turn := p.turn
	p.status = Status{InFlight: true, EvaluationUpdated: p.status.EvaluationUpdated}
	p.acc.Reset()
	if p.resume != nil {
		p.resume.Stop()
		p.resume = nil
	}
	status := p.status
	p.mu.Unlock()
	p.store.SetSubmitting(true)
	p.notify(status)

	log := observe.Logger(ctx).With("turn", turn)

	autoResume := p.handsOff() && p.recorder != nil && p.recorder.Recording()
	if p.timer != nil {
		p.timer.Cancel()
	}
	if p.recorder != nil {
		p.recorder.Stop()
	}

	if query != "" || opts.DialogueComplete || opts.Init {
		p.store.AddMessage(Message{Role: RoleUser, Content: query})
	}
	if p.recorder != nil {
		p.recorder.ClearTranscript()
	}

	done, err := p.stream(ctx, turn, protocol.TurnRequest{
		Level:          sel.Level,
		Story:          sel.Story,
		Chapter:        sel.Chapter,
		Section:        sel.Section,
		Query:          query,
		ConversationID: p.store.ConversationID(),
		UserID:         p.userID,
	}, autoResume)

	switch {
	case err != nil && !done:
		log.Warn("turn failed", "err", err)
		p.store.AddMessage(Message{Role: RoleAssistant, Content: FailureMessage, Failed: true})
		err = fmt.Errorf("%w: %w", ErrSubmission, err)
	case err != nil:
		// The reply was committed; only the trailing evaluation was lost.
		log.Warn("turn stream failed after done", "err", err)
		err = nil
	}

	p.mu.Lock()
	if p.turn == turn {
		p.status.InFlight = false
		p.status.Streaming = ""
		p.acc.Reset()
	}
	status = p.status
	current := p.turn == turn
	p.mu.Unlock()
	if current {
		p.store.SetSubmitting(false)
		p.notify(status)
	}
	return err
}

// stream consumes the turn's events. done reports whether the reply was
// committed before the stream ended. With autoResume, recording restart is
// scheduled as soon as the reply is committed; the evaluation that may
// follow on the same stream does not hold it back.
func (p *Pipeline) stream(ctx context.Context, turn uint64, req protocol.TurnRequest, autoResume bool) (done bool, err error) {
	events, err := p.open(ctx, req)
	if err != nil {
		return false, err
	}
	defer events.Close()

	for {
		ev, err := events.Next()
		if errors.Is(err, io.EOF) {
			if !done {
				return false, errors.New("stream ended before the reply was complete")
			}
			return true, nil
		}
		if err != nil {
			return done, err
		}

		switch ev.Type {
		case protocol.TurnEventStatus:
			p.setStatus(turn, func(s *Status) { s.Server = ev.Status })
			switch ev.Status {
			case protocol.StatusDone:
				p.commit(ctx, turn)
				done = true
				if autoResume {
					p.scheduleResume(ctx, turn)
				}
			case protocol.StatusEvaluationComplete:
				p.setStatus(turn, func(s *Status) { s.EvaluationUpdated = true })
				if p.refresh != nil {
					p.refresh(ctx)
				}
			}
		case protocol.TurnEventConversationID:
			p.store.SetConversationID(ev.ConversationID)
		case protocol.TurnEventDelta:
			p.mu.Lock()
			if p.turn == turn {
				p.acc.WriteString(ev.Delta)
				p.status.Streaming += ev.Delta
			}
			status := p.status
			p.mu.Unlock()
			p.notify(status)
		case protocol.TurnEventError:
			return done, errors.New(ev.Error)
		}
	}
}

// commit moves the accumulated reply into the conversation and clears the
// in-flight flags.
func (p *Pipeline) commit(ctx context.Context, turn uint64) {
	p.mu.Lock()
	reply := strings.TrimSpace(p.acc.String())
	p.acc.Reset()
	p.status.Streaming = ""
	p.status.InFlight = false
	status := p.status
	p.mu.Unlock()

	p.store.AddMessage(Message{Role: RoleAssistant, Content: reply})
	if p.store.ConversationID() != "" {
		if err := p.store.SaveConversation(ctx); err != nil {
			observe.Logger(ctx).Warn("save conversation failed", "turn", turn, "err", err)
		}
	}
	p.store.SetSubmitting(false)
	p.notify(status)
}

func (p *Pipeline) scheduleResume(ctx context.Context, turn uint64) {
	ctx = context.WithoutCancel(ctx)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resume = time.AfterFunc(p.restartDelay, func() {
		p.mu.Lock()
		stale := p.turn != turn || p.status.InFlight
		p.resume = nil
		p.mu.Unlock()
		if stale || !p.handsOff() || p.recorder.Recording() {
			return
		}
		if err := p.recorder.Start(ctx); err != nil {
			observe.Logger(ctx).Warn("resume recording failed", "turn", turn, "err", err)
		}
	})
}

func (p *Pipeline) setStatus(turn uint64, fn func(*Status)) {
	p.mu.Lock()
	if p.turn != turn {
		p.mu.Unlock()
		return
	}
	fn(&p.status)
	status := p.status
	p.mu.Unlock()
	p.notify(status)
}

func (p *Pipeline) notify(s Status) {
	if p.onChange != nil {
		p.onChange(s)
	}
}
