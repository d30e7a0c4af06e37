// Package handsoff submits the learner's transcript automatically after a
// short period without new speech.
//
// A [Timer] watches four conditions: whether hands-off mode is enabled,
// whether a turn is being submitted, the recorder state and the transcript.
// When a new non-empty transcript arrives while enabled and not submitting,
// it arms a deadline and a per-second countdown. Any change to the watched
// conditions cancels both before anything new is armed. At the deadline the
// conditions are read again and the transcript is submitted only if they
// still hold.
//
// Only the "recording" and "idle" recorder states allow a submission. A
// streaming transcript is submitted while recording continues; a batch
// transcript arrives after the upload, with the recorder back in idle. While
// connecting or transcribing the transcript is about to change, so nothing
// is armed.
package handsoff

import (
	"strings"
	"sync"
	"time"
)

// DefaultDelay is the silence period before the transcript is submitted.
const DefaultDelay = 3 * time.Second

// Conditions is the state the timer depends on.
type Conditions struct {
	Enabled       bool
	Submitting    bool
	RecorderState string
	Transcript    string
}

func (c Conditions) armable() bool {
	return c.Enabled && !c.Submitting && submittableState(c.RecorderState) &&
		strings.TrimSpace(c.Transcript) != ""
}

func submittableState(state string) bool {
	return state == "recording" || state == "idle"
}

// Timer is the hands-off auto-submit timer. It is safe for concurrent use.
type Timer struct {
	delay  time.Duration
	tick   time.Duration
	submit func(transcript string)
	onTick func(remaining int)

	mu        sync.Mutex
	cond      Conditions
	lastArmed string
	gen       uint64
	deadline  *time.Timer
	stopTick  chan struct{}
	remaining int
}

// Option configures a [Timer].
type Option func(*Timer)

// WithDelay sets the silence period. Default: [DefaultDelay].
func WithDelay(d time.Duration) Option {
	return func(t *Timer) {
		if d > 0 {
			t.delay = d
		}
	}
}

// WithTickInterval sets the countdown step. Default: one second.
func WithTickInterval(d time.Duration) Option {
	return func(t *Timer) {
		if d > 0 {
			t.tick = d
		}
	}
}

// WithOnTick registers fn to receive the remaining countdown steps. It is
// purely informational; 0 is reported when the countdown is cancelled or
// fires.
func WithOnTick(fn func(remaining int)) Option {
	return func(t *Timer) { t.onTick = fn }
}

// New returns a Timer that calls submit with the transcript when the
// deadline fires.
func New(submit func(transcript string), opts ...Option) *Timer {
	t := &Timer{delay: DefaultDelay, tick: time.Second, submit: submit}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Update records the current conditions. Any change cancels a pending
// countdown; a transcript that differs from the last armed one then arms a
// new deadline.
func (t *Timer) Update(c Conditions) {
	t.mu.Lock()
	if c == t.cond {
		t.mu.Unlock()
		return
	}
	cancelled := t.cancelLocked()
	t.cond = c
	if strings.TrimSpace(c.Transcript) == "" {
		t.lastArmed = ""
	}
	armed := false
	if c.armable() && c.Transcript != t.lastArmed {
		t.armLocked()
		armed = true
	}
	remaining := t.remaining
	t.mu.Unlock()

	if (cancelled || armed) && t.onTick != nil {
		t.onTick(remaining)
	}
}

// Cancel stops a pending countdown without changing the conditions.
func (t *Timer) Cancel() {
	t.mu.Lock()
	cancelled := t.cancelLocked()
	t.mu.Unlock()
	if cancelled && t.onTick != nil {
		t.onTick(0)
	}
}

// Pending reports whether a deadline is armed.
func (t *Timer) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deadline != nil
}

// Remaining returns the countdown steps left, or 0 when nothing is armed.
func (t *Timer) Remaining() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remaining
}

// armLocked starts the deadline and the countdown. At most one deadline is
// ever pending because every caller cancels first.
func (t *Timer) armLocked() {
	t.gen++
	gen := t.gen
	t.lastArmed = t.cond.Transcript
	t.remaining = max(1, int((t.delay+t.tick-1)/t.tick))
	t.deadline = time.AfterFunc(t.delay, func() { t.fire(gen) })
	t.stopTick = make(chan struct{})
	go t.countdown(gen, t.stopTick)
}

func (t *Timer) cancelLocked() bool {
	if t.deadline == nil {
		return false
	}
	t.deadline.Stop()
	t.deadline = nil
	close(t.stopTick)
	t.stopTick = nil
	t.remaining = 0
	t.gen++
	return true
}

func (t *Timer) countdown(gen uint64, stop <-chan struct{}) {
	ticker := time.NewTicker(t.tick)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		t.mu.Lock()
		if gen != t.gen || t.remaining <= 1 {
			t.mu.Unlock()
			return
		}
		t.remaining--
		remaining := t.remaining
		t.mu.Unlock()
		if t.onTick != nil {
			t.onTick(remaining)
		}
	}
}

// fire runs at the deadline. The conditions are read again here and the
// deadline is dropped unless hands-off is still enabled with a non-empty
// transcript, a submittable recorder state and no submission in flight.
func (t *Timer) fire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.deadline = nil
	close(t.stopTick)
	t.stopTick = nil
	t.remaining = 0
	t.gen++
	c := t.cond
	t.mu.Unlock()

	if t.onTick != nil {
		t.onTick(0)
	}
	if !c.armable() {
		return
	}
	t.submit(strings.TrimSpace(c.Transcript))
}
