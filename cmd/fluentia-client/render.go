package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/fluentia/internal/client"
	"github.com/MrWong99/fluentia/internal/client/recorder"
	"github.com/MrWong99/fluentia/pkg/audio"
	"github.com/MrWong99/fluentia/pkg/protocol"
)

const meterWidth = 30

// renderer prints view changes as they happen. Only what differs from the
// previously printed view is written.
type renderer struct {
	mu   sync.Mutex
	w    io.Writer
	last client.View

	// printed is how much of the streaming reply is already on screen.
	printed int
	midLine bool
}

func newRenderer(w io.Writer) *renderer {
	return &renderer{w: w}
}

// Render implements client.Deps.Render.
func (r *renderer) Render(v client.View) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.last
	r.last = v

	s := v.Turn.Streaming
	if len(s) < r.printed {
		r.printed = 0
	}

	if v.Recorder.State != prev.Recorder.State {
		r.line("[%s]", v.Recorder.State)
	}
	if v.Recorder.Err != nil && v.Recorder.Err != prev.Recorder.Err {
		r.line("! %v", v.Recorder.Err)
	}
	if d := v.Recorder.Display(); d != prev.Recorder.Display() && d != "" {
		lang := ""
		if v.Recorder.Language != "" {
			lang = " (" + v.Recorder.Language + ")"
		}
		r.line("you%s: %s", lang, d)
	}
	if v.Countdown != prev.Countdown && v.Countdown > 0 {
		r.line("sending in %d…", v.Countdown)
	}
	if v.Turn.Server != prev.Turn.Server && v.Turn.Server != "" {
		r.line("  · %s", v.Turn.Server)
	}

	if len(s) > r.printed {
		if r.printed == 0 {
			r.breakLine()
			io.WriteString(r.w, "tutor: ")
		}
		io.WriteString(r.w, s[r.printed:])
		r.printed = len(s)
		r.midLine = true
	}
}

func (r *renderer) line(format string, args ...any) {
	r.breakLine()
	fmt.Fprintf(r.w, format+"\n", args...)
}

// breakLine ends a partially written reply or meter line.
func (r *renderer) breakLine() {
	if r.midLine {
		io.WriteString(r.w, "\n")
		r.midLine = false
	}
}

// Notice prints a one-line message.
func (r *renderer) Notice(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.line("* "+format, args...)
}

// Evaluation prints the learner evaluation.
func (r *renderer) Evaluation(ev *protocol.Evaluation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ev == nil {
		r.line("* no evaluation yet")
		return
	}
	r.line("* evaluation %s\n%s", ev.UpdatedAt, ev.Summary)
	for _, s := range ev.Strengths {
		fmt.Fprintf(r.w, "  + %s\n", s)
	}
	for _, s := range ev.Improvements {
		fmt.Fprintf(r.w, "  - %s\n", s)
	}
}

// Meter redraws a level bar every interval while recording.
func (r *renderer) Meter(ctx context.Context, sess *client.Session, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if sess.Recorder().State() != recorder.StateRecording {
			continue
		}
		r.mu.Lock()
		fmt.Fprintf(r.w, "\r%s %s", meterBar(sess.Level(), meterWidth), sess.Recorder().Elapsed().Truncate(100*time.Millisecond))
		r.midLine = true
		r.mu.Unlock()
	}
}

// meterBar draws the RMS level as filled cells and marks the peak.
func meterBar(l audio.Level, width int) string {
	filled := min(int(l.RMS*float64(width)+0.5), width)
	peak := min(int(l.Peak*float64(width)), width-1)
	cells := []rune(strings.Repeat("#", filled) + strings.Repeat(" ", width-filled))
	if peak >= filled {
		cells[peak] = '|'
	}
	return "[" + string(cells) + "]"
}
