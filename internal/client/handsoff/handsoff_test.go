package handsoff

import (
	"slices"
	"sync"
	"testing"
	"time"
)

type submissions struct {
	mu    sync.Mutex
	texts []string
	ticks []int
}

func (s *submissions) submit(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
}

func (s *submissions) tick(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks = append(s.ticks, n)
}

func (s *submissions) got() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.texts)
}

func (s *submissions) gotTicks() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.ticks)
}

const (
	testDelay = 90 * time.Millisecond
	testTick  = 30 * time.Millisecond
)

func newTimer(s *submissions) *Timer {
	return New(s.submit, WithDelay(testDelay), WithTickInterval(testTick), WithOnTick(s.tick))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func enabled(transcript string) Conditions {
	return Conditions{Enabled: true, RecorderState: "recording", Transcript: transcript}
}

// A stable transcript is submitted exactly once when the delay elapses.
func TestSubmitsAfterSilence(t *testing.T) {
	s := &submissions{}
	tm := newTimer(s)

	tm.Update(enabled("Eu vou ao mercado"))
	if !tm.Pending() || tm.Remaining() != 3 {
		t.Fatalf("after arming: pending=%v remaining=%d, want true/3", tm.Pending(), tm.Remaining())
	}

	waitFor(t, "submission", func() bool { return len(s.got()) == 1 })
	if got := s.got(); got[0] != "Eu vou ao mercado" {
		t.Errorf("submitted %q", got[0])
	}
	if tm.Pending() || tm.Remaining() != 0 {
		t.Error("deadline still pending after firing")
	}

	ticks := s.gotTicks()
	if ticks[0] != 3 || ticks[len(ticks)-1] != 0 {
		t.Errorf("ticks = %v, want 3 ... 0", ticks)
	}

	time.Sleep(2 * testDelay)
	if n := len(s.got()); n != 1 {
		t.Errorf("submitted %d times, want 1", n)
	}
}

func TestNewTranscriptRestartsCountdown(t *testing.T) {
	s := &submissions{}
	tm := newTimer(s)

	tm.Update(enabled("Eu vou"))
	time.Sleep(testDelay / 2)
	tm.Update(enabled("Eu vou ao mercado"))

	waitFor(t, "submission", func() bool { return len(s.got()) > 0 })
	time.Sleep(testDelay)
	if got := s.got(); !slices.Equal(got, []string{"Eu vou ao mercado"}) {
		t.Errorf("submitted %q, want only the latest transcript", got)
	}
}

func TestConditionChangesCancel(t *testing.T) {
	tests := []struct {
		name   string
		change Conditions
	}{
		{"disabled", Conditions{Enabled: false, RecorderState: "recording", Transcript: "olá"}},
		{"submitting", Conditions{Enabled: true, Submitting: true, RecorderState: "recording", Transcript: "olá"}},
		{"recorder state", Conditions{Enabled: true, RecorderState: "idle", Transcript: "olá"}},
		{"transcript cleared", enabled("")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &submissions{}
			tm := newTimer(s)
			tm.Update(enabled("olá"))
			tm.Update(tt.change)
			if tm.Pending() {
				t.Fatal("deadline still pending after change")
			}
			time.Sleep(2 * testDelay)
			if got := s.got(); len(got) != 0 {
				t.Errorf("submitted %q after cancellation", got)
			}
		})
	}
}

func TestUnchangedConditionsDoNotRearm(t *testing.T) {
	s := &submissions{}
	tm := newTimer(s)

	tm.Update(enabled("olá"))
	waitFor(t, "submission", func() bool { return len(s.got()) == 1 })

	tm.Update(enabled("olá"))
	tm.Update(Conditions{Enabled: true, RecorderState: "idle", Transcript: "olá"})
	if tm.Pending() {
		t.Error("same transcript armed twice")
	}

	// Clearing the transcript forgets it, so saying the same thing again
	// arms a new countdown.
	tm.Update(enabled(""))
	tm.Update(enabled("olá"))
	if !tm.Pending() {
		t.Error("repeated sentence after a cleared transcript did not arm")
	}
	tm.Cancel()
}

func TestCancel(t *testing.T) {
	s := &submissions{}
	tm := newTimer(s)
	tm.Update(enabled("olá"))
	tm.Cancel()
	tm.Cancel()
	time.Sleep(2 * testDelay)
	if got := s.got(); len(got) != 0 {
		t.Errorf("submitted %q after Cancel", got)
	}
}

func TestNotArmedWhileSubmitting(t *testing.T) {
	s := &submissions{}
	tm := newTimer(s)
	tm.Update(Conditions{Enabled: true, Submitting: true, Transcript: "olá"})
	if tm.Pending() {
		t.Error("armed while a submission is in flight")
	}
}

func TestArmsOnlyInSubmittableStates(t *testing.T) {
	tests := []struct {
		state string
		want  bool
	}{
		{"recording", true},
		{"idle", true},
		{"connecting", false},
		{"transcribing", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.state, func(t *testing.T) {
			s := &submissions{}
			tm := newTimer(s)
			defer tm.Cancel()
			tm.Update(Conditions{Enabled: true, RecorderState: tt.state, Transcript: "olá"})
			if got := tm.Pending(); got != tt.want {
				t.Errorf("Pending() = %v in state %q, want %v", got, tt.state, tt.want)
			}
		})
	}
}

func TestBatchTranscriptSubmittedFromIdle(t *testing.T) {
	s := &submissions{}
	tm := newTimer(s)

	tm.Update(Conditions{Enabled: true, RecorderState: "recording"})
	tm.Update(Conditions{Enabled: true, RecorderState: "transcribing"})
	if tm.Pending() {
		t.Fatal("armed without a transcript")
	}
	tm.Update(Conditions{Enabled: true, RecorderState: "idle", Transcript: "Eu vou ao mercado"})

	waitFor(t, "submission", func() bool { return len(s.got()) == 1 })
	if got := s.got(); got[0] != "Eu vou ao mercado" {
		t.Errorf("submitted %q", got[0])
	}
}
