package turn

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/fluentia/pkg/protocol"
)

// fakeEvents replays a fixed event list, optionally blocking before the
// first event until release is closed and after the last one until hold is
// closed.
type fakeEvents struct {
	events  []protocol.TurnEvent
	err     error
	release chan struct{}
	hold    chan struct{}
	closed  bool
}

func (f *fakeEvents) Next() (protocol.TurnEvent, error) {
	if f.release != nil {
		<-f.release
		f.release = nil
	}
	if len(f.events) == 0 {
		if f.hold != nil {
			<-f.hold
			f.hold = nil
		}
		if f.err != nil {
			return protocol.TurnEvent{}, f.err
		}
		return protocol.TurnEvent{}, io.EOF
	}
	ev := f.events[0]
	f.events = f.events[1:]
	return ev, nil
}

func (f *fakeEvents) Close() error {
	f.closed = true
	return nil
}

type opener struct {
	mu       sync.Mutex
	requests []protocol.TurnRequest
	streams  []*fakeEvents
	err      error
}

func (o *opener) open(_ context.Context, req protocol.TurnRequest) (EventStream, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.requests = append(o.requests, req)
	if o.err != nil {
		return nil, o.err
	}
	s := o.streams[0]
	o.streams = o.streams[1:]
	return s, nil
}

func (o *opener) calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.requests)
}

type fakeRecorder struct {
	mu        sync.Mutex
	recording bool
	stops     int
	starts    int
	clears    int
}

func (r *fakeRecorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

func (r *fakeRecorder) Start(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts++
	r.recording = true
	return nil
}

func (r *fakeRecorder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops++
	r.recording = false
}

func (r *fakeRecorder) ClearTranscript() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clears++
}

func (r *fakeRecorder) startCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts
}

type countdown struct{ cancels int }

func (c *countdown) Cancel() { c.cancels++ }

var lesson = Selector{Level: "a1", Story: "mercado", Chapter: "1", Section: "1"}

func replyEvents(deltas ...string) []protocol.TurnEvent {
	evs := []protocol.TurnEvent{
		protocol.StatusEvent(protocol.StatusLoading),
		protocol.ConversationIDEvent("conv-1"),
		protocol.StatusEvent(protocol.StatusStreamingResponse),
	}
	for _, d := range deltas {
		evs = append(evs, protocol.DeltaEvent(d))
	}
	return append(evs, protocol.StatusEvent(protocol.StatusDone))
}

func newPipeline(o *opener, store SessionStore, opts ...Option) *Pipeline {
	p := New("u1", store, o.open, opts...)
	p.SetSelector(lesson)
	return p
}

func TestSubmit_StreamsReply(t *testing.T) {
	o := &opener{streams: []*fakeEvents{{events: replyEvents("Hel", "lo!")}}}
	store := NewMemoryStore("")
	rec := &fakeRecorder{}
	cd := &countdown{}

	var (
		mu        sync.Mutex
		streaming []string
	)
	p := newPipeline(o, store, WithRecorder(rec), WithCountdown(cd), WithOnChange(func(s Status) {
		mu.Lock()
		defer mu.Unlock()
		if s.Streaming != "" {
			streaming = append(streaming, s.Streaming)
		}
	}))

	if err := p.Submit(t.Context(), " Eu vou ao mercado ", Options{}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	msgs := store.Messages()
	if len(msgs) != 2 {
		t.Fatalf("messages = %+v, want 2", msgs)
	}
	if msgs[0] != (Message{Role: RoleUser, Content: "Eu vou ao mercado"}) {
		t.Errorf("learner message = %+v", msgs[0])
	}
	if msgs[1] != (Message{Role: RoleAssistant, Content: "Hello!"}) {
		t.Errorf("tutor message = %+v", msgs[1])
	}

	st := p.Status()
	if st.InFlight || st.Streaming != "" || st.Server != protocol.StatusDone {
		t.Errorf("status after turn = %+v", st)
	}
	if store.IsSubmitting() {
		t.Error("store still submitting")
	}
	if store.ConversationID() != "conv-1" || store.Saves() != 1 {
		t.Errorf("conversation id %q saved %d times", store.ConversationID(), store.Saves())
	}

	mu.Lock()
	if len(streaming) != 2 || streaming[0] != "Hel" || streaming[1] != "Hello!" {
		t.Errorf("visible buffer = %q", streaming)
	}
	mu.Unlock()

	if rec.stops != 1 || rec.clears != 1 || cd.cancels != 1 {
		t.Errorf("recorder stops=%d clears=%d countdown cancels=%d, want 1/1/1", rec.stops, rec.clears, cd.cancels)
	}

	req := o.requests[0]
	if req.Query != "Eu vou ao mercado" || req.UserID != "u1" || req.Level != "a1" || req.Section != "1" || req.ConversationID != "" {
		t.Errorf("request = %+v", req)
	}
}

func TestSubmit_FollowUpCarriesConversationID(t *testing.T) {
	o := &opener{streams: []*fakeEvents{{events: replyEvents("Oi")}, {events: replyEvents("Tudo bem")}}}
	store := NewMemoryStore("")
	p := newPipeline(o, store)

	for _, q := range []string{"olá", "tudo bem?"} {
		if err := p.Submit(t.Context(), q, Options{}); err != nil {
			t.Fatalf("Submit(%q): %v", q, err)
		}
	}
	if got := o.requests[1].ConversationID; got != "conv-1" {
		t.Errorf("second request conversation id = %q, want conv-1", got)
	}
}

func TestSubmit_SecondSubmissionWhileInFlight(t *testing.T) {
	release := make(chan struct{})
	o := &opener{streams: []*fakeEvents{{events: replyEvents("Oi"), release: release}}}
	store := NewMemoryStore("")
	p := newPipeline(o, store)

	done := make(chan error, 1)
	go func() { done <- p.Submit(t.Context(), "olá", Options{}) }()

	deadline := time.Now().Add(5 * time.Second)
	for o.calls() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first turn never opened its stream")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := p.Submit(t.Context(), "olá de novo", Options{}); !errors.Is(err, ErrInFlight) {
		t.Errorf("second Submit = %v, want ErrInFlight", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	if o.calls() != 1 {
		t.Errorf("streams opened = %d, want 1", o.calls())
	}
	if n := len(store.Messages()); n != 2 {
		t.Errorf("messages = %d, want 2", n)
	}
}

func TestSubmit_Selector(t *testing.T) {
	o := &opener{streams: []*fakeEvents{{events: replyEvents("Parabéns")}}}
	store := NewMemoryStore("")
	p := New("u1", store, o.open)
	p.SetSelector(Selector{Level: "a1"})

	if err := p.Submit(t.Context(), "olá", Options{}); !errors.Is(err, ErrIncompleteSelector) {
		t.Fatalf("Submit = %v, want ErrIncompleteSelector", err)
	}
	if o.calls() != 0 || len(store.Messages()) != 0 {
		t.Error("incomplete selector had side effects")
	}

	if err := p.Submit(t.Context(), "", Options{DialogueComplete: true}); err != nil {
		t.Fatalf("dialogue-complete Submit: %v", err)
	}
	if msgs := store.Messages(); len(msgs) != 2 || msgs[0].Role != RoleUser {
		t.Errorf("messages = %+v", msgs)
	}
}

func TestSubmit_EmptyQuery(t *testing.T) {
	tests := []struct {
		name     string
		opts     Options
		wantMsgs int
	}{
		{"plain", Options{}, 1},
		{"init", Options{Init: true}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := &opener{streams: []*fakeEvents{{events: replyEvents("Bem-vindo")}}}
			store := NewMemoryStore("")
			if err := newPipeline(o, store).Submit(t.Context(), "  ", tt.opts); err != nil {
				t.Fatalf("Submit: %v", err)
			}
			if n := len(store.Messages()); n != tt.wantMsgs {
				t.Errorf("messages = %d, want %d", n, tt.wantMsgs)
			}
		})
	}
}

func TestSubmit_Failures(t *testing.T) {
	tests := []struct {
		name   string
		opener *opener
	}{
		{"open fails", &opener{err: errors.New("connection refused")}},
		{"error event", &opener{streams: []*fakeEvents{{events: []protocol.TurnEvent{
			protocol.StatusEvent(protocol.StatusLoading),
			protocol.DeltaEvent("Hel"),
			protocol.TurnErrorEvent("the tutor could not answer"),
		}}}}},
		{"read error", &opener{streams: []*fakeEvents{{
			events: []protocol.TurnEvent{protocol.DeltaEvent("Hel")},
			err:    errors.New("unexpected EOF"),
		}}}},
		{"ends before done", &opener{streams: []*fakeEvents{{events: []protocol.TurnEvent{protocol.DeltaEvent("Hel")}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemoryStore("")
			rec := &fakeRecorder{recording: true}
			p := newPipeline(tt.opener, store,
				WithRecorder(rec), WithHandsOff(func() bool { return true }), WithRestartDelay(time.Millisecond))

			err := p.Submit(t.Context(), "olá", Options{})
			if !errors.Is(err, ErrSubmission) {
				t.Fatalf("Submit = %v, want ErrSubmission", err)
			}
			msgs := store.Messages()
			last := msgs[len(msgs)-1]
			if !last.Failed || last.Role != RoleAssistant || last.Content != FailureMessage {
				t.Errorf("last message = %+v, want failure placeholder", last)
			}
			if st := p.Status(); st.InFlight || st.Streaming != "" {
				t.Errorf("status = %+v", st)
			}
			if store.IsSubmitting() {
				t.Error("store still submitting")
			}
			time.Sleep(20 * time.Millisecond)
			if rec.startCount() != 0 {
				t.Error("recording resumed after a failed turn")
			}
		})
	}
}

func TestSubmit_HandsOffResumesRecording(t *testing.T) {
	o := &opener{streams: []*fakeEvents{{events: replyEvents("Muito bem")}}}
	rec := &fakeRecorder{recording: true}
	p := newPipeline(o, NewMemoryStore(""),
		WithRecorder(rec), WithHandsOff(func() bool { return true }), WithRestartDelay(10*time.Millisecond))

	if err := p.Submit(t.Context(), "olá", Options{}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	rec.mu.Lock()
	stops := rec.stops
	rec.mu.Unlock()
	if stops != 1 {
		t.Fatalf("recording stopped %d times by the turn, want 1", stops)
	}
	deadline := time.Now().Add(5 * time.Second)
	for rec.startCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("recording never resumed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(30 * time.Millisecond)
	if n := rec.startCount(); n != 1 {
		t.Errorf("recording started %d times, want 1", n)
	}
}

// Recording comes back while the server is still evaluating on the same
// stream, and a stream failure after done does not cancel it.
func TestSubmit_HandsOffResumesOnDone(t *testing.T) {
	tests := []struct {
		name    string
		tailErr error
	}{
		{"stream stays open for evaluation", nil},
		{"stream fails after done", errors.New("connection reset")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hold := make(chan struct{})
			o := &opener{streams: []*fakeEvents{{events: replyEvents("Muito bem"), hold: hold, err: tt.tailErr}}}
			rec := &fakeRecorder{recording: true}
			p := newPipeline(o, NewMemoryStore(""),
				WithRecorder(rec), WithHandsOff(func() bool { return true }), WithRestartDelay(10*time.Millisecond))

			submitted := make(chan error, 1)
			go func() { submitted <- p.Submit(t.Context(), "olá", Options{}) }()

			deadline := time.Now().Add(5 * time.Second)
			for rec.startCount() == 0 {
				if time.Now().After(deadline) {
					close(hold)
					t.Fatal("recording did not resume while the stream was open")
				}
				time.Sleep(5 * time.Millisecond)
			}
			select {
			case err := <-submitted:
				t.Fatalf("Submit returned before the stream ended: %v", err)
			default:
			}

			close(hold)
			if err := <-submitted; err != nil {
				t.Fatalf("Submit: %v", err)
			}
			time.Sleep(30 * time.Millisecond)
			if n := rec.startCount(); n != 1 {
				t.Errorf("recording started %d times, want 1", n)
			}
		})
	}
}

func TestSubmit_ResumeRereadsHandsOff(t *testing.T) {
	tests := []struct {
		name      string
		recording bool
		disable   bool
	}{
		{"was not recording", false, false},
		{"disabled before resume", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := &opener{streams: []*fakeEvents{{events: replyEvents("Muito bem")}}}
			rec := &fakeRecorder{recording: tt.recording}
			var mu sync.Mutex
			handsOff := true
			p := newPipeline(o, NewMemoryStore(""), WithRecorder(rec), WithRestartDelay(20*time.Millisecond),
				WithHandsOff(func() bool {
					mu.Lock()
					defer mu.Unlock()
					return handsOff
				}))

			if err := p.Submit(t.Context(), "olá", Options{}); err != nil {
				t.Fatalf("Submit: %v", err)
			}
			if tt.disable {
				mu.Lock()
				handsOff = false
				mu.Unlock()
			}
			time.Sleep(60 * time.Millisecond)
			if n := rec.startCount(); n != 0 {
				t.Errorf("recording started %d times, want 0", n)
			}
		})
	}
}

func TestSubmit_EvaluationComplete(t *testing.T) {
	evs := append(replyEvents("Muito bem"), protocol.StatusEvent(protocol.StatusEvaluationComplete))
	o := &opener{streams: []*fakeEvents{{events: evs}}}
	refreshed := 0
	p := newPipeline(o, NewMemoryStore(""), WithEvaluationRefresh(func(context.Context) { refreshed++ }))

	if err := p.Submit(t.Context(), "olá", Options{}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if refreshed != 1 || !p.Status().EvaluationUpdated {
		t.Errorf("refreshed=%d updated=%v, want 1/true", refreshed, p.Status().EvaluationUpdated)
	}
}

func TestSubmit_ErrorAfterDoneKeepsReply(t *testing.T) {
	o := &opener{streams: []*fakeEvents{{events: replyEvents("Muito bem"), err: errors.New("reset")}}}
	store := NewMemoryStore("")
	if err := newPipeline(o, store).Submit(t.Context(), "olá", Options{}); err != nil {
		t.Fatalf("Submit = %v, want nil once the reply was committed", err)
	}
	msgs := store.Messages()
	if last := msgs[len(msgs)-1]; last.Failed || last.Content != "Muito bem" {
		t.Errorf("last message = %+v", last)
	}
}

func TestMemoryStore_SaveConversation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history", "conversation.yaml")
	s := NewMemoryStore(path)
	s.SetConversationID("conv-1")
	s.AddMessage(Message{Role: RoleUser, Content: "olá"})
	s.AddMessage(Message{Role: RoleAssistant, Content: FailureMessage, Failed: true})

	if err := s.SaveConversation(t.Context()); err != nil {
		t.Fatalf("SaveConversation: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var doc savedConversation
	if err := yaml.Unmarshal(data, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if doc.ConversationID != "conv-1" || len(doc.Messages) != 2 || !doc.Messages[1].Failed {
		t.Errorf("saved = %+v", doc)
	}
}
