package lesson

import (
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/MrWong99/fluentia/internal/transcript"
	"github.com/MrWong99/fluentia/pkg/protocol"
	"github.com/MrWong99/fluentia/pkg/provider/llm"
	llmmock "github.com/MrWong99/fluentia/pkg/provider/llm/mock"
)

const catalogueYAML = `
levels:
  - id: A1
    stories:
      - id: mercado
        chapters:
          - id: "1"
            sections:
              - id: "1"
                title: Indo ao mercado
                content: |
                  Maria vai ao mercado comprar frutas.
                vocabulary: [mercado, frutas, comprar]
              - id: "2"
                title: No caixa
                content: Maria paga as frutas.
`

var testKey = Key{Level: "A1", Story: "mercado", Chapter: "1", Section: "1"}

func mustCatalogue(t *testing.T) *Catalogue {
	t.Helper()
	c, err := ParseCatalogue(strings.NewReader(catalogueYAML))
	if err != nil {
		t.Fatalf("ParseCatalogue: %v", err)
	}
	return c
}

func TestParseCatalogue(t *testing.T) {
	c := mustCatalogue(t)
	if c.Len() != 2 {
		t.Fatalf("Len = %d, want 2", c.Len())
	}
	l, err := c.Lookup(testKey)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if l.Title != "Indo ao mercado" || l.Content != "Maria vai ao mercado comprar frutas." {
		t.Errorf("lesson = %+v", l)
	}
	if len(l.Vocabulary) != 3 {
		t.Errorf("vocabulary = %v", l.Vocabulary)
	}

	_, err = c.Lookup(Key{Level: "B2", Story: "mercado", Chapter: "1", Section: "1"})
	if !errors.Is(err, ErrLessonNotFound) {
		t.Errorf("missing lesson: err = %v, want ErrLessonNotFound", err)
	}
}

func TestParseCatalogue_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "unknown field",
			yaml: "levels:\n  - id: A1\n    colour: red\n",
			want: "colour",
		},
		{
			name: "empty id",
			yaml: "levels:\n  - id: A1\n    stories:\n      - id: s\n        chapters:\n          - id: \"1\"\n            sections:\n              - title: x\n",
			want: "empty id",
		},
		{
			name: "duplicate section",
			yaml: "levels:\n  - id: A1\n    stories:\n      - id: s\n        chapters:\n          - id: \"1\"\n            sections:\n              - id: a\n              - id: a\n",
			want: "duplicate",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCatalogue(strings.NewReader(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}

	c, err := ParseCatalogue(strings.NewReader(""))
	if err != nil || c.Len() != 0 {
		t.Errorf("empty catalogue: %v, len %d", err, c.Len())
	}
}

func TestMemStore(t *testing.T) {
	ctx := t.Context()
	s := NewMemStore()

	c, err := s.Create(ctx, Conversation{UserID: "u1", Key: testKey})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if c.ID == "" || c.CreatedAt.IsZero() {
		t.Fatalf("conversation = %+v", c)
	}
	if _, err := s.Create(ctx, Conversation{ID: c.ID}); err == nil {
		t.Error("duplicate id accepted")
	}

	if err := s.SetPlan(ctx, c.ID, "plan"); err != nil {
		t.Fatalf("SetPlan: %v", err)
	}
	if err := s.AppendMessages(ctx, c.ID,
		Message{Role: RoleLearner, Content: "oi"},
		Message{Role: RoleTutor, Content: "olá"},
	); err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}

	got, err := s.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Plan != "plan" || len(got.Messages) != 2 || got.LearnerTurns() != 1 {
		t.Errorf("conversation = %+v", got)
	}
	got.Messages[0].Content = "mutated"
	again, _ := s.Get(ctx, c.ID)
	if again.Messages[0].Content != "oi" {
		t.Error("Get returned shared message slice")
	}

	if _, err := s.Get(ctx, "nope"); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("Get missing: %v", err)
	}
	if err := s.AppendMessages(ctx, "nope"); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("AppendMessages missing: %v", err)
	}

	if _, err := s.LatestEvaluation(ctx, "u1"); !errors.Is(err, ErrEvaluationNotFound) {
		t.Errorf("LatestEvaluation before save: %v", err)
	}
	if err := s.SaveEvaluation(ctx, protocol.Evaluation{UserID: "u1", Summary: "good"}); err != nil {
		t.Fatalf("SaveEvaluation: %v", err)
	}
	ev, err := s.LatestEvaluation(ctx, "u1")
	if err != nil || ev.Summary != "good" {
		t.Errorf("LatestEvaluation = %+v, %v", ev, err)
	}
	if err := s.SaveEvaluation(ctx, protocol.Evaluation{Summary: "x"}); err == nil {
		t.Error("evaluation without user accepted")
	}
}

type recorder struct {
	events []protocol.TurnEvent
}

func (r *recorder) emit(ev protocol.TurnEvent) error {
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) statuses() []protocol.Status {
	var out []protocol.Status
	for _, ev := range r.events {
		if ev.Type == protocol.TurnEventStatus {
			out = append(out, ev.Status)
		}
	}
	return out
}

func (r *recorder) text() string {
	var b strings.Builder
	for _, ev := range r.events {
		if ev.Type == protocol.TurnEventDelta {
			b.WriteString(ev.Delta)
		}
	}
	return b.String()
}

func (r *recorder) conversationID() string {
	for _, ev := range r.events {
		if ev.Type == protocol.TurnEventConversationID {
			return ev.ConversationID
		}
	}
	return ""
}

func newTestPipeline(t *testing.T, provider *llmmock.Provider, opts ...PipelineOption) (*Pipeline, *MemStore) {
	t.Helper()
	store := NewMemStore()
	return NewPipeline(mustCatalogue(t), store, provider, opts...), store
}

func turnRequest(query, conversationID string) protocol.TurnRequest {
	return protocol.TurnRequest{
		Level: "A1", Story: "mercado", Chapter: "1", Section: "1",
		Query: query, ConversationID: conversationID, UserID: "u1",
	}
}

func TestPipeline_FirstTurn(t *testing.T) {
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "1. greet\n2. fruits"},
		StreamChunks:     []llm.Chunk{{Text: "Olá! "}, {Text: "Vamos ao mercado?"}, {FinishReason: "stop"}},
	}
	p, store := newTestPipeline(t, provider)
	rec := &recorder{}

	if err := p.Run(t.Context(), turnRequest("", ""), rec.emit); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []protocol.Status{
		protocol.StatusLoading,
		protocol.StatusFetchingContent,
		protocol.StatusPreparingLesson,
		protocol.StatusGeneratingLessonPlan,
		protocol.StatusStreamingResponse,
		protocol.StatusDone,
	}
	if got := rec.statuses(); !slices.Equal(got, want) {
		t.Errorf("statuses = %v, want %v", got, want)
	}
	if rec.text() != "Olá! Vamos ao mercado?" {
		t.Errorf("deltas = %q", rec.text())
	}

	id := rec.conversationID()
	if id == "" {
		t.Fatal("no conversation_id event")
	}
	conv, err := store.Get(t.Context(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if conv.Plan != "1. greet\n2. fruits" {
		t.Errorf("plan = %q", conv.Plan)
	}
	// The opening turn has no learner message.
	if len(conv.Messages) != 1 || conv.Messages[0].Role != RoleTutor || conv.Messages[0].Content != "Olá! Vamos ao mercado?" {
		t.Errorf("messages = %+v", conv.Messages)
	}

	// The plan prompt carries the lesson content.
	completes := provider.Completes()
	if len(completes) != 1 || !strings.Contains(completes[0].Req.Messages[0].Content, "Maria vai ao mercado") {
		t.Errorf("plan request = %+v", completes)
	}
}

func TestPipeline_FollowUpTurnReusesPlan(t *testing.T) {
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "plan"},
		StreamChunks:     []llm.Chunk{{Text: "Muito bem!"}},
	}
	p, store := newTestPipeline(t, provider)

	first := &recorder{}
	if err := p.Run(t.Context(), turnRequest("", ""), first.emit); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	id := first.conversationID()

	second := &recorder{}
	if err := p.Run(t.Context(), turnRequest("Eu vou ao mercado", id), second.emit); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	for _, s := range second.statuses() {
		if s == protocol.StatusGeneratingLessonPlan {
			t.Error("plan generated twice")
		}
	}
	if second.conversationID() != id {
		t.Errorf("conversation id = %q, want %q", second.conversationID(), id)
	}

	streams := provider.Streams()
	last := streams[len(streams)-1].Req
	if !strings.Contains(last.SystemPrompt, "Lesson plan:\nplan") {
		t.Errorf("system prompt lacks plan: %q", last.SystemPrompt)
	}
	if got := last.Messages[len(last.Messages)-1]; got.Role != llm.RoleUser || got.Content != "Eu vou ao mercado" {
		t.Errorf("last message = %+v", got)
	}
	if len(last.Messages) != 2 {
		t.Errorf("history length = %d, want 2", len(last.Messages))
	}

	conv, _ := store.Get(t.Context(), id)
	if len(conv.Messages) != 3 || conv.Messages[1].Role != RoleLearner {
		t.Errorf("messages = %+v", conv.Messages)
	}
}

func TestPipeline_Errors(t *testing.T) {
	tests := []struct {
		name     string
		provider *llmmock.Provider
		req      protocol.TurnRequest
		want     error
	}{
		{
			name:     "missing user",
			provider: &llmmock.Provider{},
			req:      protocol.TurnRequest{Level: "A1", Story: "mercado", Chapter: "1", Section: "1"},
			want:     ErrInvalidRequest,
		},
		{
			name:     "missing section",
			provider: &llmmock.Provider{},
			req:      protocol.TurnRequest{Level: "A1", Story: "mercado", Chapter: "1", UserID: "u1"},
			want:     ErrInvalidRequest,
		},
		{
			name:     "unknown lesson",
			provider: &llmmock.Provider{},
			req:      protocol.TurnRequest{Level: "C2", Story: "mercado", Chapter: "1", Section: "1", UserID: "u1"},
			want:     ErrLessonNotFound,
		},
		{
			name:     "unknown conversation",
			provider: &llmmock.Provider{},
			req:      turnRequest("oi", "missing"),
			want:     ErrConversationNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newTestPipeline(t, tt.provider)
			err := p.Run(t.Context(), tt.req, (&recorder{}).emit)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}

	t.Run("no llm", func(t *testing.T) {
		p := NewPipeline(mustCatalogue(t), NewMemStore(), nil)
		if err := p.Run(t.Context(), turnRequest("", ""), (&recorder{}).emit); !errors.Is(err, ErrNoLLM) {
			t.Errorf("err = %v, want ErrNoLLM", err)
		}
	})

	t.Run("stream failure persists nothing", func(t *testing.T) {
		provider := &llmmock.Provider{
			CompleteResponse: &llm.CompletionResponse{Content: "plan"},
			StreamChunks:     []llm.Chunk{{Text: "Olá"}, {FinishReason: "error", Err: errors.New("connection reset")}},
		}
		p, store := newTestPipeline(t, provider)
		rec := &recorder{}
		err := p.Run(t.Context(), turnRequest("oi", ""), rec.emit)
		if err == nil || !strings.Contains(err.Error(), "connection reset") {
			t.Fatalf("err = %v", err)
		}
		conv, _ := store.Get(t.Context(), rec.conversationID())
		if len(conv.Messages) != 0 {
			t.Errorf("messages persisted after failure: %+v", conv.Messages)
		}
	})

	t.Run("plan failure", func(t *testing.T) {
		provider := &llmmock.Provider{CompleteErr: errors.New("rate limited")}
		p, _ := newTestPipeline(t, provider)
		if err := p.Run(t.Context(), turnRequest("", ""), (&recorder{}).emit); err == nil {
			t.Error("expected error")
		}
		if n := len(provider.Streams()); n != 0 {
			t.Errorf("stream started after plan failure (%d calls)", n)
		}
	})
}

func TestPipeline_EmitErrorAborts(t *testing.T) {
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "plan"},
		StreamChunks:     []llm.Chunk{{Text: "a"}, {Text: "b"}, {Text: "c"}},
	}
	p, _ := newTestPipeline(t, provider)
	gone := errors.New("client gone")
	deltas := 0
	err := p.Run(t.Context(), turnRequest("", ""), func(ev protocol.TurnEvent) error {
		if ev.Type == protocol.TurnEventDelta {
			deltas++
			return gone
		}
		return nil
	})
	if !errors.Is(err, gone) {
		t.Errorf("err = %v, want client gone", err)
	}
	if deltas != 1 {
		t.Errorf("deltas after failure = %d, want 1", deltas)
	}
}

func TestPipeline_Evaluation(t *testing.T) {
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: `{"summary":"Good progress","strengths":["verbs"],"improvements":["articles"]}`},
		StreamChunks:     []llm.Chunk{{Text: "Certo!"}},
	}
	store := NewMemStore()
	p := NewPipeline(mustCatalogue(t), store, provider, WithEvaluator(NewEvaluator(provider, store), 2))

	first := &recorder{}
	if err := p.Run(t.Context(), turnRequest("Eu vou", ""), first.emit); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s := first.statuses(); s[len(s)-1] != protocol.StatusDone {
		t.Errorf("first turn evaluated early: %v", s)
	}

	second := &recorder{}
	if err := p.Run(t.Context(), turnRequest("ao mercado", first.conversationID()), second.emit); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s := second.statuses(); s[len(s)-1] != protocol.StatusEvaluationComplete {
		t.Errorf("statuses = %v, want trailing evaluation_complete", s)
	}

	ev, err := store.LatestEvaluation(t.Context(), "u1")
	if err != nil {
		t.Fatalf("LatestEvaluation: %v", err)
	}
	if ev.Summary != "Good progress" || ev.Level != "A1" || ev.ConversationID != first.conversationID() {
		t.Errorf("evaluation = %+v", ev)
	}
	if len(ev.Strengths) != 1 || len(ev.Improvements) != 1 {
		t.Errorf("evaluation lists = %+v", ev)
	}
}

func TestParseEvaluation(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		summary string
		wantErr bool
	}{
		{name: "json", in: `{"summary":"ok"}`, summary: "ok"},
		{name: "fenced", in: "```json\n{\"summary\":\"fenced\"}\n```", summary: "fenced"},
		{name: "plain text", in: "Solid effort.", summary: "Solid effort."},
		{name: "empty", in: "  ", wantErr: true},
		{name: "no summary", in: `{"strengths":["x"]}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := parseEvaluation(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && ev.Summary != tt.summary {
				t.Errorf("summary = %q, want %q", ev.Summary, tt.summary)
			}
		})
	}
}

func TestPipeline_SetCatalogue(t *testing.T) {
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "plan"},
		StreamChunks:     []llm.Chunk{{Text: "x"}},
	}
	p, _ := newTestPipeline(t, provider)
	p.SetCatalogue(nil)

	err := p.Run(t.Context(), turnRequest("", ""), (&recorder{}).emit)
	if !errors.Is(err, ErrLessonNotFound) {
		t.Errorf("err = %v, want ErrLessonNotFound", err)
	}
}

func TestPipeline_VocabularyCorrection(t *testing.T) {
	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "plan"},
		StreamChunks:     []llm.Chunk{{Text: "Isso!"}},
	}
	p, store := newTestPipeline(t, provider, WithVocabularyCorrection(transcript.NewCorrector()))

	rec := &recorder{}
	if err := p.Run(t.Context(), turnRequest("Eu vou ao mercadu", ""), rec.emit); err != nil {
		t.Fatalf("Run: %v", err)
	}
	conv, _ := store.Get(t.Context(), rec.conversationID())
	if len(conv.Messages) != 2 || conv.Messages[0].Content != "Eu vou ao mercado" {
		t.Errorf("messages = %+v", conv.Messages)
	}

	// Disabled again, the learner's words pass through untouched.
	p.SetVocabularyCorrection(nil)
	rec = &recorder{}
	if err := p.Run(t.Context(), turnRequest("Eu vou ao mercadu", ""), rec.emit); err != nil {
		t.Fatalf("Run: %v", err)
	}
	conv, _ = store.Get(t.Context(), rec.conversationID())
	if conv.Messages[0].Content != "Eu vou ao mercadu" {
		t.Errorf("uncorrected message = %q", conv.Messages[0].Content)
	}
}
