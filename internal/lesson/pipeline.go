package lesson

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/fluentia/internal/observe"
	"github.com/MrWong99/fluentia/internal/transcript"
	"github.com/MrWong99/fluentia/pkg/protocol"
	"github.com/MrWong99/fluentia/pkg/provider/llm"
)

// ErrInvalidRequest is returned for turn requests without a user id or
// without a complete lesson selector.
var ErrInvalidRequest = errors.New("lesson: invalid turn request")

// ErrNoLLM is returned when a turn needs the LLM and none is configured.
var ErrNoLLM = errors.New("lesson: no LLM provider configured")

// Emit delivers one turn event to the client. An error aborts the turn.
type Emit func(protocol.TurnEvent) error

// Pipeline runs lesson turns. It is safe for concurrent use.
type Pipeline struct {
	catalogue     atomic.Pointer[Catalogue]
	store         Store
	llm           llm.Provider
	evaluator     *Evaluator
	evaluateEvery atomic.Int64
	corrector     atomic.Pointer[transcript.Corrector]
	metrics       *observe.Metrics
}

// PipelineOption configures a [Pipeline].
type PipelineOption func(*Pipeline)

// WithEvaluator enables learner evaluations after every n-th learner
// message. n <= 0 disables them.
func WithEvaluator(e *Evaluator, n int) PipelineOption {
	return func(p *Pipeline) {
		p.evaluator = e
		p.evaluateEvery.Store(int64(n))
	}
}

// WithPipelineMetrics sets the metrics sink. Defaults to
// [observe.DefaultMetrics].
func WithPipelineMetrics(m *observe.Metrics) PipelineOption {
	return func(p *Pipeline) { p.metrics = m }
}

// WithVocabularyCorrection rewrites learner messages so that misrecognised
// lesson vocabulary is spelled as in the catalogue. nil disables it.
func WithVocabularyCorrection(c *transcript.Corrector) PipelineOption {
	return func(p *Pipeline) { p.corrector.Store(c) }
}

// NewPipeline returns a Pipeline over catalogue, store and provider.
// provider may be nil; turns then fail with [ErrNoLLM].
func NewPipeline(catalogue *Catalogue, store Store, provider llm.Provider, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{store: store, llm: provider}
	p.catalogue.Store(catalogue)
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// SetCatalogue replaces the catalogue for subsequent turns.
func (p *Pipeline) SetCatalogue(c *Catalogue) { p.catalogue.Store(c) }

// SetEvaluateEvery changes the evaluation interval for subsequent turns.
func (p *Pipeline) SetEvaluateEvery(n int) { p.evaluateEvery.Store(int64(n)) }

// SetVocabularyCorrection swaps the corrector for subsequent turns. nil
// disables correction.
func (p *Pipeline) SetVocabularyCorrection(c *transcript.Corrector) { p.corrector.Store(c) }

// Store returns the conversation store.
func (p *Pipeline) Store() Store { return p.store }

// Run executes one turn, reporting progress through emit:
//
//	loading → fetching_content → preparing_lesson → [generating_lesson_plan]
//	→ streaming_response (deltas) → done → [evaluation_complete]
//
// The conversation id is emitted as soon as it is known. When Run returns an
// error the turn produced no persisted tutor message.
func (p *Pipeline) Run(ctx context.Context, req protocol.TurnRequest, emit Emit) error {
	log := observe.Logger(ctx)
	start := time.Now()

	if err := emit(protocol.StatusEvent(protocol.StatusLoading)); err != nil {
		return err
	}

	key := Key{
		Level:   strings.TrimSpace(req.Level),
		Story:   strings.TrimSpace(req.Story),
		Chapter: strings.TrimSpace(req.Chapter),
		Section: strings.TrimSpace(req.Section),
	}
	if req.UserID == "" {
		return fmt.Errorf("%w: userId is required", ErrInvalidRequest)
	}
	if !key.Complete() {
		return fmt.Errorf("%w: level, story, chapter and section are required", ErrInvalidRequest)
	}
	if p.llm == nil {
		return ErrNoLLM
	}

	if err := emit(protocol.StatusEvent(protocol.StatusFetchingContent)); err != nil {
		return err
	}
	lesson, conv, err := p.fetch(ctx, key, req)
	if err != nil {
		return err
	}
	if err := emit(protocol.ConversationIDEvent(conv.ID)); err != nil {
		return err
	}

	if err := emit(protocol.StatusEvent(protocol.StatusPreparingLesson)); err != nil {
		return err
	}
	if conv.Plan == "" {
		if err := emit(protocol.StatusEvent(protocol.StatusGeneratingLessonPlan)); err != nil {
			return err
		}
		plan, err := p.generatePlan(ctx, lesson)
		if err != nil {
			return err
		}
		if err := p.store.SetPlan(ctx, conv.ID, plan); err != nil {
			return fmt.Errorf("lesson: save plan: %w", err)
		}
		conv.Plan = plan
	}

	if err := emit(protocol.StatusEvent(protocol.StatusStreamingResponse)); err != nil {
		return err
	}
	query := p.correct(ctx, lesson, strings.TrimSpace(req.Query))
	reply, err := p.streamReply(ctx, lesson, conv, query, emit)
	if err != nil {
		return err
	}

	msgs := make([]Message, 0, 2)
	if query != "" {
		msgs = append(msgs, Message{Role: RoleLearner, Content: query})
	}
	msgs = append(msgs, Message{Role: RoleTutor, Content: reply})
	if err := p.store.AppendMessages(ctx, conv.ID, msgs...); err != nil {
		return fmt.Errorf("lesson: save turn: %w", err)
	}
	conv.Messages = append(conv.Messages, msgs...)

	if err := emit(protocol.StatusEvent(protocol.StatusDone)); err != nil {
		return err
	}
	p.metrics.TurnDuration.Record(ctx, time.Since(start).Seconds())
	log.Info("lesson turn done",
		"conversation_id", conv.ID,
		"lesson", key.String(),
		"reply_chars", len(reply),
		"duration", time.Since(start).Round(time.Millisecond),
	)

	if p.shouldEvaluate(conv, query) {
		if _, err := p.evaluator.Evaluate(ctx, lesson, conv); err != nil {
			log.Warn("lesson: evaluation failed", "conversation_id", conv.ID, "err", err)
			return nil
		}
		if err := emit(protocol.StatusEvent(protocol.StatusEvaluationComplete)); err != nil {
			return err
		}
	}
	return nil
}

// correct applies vocabulary correction to a learner message.
func (p *Pipeline) correct(ctx context.Context, l Lesson, query string) string {
	c := p.corrector.Load()
	if c == nil || query == "" || len(l.Vocabulary) == 0 {
		return query
	}
	fixed, corrections := c.Correct(query, l.Vocabulary)
	for _, fix := range corrections {
		observe.Logger(ctx).Debug("vocabulary corrected",
			"lesson", l.Key.String(),
			"heard", fix.Original,
			"corrected", fix.Corrected,
			"score", fix.Score)
	}
	return fixed
}

// fetch loads the lesson content and the conversation concurrently. A
// missing conversation id starts a new conversation.
func (p *Pipeline) fetch(ctx context.Context, key Key, req protocol.TurnRequest) (Lesson, Conversation, error) {
	var (
		lesson Lesson
		conv   Conversation
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		l, err := p.catalogue.Load().Lookup(key)
		if err != nil {
			return err
		}
		lesson = l
		return nil
	})
	g.Go(func() error {
		if req.ConversationID == "" {
			return nil
		}
		c, err := p.store.Get(gctx, req.ConversationID)
		if err != nil {
			return fmt.Errorf("lesson: load conversation %q: %w", req.ConversationID, err)
		}
		if c.UserID != req.UserID {
			return fmt.Errorf("lesson: load conversation %q: %w", req.ConversationID, ErrConversationNotFound)
		}
		conv = c
		return nil
	})
	if err := g.Wait(); err != nil {
		return Lesson{}, Conversation{}, err
	}

	if conv.ID == "" {
		c, err := p.store.Create(ctx, Conversation{UserID: req.UserID, Key: key})
		if err != nil {
			return Lesson{}, Conversation{}, fmt.Errorf("lesson: create conversation: %w", err)
		}
		conv = c
	}
	return lesson, conv, nil
}

func (p *Pipeline) generatePlan(ctx context.Context, l Lesson) (plan string, err error) {
	ctx, span := observe.StartSpan(ctx, "lesson.plan", observe.Attr("lesson", l.Key.String()))
	defer func() { observe.EndSpan(span, err) }()

	start := time.Now()
	resp, err := p.llm.Complete(ctx, planRequest(l))
	p.recordLLM(ctx, "plan", start, err)
	if err != nil {
		return "", fmt.Errorf("lesson: generate plan: %w", err)
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return "", errors.New("lesson: generate plan: empty response")
	}
	return strings.TrimSpace(resp.Content), nil
}

func (p *Pipeline) streamReply(ctx context.Context, l Lesson, c Conversation, query string, emit Emit) (reply string, err error) {
	ctx, span := observe.StartSpan(ctx, "lesson.reply",
		observe.Attr("lesson", l.Key.String()),
		observe.Attr("conversation_id", c.ID))
	defer func() { observe.EndSpan(span, err) }()

	start := time.Now()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := p.llm.StreamCompletion(ctx, tutorRequest(l, c, query))
	if err != nil {
		p.recordLLM(ctx, "stream", start, err)
		return "", fmt.Errorf("lesson: start reply: %w", err)
	}

	var b strings.Builder
	var streamErr error
	for chunk := range ch {
		if chunk.Err != nil {
			streamErr = chunk.Err
			continue
		}
		if chunk.Text == "" || streamErr != nil {
			continue
		}
		b.WriteString(chunk.Text)
		if err := emit(protocol.DeltaEvent(chunk.Text)); err != nil {
			// Stop the backend and drain so its goroutine exits.
			streamErr = err
			cancel()
		}
	}
	p.recordLLM(ctx, "stream", start, streamErr)
	if streamErr != nil {
		return "", fmt.Errorf("lesson: stream reply: %w", streamErr)
	}
	reply = strings.TrimSpace(b.String())
	if reply == "" {
		return "", errors.New("lesson: stream reply: empty response")
	}
	return reply, nil
}

func (p *Pipeline) shouldEvaluate(c Conversation, query string) bool {
	n := int(p.evaluateEvery.Load())
	if p.evaluator == nil || n <= 0 || query == "" {
		return false
	}
	return c.LearnerTurns()%n == 0
}

func (p *Pipeline) recordLLM(ctx context.Context, kind string, start time.Time, err error) {
	ctx = context.WithoutCancel(ctx)
	p.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("kind", kind)))
	status := "ok"
	if err != nil {
		status = "error"
		p.metrics.RecordProviderError(ctx, p.llm.Name(), kind)
	}
	p.metrics.RecordProviderRequest(ctx, p.llm.Name(), kind, status)
}
