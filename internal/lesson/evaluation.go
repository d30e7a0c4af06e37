package lesson

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/fluentia/pkg/protocol"
	"github.com/MrWong99/fluentia/pkg/provider/llm"
)

// Evaluator summarises a learner's performance in a conversation and stores
// the result as the learner's latest evaluation.
type Evaluator struct {
	llm   llm.Provider
	store Store
	now   func() time.Time
}

// NewEvaluator returns an Evaluator that asks provider and saves to store.
func NewEvaluator(provider llm.Provider, store Store) *Evaluator {
	return &Evaluator{llm: provider, store: store, now: time.Now}
}

// Evaluate grades conversation c of lesson l and saves the evaluation.
func (e *Evaluator) Evaluate(ctx context.Context, l Lesson, c Conversation) (protocol.Evaluation, error) {
	resp, err := e.llm.Complete(ctx, evaluationRequest(l, c))
	if err != nil {
		return protocol.Evaluation{}, fmt.Errorf("lesson: evaluate: %w", err)
	}
	if resp == nil {
		return protocol.Evaluation{}, errors.New("lesson: evaluate: empty response")
	}
	ev, err := parseEvaluation(resp.Content)
	if err != nil {
		return protocol.Evaluation{}, err
	}
	ev.UserID = c.UserID
	ev.ConversationID = c.ID
	ev.Level = c.Key.Level
	ev.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.store.SaveEvaluation(ctx, ev); err != nil {
		return protocol.Evaluation{}, fmt.Errorf("lesson: save evaluation: %w", err)
	}
	return ev, nil
}

// parseEvaluation reads the model's JSON answer. Models sometimes wrap it in
// prose or a code fence, so the outermost object is extracted first. Plain
// text without an object becomes the summary.
func parseEvaluation(content string) (protocol.Evaluation, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return protocol.Evaluation{}, errors.New("lesson: evaluate: empty response")
	}

	start, end := strings.Index(content, "{"), strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return protocol.Evaluation{Summary: content}, nil
	}
	var raw struct {
		Summary      string   `json:"summary"`
		Strengths    []string `json:"strengths"`
		Improvements []string `json:"improvements"`
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), &raw); err != nil {
		return protocol.Evaluation{Summary: content}, nil
	}
	if strings.TrimSpace(raw.Summary) == "" {
		return protocol.Evaluation{}, errors.New("lesson: evaluate: response has no summary")
	}
	return protocol.Evaluation{
		Summary:      strings.TrimSpace(raw.Summary),
		Strengths:    raw.Strengths,
		Improvements: raw.Improvements,
	}, nil
}
