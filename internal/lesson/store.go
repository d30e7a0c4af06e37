package lesson

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/fluentia/pkg/protocol"
)

// ErrConversationNotFound is returned when a conversation id is unknown.
var ErrConversationNotFound = errors.New("lesson: conversation not found")

// ErrEvaluationNotFound is returned when a learner has no evaluation yet.
var ErrEvaluationNotFound = errors.New("lesson: evaluation not found")

// Role of a conversation message.
const (
	RoleLearner = "user"
	RoleTutor   = "assistant"
)

// Message is one entry of a conversation history.
type Message struct {
	Role      string
	Content   string
	CreatedAt time.Time
}

// Conversation is a learner's dialogue about one lesson section.
type Conversation struct {
	ID        string
	UserID    string
	Key       Key
	Plan      string
	Messages  []Message
	CreatedAt time.Time
	UpdatedAt time.Time
}

// LearnerTurns counts the learner messages in the conversation.
func (c Conversation) LearnerTurns() int {
	n := 0
	for _, m := range c.Messages {
		if m.Role == RoleLearner {
			n++
		}
	}
	return n
}

// Store persists conversations and evaluations. Implementations must be safe
// for concurrent use.
type Store interface {
	// Create stores a new conversation. An empty ID is replaced by a fresh
	// UUID. The stored conversation is returned.
	Create(ctx context.Context, c Conversation) (Conversation, error)

	// Get returns the conversation with its full history, or
	// [ErrConversationNotFound].
	Get(ctx context.Context, id string) (Conversation, error)

	// SetPlan records the lesson plan of a conversation.
	SetPlan(ctx context.Context, id, plan string) error

	// AppendMessages adds msgs to the end of the conversation history.
	AppendMessages(ctx context.Context, id string, msgs ...Message) error

	// SaveEvaluation stores ev as the latest evaluation of ev.UserID.
	SaveEvaluation(ctx context.Context, ev protocol.Evaluation) error

	// LatestEvaluation returns the newest evaluation of userID, or
	// [ErrEvaluationNotFound].
	LatestEvaluation(ctx context.Context, userID string) (protocol.Evaluation, error)

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
}

// MemStore is an in-memory [Store]. It is used when no database is
// configured and in tests.
type MemStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	evaluations   map[string]protocol.Evaluation
	now           func() time.Time
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		conversations: make(map[string]*Conversation),
		evaluations:   make(map[string]protocol.Evaluation),
		now:           time.Now,
	}
}

// Create implements [Store].
func (s *MemStore) Create(_ context.Context, c Conversation) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if _, exists := s.conversations[c.ID]; exists {
		return Conversation{}, errors.New("lesson: conversation already exists")
	}
	now := s.now()
	c.CreatedAt, c.UpdatedAt = now, now
	c.Messages = slices.Clone(c.Messages)
	s.conversations[c.ID] = &c
	return clone(c), nil
}

// Get implements [Store].
func (s *MemStore) Get(_ context.Context, id string) (Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return Conversation{}, ErrConversationNotFound
	}
	return clone(*c), nil
}

// SetPlan implements [Store].
func (s *MemStore) SetPlan(_ context.Context, id, plan string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return ErrConversationNotFound
	}
	c.Plan = plan
	c.UpdatedAt = s.now()
	return nil
}

// AppendMessages implements [Store].
func (s *MemStore) AppendMessages(_ context.Context, id string, msgs ...Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return ErrConversationNotFound
	}
	now := s.now()
	for _, m := range msgs {
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		c.Messages = append(c.Messages, m)
	}
	c.UpdatedAt = now
	return nil
}

// SaveEvaluation implements [Store].
func (s *MemStore) SaveEvaluation(_ context.Context, ev protocol.Evaluation) error {
	if ev.UserID == "" {
		return errors.New("lesson: evaluation without user id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ev.Strengths = slices.Clone(ev.Strengths)
	ev.Improvements = slices.Clone(ev.Improvements)
	s.evaluations[ev.UserID] = ev
	return nil
}

// LatestEvaluation implements [Store].
func (s *MemStore) LatestEvaluation(_ context.Context, userID string) (protocol.Evaluation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.evaluations[userID]
	if !ok {
		return protocol.Evaluation{}, ErrEvaluationNotFound
	}
	return ev, nil
}

// Ping implements [Store]. It always succeeds.
func (s *MemStore) Ping(context.Context) error { return nil }

func clone(c Conversation) Conversation {
	c.Messages = slices.Clone(c.Messages)
	return c
}
