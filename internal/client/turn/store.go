package turn

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"
)

// MemoryStore is a [SessionStore] that keeps the conversation in memory and
// optionally writes it to a YAML file on SaveConversation.
type MemoryStore struct {
	path string

	mu             sync.Mutex
	messages       []Message
	conversationID string
	submitting     bool
	saves          int
}

// NewMemoryStore returns an empty store. A non-empty path receives the
// conversation on every save.
func NewMemoryStore(path string) *MemoryStore {
	return &MemoryStore{path: path}
}

var _ SessionStore = (*MemoryStore)(nil)

// AddMessage implements [SessionStore].
func (s *MemoryStore) AddMessage(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
}

// Messages returns a copy of the conversation.
func (s *MemoryStore) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages)
}

// ConversationID implements [SessionStore].
func (s *MemoryStore) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// SetConversationID implements [SessionStore].
func (s *MemoryStore) SetConversationID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversationID = id
}

// IsSubmitting implements [SessionStore].
func (s *MemoryStore) IsSubmitting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submitting
}

// SetSubmitting implements [SessionStore].
func (s *MemoryStore) SetSubmitting(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitting = v
}

// Saves returns how often the conversation was saved.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

type savedConversation struct {
	ConversationID string         `yaml:"conversation_id"`
	Messages       []savedMessage `yaml:"messages"`
}

type savedMessage struct {
	Role    string `yaml:"role"`
	Content string `yaml:"content"`
	Failed  bool   `yaml:"failed,omitempty"`
}

// SaveConversation implements [SessionStore].
func (s *MemoryStore) SaveConversation(_ context.Context) error {
	s.mu.Lock()
	s.saves++
	doc := savedConversation{ConversationID: s.conversationID}
	for _, m := range s.messages {
		doc.Messages = append(doc.Messages, savedMessage(m))
	}
	s.mu.Unlock()

	if s.path == "" {
		return nil
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("turn: encode conversation: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("turn: save conversation: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("turn: save conversation: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("turn: save conversation: %w", err)
	}
	return nil
}
