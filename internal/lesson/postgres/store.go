package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/fluentia/internal/lesson"
	"github.com/MrWong99/fluentia/pkg/protocol"
)

var _ lesson.Store = (*Store)(nil)

// Store implements [lesson.Store] on PostgreSQL. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection and runs
// [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping implements [lesson.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Create implements [lesson.Store]. Initial messages are inserted in the same
// transaction as the conversation row.
func (s *Store) Create(ctx context.Context, c lesson.Conversation) (lesson.Conversation, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return lesson.Conversation{}, fmt.Errorf("postgres store: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	const q = `
		INSERT INTO conversations (id, user_id, level, story, chapter, section, plan)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`
	err = tx.QueryRow(ctx, q,
		c.ID, c.UserID, c.Key.Level, c.Key.Story, c.Key.Chapter, c.Key.Section, c.Plan,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return lesson.Conversation{}, fmt.Errorf("postgres store: create conversation: %w", err)
	}
	if err := insertMessages(ctx, tx, c.ID, c.Messages); err != nil {
		return lesson.Conversation{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return lesson.Conversation{}, fmt.Errorf("postgres store: commit: %w", err)
	}
	return c, nil
}

// Get implements [lesson.Store].
func (s *Store) Get(ctx context.Context, id string) (lesson.Conversation, error) {
	const q = `
		SELECT id, user_id, level, story, chapter, section, plan, created_at, updated_at
		FROM   conversations
		WHERE  id = $1`

	var c lesson.Conversation
	err := s.pool.QueryRow(ctx, q, id).Scan(
		&c.ID, &c.UserID,
		&c.Key.Level, &c.Key.Story, &c.Key.Chapter, &c.Key.Section,
		&c.Plan, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return lesson.Conversation{}, lesson.ErrConversationNotFound
	}
	if err != nil {
		return lesson.Conversation{}, fmt.Errorf("postgres store: get conversation: %w", err)
	}

	const qm = `
		SELECT role, content, created_at
		FROM   conversation_messages
		WHERE  conversation_id = $1
		ORDER  BY id`
	rows, err := s.pool.Query(ctx, qm, id)
	if err != nil {
		return lesson.Conversation{}, fmt.Errorf("postgres store: get messages: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (lesson.Message, error) {
		var m lesson.Message
		err := row.Scan(&m.Role, &m.Content, &m.CreatedAt)
		return m, err
	})
	if err != nil {
		return lesson.Conversation{}, fmt.Errorf("postgres store: scan messages: %w", err)
	}
	c.Messages = msgs
	return c, nil
}

// SetPlan implements [lesson.Store].
func (s *Store) SetPlan(ctx context.Context, id, plan string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET plan = $2, updated_at = now() WHERE id = $1`, id, plan)
	if err != nil {
		return fmt.Errorf("postgres store: set plan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return lesson.ErrConversationNotFound
	}
	return nil
}

// AppendMessages implements [lesson.Store].
func (s *Store) AppendMessages(ctx context.Context, id string, msgs ...lesson.Message) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres store: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	tag, err := tx.Exec(ctx, `UPDATE conversations SET updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres store: touch conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return lesson.ErrConversationNotFound
	}
	if err := insertMessages(ctx, tx, id, msgs); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres store: commit: %w", err)
	}
	return nil
}

func insertMessages(ctx context.Context, tx pgx.Tx, id string, msgs []lesson.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	now := time.Now()
	for _, m := range msgs {
		created := m.CreatedAt
		if created.IsZero() {
			created = now
		}
		batch.Queue(`
			INSERT INTO conversation_messages (conversation_id, role, content, created_at)
			VALUES ($1, $2, $3, $4)`, id, m.Role, m.Content, created)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres store: insert messages: %w", err)
	}
	return nil
}

// SaveEvaluation implements [lesson.Store].
func (s *Store) SaveEvaluation(ctx context.Context, ev protocol.Evaluation) error {
	if ev.UserID == "" {
		return errors.New("postgres store: evaluation without user id")
	}
	const q = `
		INSERT INTO evaluations (user_id, conversation_id, level, summary, strengths, improvements)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := s.pool.Exec(ctx, q,
		ev.UserID, ev.ConversationID, ev.Level, ev.Summary,
		nonNil(ev.Strengths), nonNil(ev.Improvements),
	)
	if err != nil {
		return fmt.Errorf("postgres store: save evaluation: %w", err)
	}
	return nil
}

// LatestEvaluation implements [lesson.Store].
func (s *Store) LatestEvaluation(ctx context.Context, userID string) (protocol.Evaluation, error) {
	const q = `
		SELECT user_id, conversation_id, level, summary, strengths, improvements, created_at
		FROM   evaluations
		WHERE  user_id = $1
		ORDER  BY created_at DESC, id DESC
		LIMIT  1`

	var (
		ev      protocol.Evaluation
		created time.Time
	)
	err := s.pool.QueryRow(ctx, q, userID).Scan(
		&ev.UserID, &ev.ConversationID, &ev.Level, &ev.Summary,
		&ev.Strengths, &ev.Improvements, &created,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return protocol.Evaluation{}, lesson.ErrEvaluationNotFound
	}
	if err != nil {
		return protocol.Evaluation{}, fmt.Errorf("postgres store: latest evaluation: %w", err)
	}
	ev.UpdatedAt = created.UTC().Format(time.RFC3339)
	return ev, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
