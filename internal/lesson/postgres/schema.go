// Package postgres provides a PostgreSQL-backed [lesson.Store].
//
// Conversations, their messages and learner evaluations live in three tables
// sharing one [pgxpool.Pool]. [Migrate] creates them if they do not exist.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlConversations = `
CREATE TABLE IF NOT EXISTS conversations (
    id          TEXT         PRIMARY KEY,
    user_id     TEXT         NOT NULL,
    level       TEXT         NOT NULL,
    story       TEXT         NOT NULL,
    chapter     TEXT         NOT NULL,
    section     TEXT         NOT NULL,
    plan        TEXT         NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_conversations_user_id
    ON conversations (user_id);

CREATE TABLE IF NOT EXISTS conversation_messages (
    id               BIGSERIAL    PRIMARY KEY,
    conversation_id  TEXT         NOT NULL REFERENCES conversations (id) ON DELETE CASCADE,
    role             TEXT         NOT NULL,
    content          TEXT         NOT NULL,
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_conversation_messages_conversation
    ON conversation_messages (conversation_id, id);
`

const ddlEvaluations = `
CREATE TABLE IF NOT EXISTS evaluations (
    id               BIGSERIAL    PRIMARY KEY,
    user_id          TEXT         NOT NULL,
    conversation_id  TEXT         NOT NULL DEFAULT '',
    level            TEXT         NOT NULL DEFAULT '',
    summary          TEXT         NOT NULL,
    strengths        TEXT[]       NOT NULL DEFAULT '{}',
    improvements     TEXT[]       NOT NULL DEFAULT '{}',
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_evaluations_user_created
    ON evaluations (user_id, created_at DESC);
`

// Migrate creates all tables and indexes used by [Store]. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []struct {
		name string
		sql  string
	}{
		{"conversations", ddlConversations},
		{"evaluations", ddlEvaluations},
	} {
		if _, err := pool.Exec(ctx, stmt.sql); err != nil {
			return fmt.Errorf("migrate %s: %w", stmt.name, err)
		}
	}
	return nil
}
