package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS parley_turns (
	id                uuid PRIMARY KEY,
	conversation_key  text NOT NULL,
	channel_id        text NOT NULL,
	message_id        text NOT NULL,
	author_id         text NOT NULL,
	user_content      text NOT NULL,
	assistant_content text NOT NULL,
	outcome           text NOT NULL,
	duration_ms       bigint NOT NULL DEFAULT 0,
	created_at        timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_parley_turns_conversation ON parley_turns (conversation_key, created_at DESC);
`

// Migrate creates the archive table if it does not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *Store) Close() {
	s.pool.Close()
}
