package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Turn is one archived user/assistant exchange. The archive is write-only
// from the relay's point of view; history is never reloaded from it.
type Turn struct {
	ID               uuid.UUID `json:"id"`
	ConversationKey  string    `json:"conversation"`
	ChannelID        string    `json:"channel_id"`
	MessageID        string    `json:"message_id"`
	AuthorID         string    `json:"author_id"`
	UserContent      string    `json:"user_content"`
	AssistantContent string    `json:"assistant_content"`
	Outcome          string    `json:"outcome"`
	DurationMS       int64     `json:"duration_ms"`
	CreatedAt        time.Time `json:"created_at"`
}

// WriteTurn inserts a turn, assigning an ID when t.ID is nil.
func (s *Store) WriteTurn(ctx context.Context, t Turn) (uuid.UUID, error) {
	id := t.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO parley_turns (id, conversation_key, channel_id, message_id, author_id, user_content, assistant_content, outcome, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())`,
		id, t.ConversationKey, t.ChannelID, t.MessageID, t.AuthorID, t.UserContent, t.AssistantContent, t.Outcome, t.DurationMS,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert turn: %w", err)
	}
	return id, nil
}

// RecentTurns returns up to limit turns, newest first. An empty
// conversationKey matches every conversation.
func (s *Store) RecentTurns(ctx context.Context, conversationKey string, limit int) ([]Turn, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_key, channel_id, message_id, author_id, user_content, assistant_content, outcome, duration_ms, created_at
		FROM parley_turns
		WHERE $1 = '' OR conversation_key = $1
		ORDER BY created_at DESC
		LIMIT $2`,
		conversationKey, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.ID, &t.ConversationKey, &t.ChannelID, &t.MessageID, &t.AuthorID, &t.UserContent, &t.AssistantContent, &t.Outcome, &t.DurationMS, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return turns, nil
}
