package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/MikeSquared-Agency/parley/internal/conversation"
)

// Save upserts a conversation document under the owner's key.
func (s *Store) Save(ctx context.Context, owner string, c conversation.Conversation) error {
	messages, err := json.Marshal(messagesOrEmpty(c.Messages))
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO conversations (owner_key, id, title, messages, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (owner_key, id)
		DO UPDATE SET
			title = $3,
			messages = $4,
			updated_at = $6`,
		owner, c.ID, c.Title, messages, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	return nil
}

// LoadAll returns every conversation stored for owner, oldest first.
func (s *Store) LoadAll(ctx context.Context, owner string) ([]conversation.Conversation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, title, messages, created_at, updated_at
		FROM conversations
		WHERE owner_key = $1
		ORDER BY created_at, id`,
		owner,
	)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (conversation.Conversation, error) {
		var (
			c   conversation.Conversation
			raw []byte
		)
		if err := row.Scan(&c.ID, &c.Title, &raw, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return c, err
		}
		if err := json.Unmarshal(raw, &c.Messages); err != nil {
			return c, fmt.Errorf("decode messages of %s: %w", c.ID, err)
		}
		return c, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan conversations: %w", err)
	}
	return out, nil
}

// Delete removes a conversation. Deleting a missing id is not an error.
func (s *Store) Delete(ctx context.Context, owner, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM conversations WHERE owner_key = $1 AND id = $2`, owner, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

func messagesOrEmpty(m []conversation.Message) []conversation.Message {
	if m == nil {
		return []conversation.Message{}
	}
	return m
}
