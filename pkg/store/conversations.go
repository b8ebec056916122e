package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// CreateConversation opens a new conversation over a folder.
func (s *Store) CreateConversation(ctx context.Context, folderID uuid.UUID, title string) (*Conversation, error) {
	c := &Conversation{ID: uuid.New(), FolderID: folderID, Title: title}
	err := s.db.QueryRowContext(ctx, `
INSERT INTO conversations (id, folder_id, title) VALUES ($1, $2, $3)
RETURNING created_at`, c.ID, c.FolderID, c.Title).Scan(&c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return c, nil
}

// GetConversation returns a conversation, scoped to its folder.
func (s *Store) GetConversation(ctx context.Context, folderID, conversationID uuid.UUID) (*Conversation, error) {
	var c Conversation
	err := s.db.QueryRowContext(ctx, `
SELECT id, folder_id, title, created_at FROM conversations
WHERE id = $1 AND folder_id = $2`, conversationID, folderID).
		Scan(&c.ID, &c.FolderID, &c.Title, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return &c, nil
}

// ListConversations returns a folder's conversations, newest first.
func (s *Store) ListConversations(ctx context.Context, folderID uuid.UUID) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, folder_id, title, created_at FROM conversations
WHERE folder_id = $1 ORDER BY created_at DESC`, folderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.FolderID, &c.Title, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		convs = append(convs, &c)
	}
	return convs, rows.Err()
}

// SetConversationTitle updates the display title, typically derived from the
// first user message.
func (s *Store) SetConversationTitle(ctx context.Context, conversationID uuid.UUID, title string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE conversations SET title = $2 WHERE id = $1`, conversationID, title)
	if err != nil {
		return fmt.Errorf("failed to set conversation title: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteConversation removes a conversation and its messages.
func (s *Store) DeleteConversation(ctx context.Context, folderID, conversationID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM conversations WHERE id = $1 AND folder_id = $2`, conversationID, folderID)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendMessage stores one conversation turn.
func (s *Store) AppendMessage(ctx context.Context, m *Message) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	var citations any
	if len(m.Citations) > 0 {
		b, err := json.Marshal(m.Citations)
		if err != nil {
			return fmt.Errorf("failed to marshal citations: %w", err)
		}
		citations = b
	}
	err := s.db.QueryRowContext(ctx, `
INSERT INTO messages (id, conversation_id, role, content, citations)
VALUES ($1, $2, $3, $4, $5)
RETURNING created_at`, m.ID, m.ConversationID, m.Role, m.Content, citations).
		Scan(&m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// ListMessages returns a conversation's messages in chronological order.
func (s *Store) ListMessages(ctx context.Context, conversationID uuid.UUID) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, conversation_id, role, content, citations, created_at FROM messages
WHERE conversation_id = $1 ORDER BY created_at ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		var m Message
		var citations []byte
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &citations, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if len(citations) > 0 {
			if err := json.Unmarshal(citations, &m.Citations); err != nil {
				return nil, fmt.Errorf("failed to decode citations: %w", err)
			}
		}
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}
