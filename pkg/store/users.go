package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const upsertUserSQL = `
INSERT INTO users (id, external_id, email)
VALUES ($1, $2, $3)
ON CONFLICT (external_id) DO UPDATE SET email = EXCLUDED.email
RETURNING id, external_id, email, created_at`

// UpsertUser creates or refreshes a user keyed by the identity provider's
// stable subject ID, returning the stored row either way.
func (s *Store) UpsertUser(ctx context.Context, externalID, email string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, upsertUserSQL, uuid.New(), externalID, email).
		Scan(&u.ID, &u.ExternalID, &u.Email, &u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}
	return &u, nil
}

const getUserByExternalIDSQL = `
SELECT id, external_id, email, created_at FROM users WHERE external_id = $1`

// GetUserByExternalID looks up a user by the identity provider's subject ID.
func (s *Store) GetUserByExternalID(ctx context.Context, externalID string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, getUserByExternalIDSQL, externalID).
		Scan(&u.ID, &u.ExternalID, &u.Email, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}
