package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quiverhq/quiver/pkg/crypto"
)

// Session tokens are sealed before they touch the database and unsealed on the
// way out; callers only ever see plaintext.

const upsertSessionSQL = `
INSERT INTO sessions (id, user_id, access_token, refresh_token, expires_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET
    access_token = EXCLUDED.access_token,
    refresh_token = EXCLUDED.refresh_token,
    expires_at = EXCLUDED.expires_at`

// SaveSession stores drive credentials for a user, sealing both tokens.
func (s *Store) SaveSession(ctx context.Context, sess *Session) error {
	access, err := s.sealer.Encrypt(sess.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to seal access token: %w", err)
	}
	refresh, err := s.sealer.Encrypt(sess.RefreshToken)
	if err != nil {
		return fmt.Errorf("failed to seal refresh token: %w", err)
	}
	if sess.ID == uuid.Nil {
		sess.ID = uuid.New()
	}
	_, err = s.db.ExecContext(ctx, upsertSessionSQL,
		sess.ID, sess.UserID, access, refresh, sess.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

const getSessionByUserSQL = `
SELECT id, user_id, access_token, refresh_token, expires_at, created_at
FROM sessions
WHERE user_id = $1
ORDER BY created_at DESC
LIMIT 1`

// GetSessionByUser returns the newest session for a user with tokens unsealed.
// Legacy plaintext rows pass through untouched so a rotation can proceed
// without a migration.
func (s *Store) GetSessionByUser(ctx context.Context, userID uuid.UUID) (*Session, error) {
	var sess Session
	var access, refresh string
	err := s.db.QueryRowContext(ctx, getSessionByUserSQL, userID).
		Scan(&sess.ID, &sess.UserID, &access, &refresh, &sess.ExpiresAt, &sess.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	if sess.AccessToken, err = s.unseal(access); err != nil {
		return nil, fmt.Errorf("failed to unseal access token: %w", err)
	}
	if sess.RefreshToken, err = s.unseal(refresh); err != nil {
		return nil, fmt.Errorf("failed to unseal refresh token: %w", err)
	}
	return &sess, nil
}

func (s *Store) unseal(token string) (string, error) {
	if !crypto.IsEncrypted(token) {
		return token, nil
	}
	return s.sealer.Decrypt(token)
}

const updateSessionTokensSQL = `
UPDATE sessions SET access_token = $2, refresh_token = $3, expires_at = $4
WHERE id = $1`

// UpdateSessionTokens persists refreshed credentials.
func (s *Store) UpdateSessionTokens(ctx context.Context, id uuid.UUID, accessToken, refreshToken string, expiresAt time.Time) error {
	access, err := s.sealer.Encrypt(accessToken)
	if err != nil {
		return fmt.Errorf("failed to seal access token: %w", err)
	}
	refresh, err := s.sealer.Encrypt(refreshToken)
	if err != nil {
		return fmt.Errorf("failed to seal refresh token: %w", err)
	}
	res, err := s.db.ExecContext(ctx, updateSessionTokensSQL, id, access, refresh, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to update session tokens: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession removes a session.
func (s *Store) DeleteSession(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}
