package worker

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/quiverhq/quiver/pkg/drive"
	"github.com/quiverhq/quiver/pkg/store"
)

// SessionStore is the credential surface shared by the worker and sync.
type SessionStore interface {
	GetSessionByUser(ctx context.Context, userID uuid.UUID) (*store.Session, error)
	UpdateSessionTokens(ctx context.Context, id uuid.UUID, accessToken, refreshToken string, expiresAt time.Time) error
	DeleteSession(ctx context.Context, id uuid.UUID) error
}

// TokenRefresher exchanges refresh tokens for fresh credentials.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (*drive.Credentials, error)
}

// ResolveAccessToken returns a usable access token for a user, refreshing an
// expired session in place. A missing session or a rejected refresh is an
// auth failure — permanent for the pipeline — and a rejected refresh also
// drops the session. Safe to call concurrently; the session row is
// last-writer-wins.
func ResolveAccessToken(ctx context.Context, sessions SessionStore, refresher TokenRefresher, userID uuid.UUID) (string, error) {
	sess, err := sessions.GetSessionByUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return "", mark(KindAuth, "no session for user %s", userID)
	}
	if err != nil {
		return "", err
	}

	if !sess.Expired(time.Now()) {
		return sess.AccessToken, nil
	}

	creds, err := refresher.Refresh(ctx, sess.RefreshToken)
	if errors.Is(err, drive.ErrUnauthorized) {
		if delErr := sessions.DeleteSession(ctx, sess.ID); delErr != nil {
			return "", delErr
		}
		return "", mark(KindAuth, "token refresh rejected for user %s", userID)
	}
	if err != nil {
		return "", err
	}

	refreshToken := creds.RefreshToken
	if refreshToken == "" {
		refreshToken = sess.RefreshToken
	}
	if err := sessions.UpdateSessionTokens(ctx, sess.ID, creds.AccessToken, refreshToken, creds.ExpiresAt); err != nil {
		return "", err
	}
	return creds.AccessToken, nil
}
