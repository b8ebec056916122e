package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const createFolderSQL = `
INSERT INTO folders (id, user_id, remote_folder_id, name, status)
VALUES ($1, $2, $3, $4, $5)
RETURNING created_at`

// CreateFolder registers a remote folder for indexing.
func (s *Store) CreateFolder(ctx context.Context, userID uuid.UUID, remoteFolderID, name string) (*Folder, error) {
	f := &Folder{
		ID:             uuid.New(),
		UserID:         userID,
		RemoteFolderID: remoteFolderID,
		Name:           name,
		Status:         FolderPending,
	}
	err := s.db.QueryRowContext(ctx, createFolderSQL,
		f.ID, f.UserID, f.RemoteFolderID, f.Name, f.Status).Scan(&f.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create folder: %w", err)
	}
	return f, nil
}

const folderColumns = `id, user_id, remote_folder_id, name, status, files_total, files_indexed, last_synced_at, created_at`

func scanFolder(row interface{ Scan(...any) error }) (*Folder, error) {
	var f Folder
	err := row.Scan(&f.ID, &f.UserID, &f.RemoteFolderID, &f.Name, &f.Status,
		&f.FilesTotal, &f.FilesIndexed, &f.LastSyncedAt, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan folder: %w", err)
	}
	return &f, nil
}

// GetFolder returns a folder scoped to its owner.
func (s *Store) GetFolder(ctx context.Context, userID, folderID uuid.UUID) (*Folder, error) {
	query := `SELECT ` + folderColumns + ` FROM folders WHERE id = $1 AND user_id = $2`
	return scanFolder(s.db.QueryRowContext(ctx, query, folderID, userID))
}

// GetFolderByID returns a folder without owner scoping, for worker and sync
// paths that start from a job row.
func (s *Store) GetFolderByID(ctx context.Context, folderID uuid.UUID) (*Folder, error) {
	query := `SELECT ` + folderColumns + ` FROM folders WHERE id = $1`
	return scanFolder(s.db.QueryRowContext(ctx, query, folderID))
}

// ListFolders returns all folders owned by a user, newest first.
func (s *Store) ListFolders(ctx context.Context, userID uuid.UUID) ([]*Folder, error) {
	query := `SELECT ` + folderColumns + ` FROM folders WHERE user_id = $1 ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}
	defer rows.Close()

	var folders []*Folder
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, err
		}
		folders = append(folders, f)
	}
	return folders, rows.Err()
}

// DeleteFolder hard-deletes a folder; files, chunks, jobs, and conversations
// go with it via ON DELETE CASCADE in a single statement.
func (s *Store) DeleteFolder(ctx context.Context, userID, folderID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM folders WHERE id = $1 AND user_id = $2`, folderID, userID)
	if err != nil {
		return fmt.Errorf("failed to delete folder: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetFolderStatus transitions a folder directly, bypassing the rollup.
func (s *Store) SetFolderStatus(ctx context.Context, folderID uuid.UUID, status FolderStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE folders SET status = $2 WHERE id = $1`, folderID, status)
	if err != nil {
		return fmt.Errorf("failed to set folder status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetFolderSynced stamps the end of a sync pass; the throttle window is
// measured from this timestamp.
func (s *Store) SetFolderSynced(ctx context.Context, folderID uuid.UUID, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE folders SET last_synced_at = $2 WHERE id = $1`, folderID, at)
	if err != nil {
		return fmt.Errorf("failed to set folder sync time: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// rollupStatus applies the folder progress rule: ready once every file has
// reached a terminal status (indexed or skipped), indexing otherwise. An
// empty folder is trivially ready.
func rollupStatus(total, terminal int) FolderStatus {
	if terminal == total {
		return FolderReady
	}
	return FolderIndexing
}

const countFolderFilesSQL = `
SELECT COUNT(*), COUNT(*) FILTER (WHERE status IN ('indexed', 'skipped'))
FROM files WHERE folder_id = $1`

// RecomputeFolderProgress rolls file statuses up into the folder row and
// returns the resulting status. Skipped files count toward files_indexed so a
// folder can finish around files that will never index. The folder row is
// locked first so concurrent workers serialize and the last commit carries
// the freshest counts.
func (s *Store) RecomputeFolderProgress(ctx context.Context, folderID uuid.UUID) (FolderStatus, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin progress rollup: %w", err)
	}
	defer tx.Rollback()

	var locked uuid.UUID
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM folders WHERE id = $1 FOR UPDATE`, folderID).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to lock folder: %w", err)
	}

	var total, terminal int
	if err := tx.QueryRowContext(ctx, countFolderFilesSQL, folderID).Scan(&total, &terminal); err != nil {
		return "", fmt.Errorf("failed to count folder files: %w", err)
	}

	status := rollupStatus(total, terminal)
	_, err = tx.ExecContext(ctx, `
UPDATE folders SET files_total = $2, files_indexed = $3, status = $4 WHERE id = $1`,
		folderID, total, terminal, status)
	if err != nil {
		return "", fmt.Errorf("failed to update folder progress: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit progress rollup: %w", err)
	}
	return status, nil
}
