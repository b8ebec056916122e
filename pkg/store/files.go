package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const upsertFileSQL = `
INSERT INTO files (id, folder_id, remote_file_id, name, mime_type, modified_time, status)
VALUES ($1, $2, $3, $4, $5, $6, 'pending')
ON CONFLICT (folder_id, remote_file_id) DO UPDATE SET
    name = EXCLUDED.name,
    mime_type = EXCLUDED.mime_type,
    modified_time = EXCLUDED.modified_time
RETURNING id, status, created_at`

// UpsertFile registers a remote file under a folder. An existing row keeps its
// status and only refreshes the remote metadata.
func (s *Store) UpsertFile(ctx context.Context, f *File) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	err := s.db.QueryRowContext(ctx, upsertFileSQL,
		f.ID, f.FolderID, f.RemoteFileID, f.Name, f.MimeType, f.ModifiedTime).
		Scan(&f.ID, &f.Status, &f.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert file: %w", err)
	}
	return nil
}

const fileColumns = `id, folder_id, remote_file_id, name, mime_type, modified_time, preview, status, created_at`

func scanFile(row interface{ Scan(...any) error }) (*File, error) {
	var f File
	err := row.Scan(&f.ID, &f.FolderID, &f.RemoteFileID, &f.Name, &f.MimeType,
		&f.ModifiedTime, &f.Preview, &f.Status, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan file: %w", err)
	}
	return &f, nil
}

// GetFile returns a file by ID.
func (s *Store) GetFile(ctx context.Context, fileID uuid.UUID) (*File, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE id = $1`
	return scanFile(s.db.QueryRowContext(ctx, query, fileID))
}

// GetFileInFolder returns a file only if it belongs to the given folder,
// guarding cross-folder access from tool calls.
func (s *Store) GetFileInFolder(ctx context.Context, folderID, fileID uuid.UUID) (*File, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE id = $1 AND folder_id = $2`
	return scanFile(s.db.QueryRowContext(ctx, query, fileID, folderID))
}

// ListFilesByFolder returns all files in a folder ordered by name.
func (s *Store) ListFilesByFolder(ctx context.Context, folderID uuid.UUID) ([]*File, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE folder_id = $1 ORDER BY name ASC`
	rows, err := s.db.QueryContext(ctx, query, folderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	defer rows.Close()

	var files []*File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// SetFileStatus transitions a file's index status.
func (s *Store) SetFileStatus(ctx context.Context, fileID uuid.UUID, status FileStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE files SET status = $2 WHERE id = $1`, fileID, status)
	if err != nil {
		return fmt.Errorf("failed to set file status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetFileForReindex marks a changed file pending again: remote metadata is
// refreshed, stale chunks are dropped, and the file-level preview, embedding,
// and search vector are cleared, all in one transaction.
func (s *Store) ResetFileForReindex(ctx context.Context, fileID uuid.UUID, name, mimeType string, modifiedTime *time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE file_id = $1`, fileID); err != nil {
		return fmt.Errorf("failed to delete stale chunks: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
UPDATE files SET
    name = $2, mime_type = $3, modified_time = $4,
    preview = '', embedding = NULL, search_vector = NULL, status = 'pending'
WHERE id = $1`, fileID, name, mimeType, modifiedTime)
	if err != nil {
		return fmt.Errorf("failed to reset file for reindex: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// DeleteFile removes a file and, via cascade, its chunks and jobs.
func (s *Store) DeleteFile(ctx context.Context, fileID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE id = $1`, fileID)
	if err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const insertChunkSQL = `
INSERT INTO chunks (id, file_id, user_id, chunk_text, chunk_embedding, search_vector, location, chunk_index)
VALUES ($1, $2, $3, $4, $5::vector, to_tsvector('english', $4), $6, $7)`

const markFileIndexedSQL = `
UPDATE files SET
    preview = $2,
    embedding = $3::vector,
    search_vector = CASE WHEN $4 THEN to_tsvector('english', name || ' ' || $2) ELSE NULL END,
    status = 'indexed'
WHERE id = $1`

// ReplaceFileChunks swaps a file's chunks for a fresh set, stores the preview
// and file-level embedding, and marks the file indexed — all in one
// transaction, so retrieval never observes a half-indexed file. A nil
// embedding (zero extracted content) clears the file-level columns.
func (s *Store) ReplaceFileChunks(ctx context.Context, fileID, userID uuid.UUID, preview string, embedding []float32, chunks []*Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE file_id = $1`, fileID); err != nil {
		return fmt.Errorf("failed to delete stale chunks: %w", err)
	}

	for _, c := range chunks {
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		location, err := json.Marshal(c.Location)
		if err != nil {
			return fmt.Errorf("failed to marshal chunk location: %w", err)
		}
		_, err = tx.ExecContext(ctx, insertChunkSQL,
			c.ID, fileID, userID, c.Text, formatVector(c.Embedding), location, c.Index)
		if err != nil {
			return fmt.Errorf("failed to insert chunk %d: %w", c.Index, err)
		}
	}

	var fileVec any
	if embedding != nil {
		fileVec = formatVector(embedding)
	}
	if _, err := tx.ExecContext(ctx, markFileIndexedSQL,
		fileID, preview, fileVec, len(chunks) > 0); err != nil {
		return fmt.Errorf("failed to mark file indexed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit chunk replacement: %w", err)
	}
	return nil
}
