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

// SearchHit is one chunk returned by a retrieval query, carrying the file
// metadata needed for scoring and citations.
type SearchHit struct {
	ChunkID      uuid.UUID
	FileID       uuid.UUID
	RemoteFileID string
	FileName     string
	ModifiedTime *time.Time
	Text         string
	Location     Location
	Index        int
	Score        float64
}

const chunkColumns = `id, file_id, user_id, chunk_text, location, chunk_index, created_at`

func scanChunk(row interface{ Scan(...any) error }) (*Chunk, error) {
	var c Chunk
	var location []byte
	err := row.Scan(&c.ID, &c.FileID, &c.UserID, &c.Text, &location, &c.Index, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan chunk: %w", err)
	}
	if err := json.Unmarshal(location, &c.Location); err != nil {
		return nil, fmt.Errorf("failed to decode chunk location: %w", err)
	}
	return &c, nil
}

// GetChunk returns a single chunk by ID.
func (s *Store) GetChunk(ctx context.Context, chunkID uuid.UUID) (*Chunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM chunks WHERE id = $1`
	return scanChunk(s.db.QueryRowContext(ctx, query, chunkID))
}

// ChunksByFile returns a file's chunks in document order, offset-paginated.
func (s *Store) ChunksByFile(ctx context.Context, fileID uuid.UUID, limit, offset int) ([]*Chunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM chunks
WHERE file_id = $1 ORDER BY chunk_index ASC LIMIT $2 OFFSET $3`
	rows, err := s.db.QueryContext(ctx, query, fileID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	defer rows.Close()
	return collectChunks(rows)
}

// ChunkContext returns the chunks surrounding a given chunk in its file,
// window chunks on each side inclusive of the chunk itself.
func (s *Store) ChunkContext(ctx context.Context, chunkID uuid.UUID, window int) ([]*Chunk, error) {
	anchor, err := s.GetChunk(ctx, chunkID)
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + chunkColumns + ` FROM chunks
WHERE file_id = $1 AND chunk_index BETWEEN $2 AND $3
ORDER BY chunk_index ASC`
	lo := anchor.Index - window
	if lo < 0 {
		lo = 0
	}
	rows, err := s.db.QueryContext(ctx, query, anchor.FileID, lo, anchor.Index+window)
	if err != nil {
		return nil, fmt.Errorf("failed to load chunk context: %w", err)
	}
	defer rows.Close()
	return collectChunks(rows)
}

func collectChunks(rows *sql.Rows) ([]*Chunk, error) {
	var chunks []*Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// CountChunksByFile returns how many chunks a file has.
func (s *Store) CountChunksByFile(ctx context.Context, fileID uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks WHERE file_id = $1`, fileID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return n, nil
}

const denseSearchSQL = `
SELECT c.id, c.file_id, f.remote_file_id, f.name, f.modified_time, c.chunk_text, c.location, c.chunk_index,
       1 - (c.chunk_embedding <=> $3::vector) AS score
FROM chunks c
JOIN files f ON f.id = c.file_id
WHERE c.user_id = $1 AND f.folder_id = $2 AND f.status = 'indexed'
ORDER BY c.chunk_embedding <=> $3::vector ASC
LIMIT $4`

// DenseSearch returns the chunks nearest to the query embedding by cosine
// similarity, scoped to one user's folder.
func (s *Store) DenseSearch(ctx context.Context, userID, folderID uuid.UUID, query []float32, limit int) ([]SearchHit, error) {
	rows, err := s.db.QueryContext(ctx, denseSearchSQL,
		userID, folderID, formatVector(query), limit)
	if err != nil {
		return nil, fmt.Errorf("dense search failed: %w", err)
	}
	defer rows.Close()
	return collectHits(rows)
}

const lexicalSearchSQL = `
SELECT c.id, c.file_id, f.remote_file_id, f.name, f.modified_time, c.chunk_text, c.location, c.chunk_index,
       ts_rank(c.search_vector, to_tsquery('english', $3)) AS score
FROM chunks c
JOIN files f ON f.id = c.file_id
WHERE c.user_id = $1 AND f.folder_id = $2 AND f.status = 'indexed'
  AND c.search_vector @@ to_tsquery('english', $3)
ORDER BY score DESC
LIMIT $4`

// LexicalSearch returns chunks matching a tsquery expression, e.g.
// "revenue | growth" as built by the retriever. Scores are raw ts_rank
// values; the caller normalizes before fusing.
func (s *Store) LexicalSearch(ctx context.Context, userID, folderID uuid.UUID, query string, limit int) ([]SearchHit, error) {
	rows, err := s.db.QueryContext(ctx, lexicalSearchSQL, userID, folderID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("lexical search failed: %w", err)
	}
	defer rows.Close()
	return collectHits(rows)
}

func collectHits(rows *sql.Rows) ([]SearchHit, error) {
	var hits []SearchHit
	for rows.Next() {
		var h SearchHit
		var location []byte
		err := rows.Scan(&h.ChunkID, &h.FileID, &h.RemoteFileID, &h.FileName,
			&h.ModifiedTime, &h.Text, &location, &h.Index, &h.Score)
		if err != nil {
			return nil, fmt.Errorf("failed to scan search hit: %w", err)
		}
		if err := json.Unmarshal(location, &h.Location); err != nil {
			return nil, fmt.Errorf("failed to decode hit location: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}
