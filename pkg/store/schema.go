package store

import (
	"context"
	"fmt"
	"time"
)

// Schema statements are executed one by one so a failure names the statement
// that broke. The vector dimension is substituted into the chunks and files
// DDL at init time.
const (
	createExtensionSQL = `CREATE EXTENSION IF NOT EXISTS vector`

	createUsersSQL = `
CREATE TABLE IF NOT EXISTS users (
    id UUID PRIMARY KEY,
    external_id TEXT NOT NULL UNIQUE,
    email TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

	createSessionsSQL = `
CREATE TABLE IF NOT EXISTS sessions (
    id UUID PRIMARY KEY,
    user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    access_token TEXT NOT NULL,
    refresh_token TEXT NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

	createFoldersSQL = `
CREATE TABLE IF NOT EXISTS folders (
    id UUID PRIMARY KEY,
    user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    remote_folder_id TEXT NOT NULL,
    name TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    files_total INT NOT NULL DEFAULT 0,
    files_indexed INT NOT NULL DEFAULT 0,
    last_synced_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

	createFilesSQL = `
CREATE TABLE IF NOT EXISTS files (
    id UUID PRIMARY KEY,
    folder_id UUID NOT NULL REFERENCES folders(id) ON DELETE CASCADE,
    remote_file_id TEXT NOT NULL,
    name TEXT NOT NULL,
    mime_type TEXT NOT NULL,
    modified_time TIMESTAMPTZ,
    preview TEXT NOT NULL DEFAULT '',
    embedding vector(%[1]d),
    search_vector tsvector,
    status TEXT NOT NULL DEFAULT 'pending',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (folder_id, remote_file_id)
)`

	createFilesFolderIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_files_folder_id ON files(folder_id)`

	createChunksSQL = `
CREATE TABLE IF NOT EXISTS chunks (
    id UUID PRIMARY KEY,
    file_id UUID NOT NULL REFERENCES files(id) ON DELETE CASCADE,
    user_id UUID NOT NULL,
    chunk_text TEXT NOT NULL,
    chunk_embedding vector(%[1]d),
    search_vector tsvector,
    location JSONB NOT NULL DEFAULT '{}',
    chunk_index INT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (file_id, chunk_index)
)`

	createChunksEmbeddingIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_chunks_embedding ON chunks
    USING ivfflat (chunk_embedding vector_cosine_ops) WITH (lists = 100)`

	createChunksSearchIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_chunks_search_vector ON chunks USING gin (search_vector)`

	createConversationsSQL = `
CREATE TABLE IF NOT EXISTS conversations (
    id UUID PRIMARY KEY,
    folder_id UUID NOT NULL REFERENCES folders(id) ON DELETE CASCADE,
    title TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

	createMessagesSQL = `
CREATE TABLE IF NOT EXISTS messages (
    id UUID PRIMARY KEY,
    conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    citations JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

	createJobsSQL = `
CREATE TABLE IF NOT EXISTS indexing_jobs (
    id UUID PRIMARY KEY,
    folder_id UUID NOT NULL REFERENCES folders(id) ON DELETE CASCADE,
    file_id UUID NOT NULL REFERENCES files(id) ON DELETE CASCADE,
    status TEXT NOT NULL DEFAULT 'pending',
    priority INT NOT NULL DEFAULT 0,
    attempts INT NOT NULL DEFAULT 0,
    max_attempts INT NOT NULL DEFAULT 5,
    last_error TEXT NOT NULL DEFAULT '',
    retry_after TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    started_at TIMESTAMPTZ,
    completed_at TIMESTAMPTZ
)`

	// One non-terminal job per file, enforced in the database.
	createJobsActiveIndexSQL = `
CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_active_file ON indexing_jobs(file_id)
    WHERE status IN ('pending', 'processing')`

	createJobsClaimIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_jobs_claim ON indexing_jobs(status, retry_after, priority, created_at)`

	createFailedTasksSQL = `
CREATE TABLE IF NOT EXISTS failed_tasks (
    id UUID PRIMARY KEY,
    task_id TEXT NOT NULL UNIQUE,
    task_name TEXT NOT NULL,
    args TEXT NOT NULL DEFAULT '',
    exception_type TEXT NOT NULL DEFAULT '',
    message TEXT NOT NULL DEFAULT '',
    traceback TEXT NOT NULL DEFAULT '',
    retries INT NOT NULL DEFAULT 0,
    failed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    resolved_at TIMESTAMPTZ,
    resolution_notes TEXT NOT NULL DEFAULT ''
)`
)

// InitSchema creates all tables and indexes if they do not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	statements := []string{
		createExtensionSQL,
		createUsersSQL,
		createSessionsSQL,
		createFoldersSQL,
		fmt.Sprintf(createFilesSQL, s.dimension),
		createFilesFolderIndexSQL,
		fmt.Sprintf(createChunksSQL, s.dimension),
		createChunksSearchIndexSQL,
		createConversationsSQL,
		createMessagesSQL,
		createJobsSQL,
		createJobsActiveIndexSQL,
		createJobsClaimIndexSQL,
		createFailedTasksSQL,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	// ivfflat needs rows to build a meaningful index; ignore failures on
	// empty or small tables.
	if _, err := s.db.ExecContext(ctx, createChunksEmbeddingIndexSQL); err != nil {
		return nil
	}

	return nil
}
