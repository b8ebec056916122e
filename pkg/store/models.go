// Package store provides Postgres persistence for quiver: folders, files,
// chunks (with pgvector embeddings and full-text search vectors), indexing
// jobs with skip-locked claim semantics, the dead-letter queue, and
// conversation history.
package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FolderStatus is the index status of a folder.
type FolderStatus string

const (
	FolderPending  FolderStatus = "pending"
	FolderIndexing FolderStatus = "indexing"
	FolderReady    FolderStatus = "ready"
	FolderError    FolderStatus = "error"
)

// FileStatus is the index status of a file. Indexed and Skipped are terminal.
type FileStatus string

const (
	FilePending FileStatus = "pending"
	FileIndexed FileStatus = "indexed"
	FileSkipped FileStatus = "skipped"
	FileFailed  FileStatus = "failed"
)

// Terminal reports whether the status admits no further automatic transition.
func (s FileStatus) Terminal() bool {
	return s == FileIndexed || s == FileSkipped
}

// JobStatus is the lifecycle state of an indexing job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// User is a stable identity from the external identity provider.
type User struct {
	ID         uuid.UUID
	ExternalID string
	Email      string
	CreatedAt  time.Time
}

// Session carries drive credentials for one user. Token fields hold the
// plaintext after the store unseals them; at rest they are AEAD-sealed.
type Session struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	CreatedAt    time.Time
}

// Expired reports whether the access token needs a refresh before use.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// Folder is an indexed remote directory owned by one user.
type Folder struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	RemoteFolderID string
	Name           string
	Status         FolderStatus
	FilesTotal     int
	FilesIndexed   int
	LastSyncedAt   *time.Time
	CreatedAt      time.Time
}

// File is a single extractable object in a folder.
type File struct {
	ID           uuid.UUID
	FolderID     uuid.UUID
	RemoteFileID string
	Name         string
	MimeType     string
	ModifiedTime *time.Time
	Preview      string
	Embedding    []float32
	Status       FileStatus
	CreatedAt    time.Time
}

// Chunk is a retrievable text fragment derived from a file. UserID is
// denormalized so per-user retrieval filters hit a single index.
type Chunk struct {
	ID        uuid.UUID
	FileID    uuid.UUID
	UserID    uuid.UUID
	Text      string
	Embedding []float32
	Location  Location
	Index     int
	CreatedAt time.Time
}

// IndexingJob is one queued unit of ingest work. At most one non-terminal job
// exists per file.
type IndexingJob struct {
	ID          uuid.UUID
	FolderID    uuid.UUID
	FileID      uuid.UUID
	Status      JobStatus
	Priority    int
	Attempts    int
	MaxAttempts int
	LastError   string
	RetryAfter  *time.Time
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// FailedTask is a dead-letter queue entry for a permanently failed task.
type FailedTask struct {
	ID              uuid.UUID
	TaskID          string
	TaskName        string
	Args            string
	ExceptionType   string
	Message         string
	Traceback       string
	Retries         int
	FailedAt        time.Time
	ResolvedAt      *time.Time
	ResolutionNotes string
}

// Conversation groups messages exchanged over one folder.
type Conversation struct {
	ID        uuid.UUID
	FolderID  uuid.UUID
	Title     string
	CreatedAt time.Time
}

// Message is a single conversation turn. Citations is keyed by the
// stringified citation number appearing in the assistant text.
type Message struct {
	ID             uuid.UUID
	ConversationID uuid.UUID
	Role           string
	Content        string
	Citations      map[string]Citation
	CreatedAt      time.Time
}

// Citation links a numbered reference in assistant text to its source chunk.
type Citation struct {
	ChunkID   uuid.UUID `json:"chunk_id"`
	FileName  string    `json:"file_name"`
	Location  string    `json:"location"`
	Excerpt   string    `json:"excerpt"`
	SourceURL string    `json:"source_url"`
}

// LocationKind tags the Location variant.
type LocationKind string

const (
	LocationDoc   LocationKind = "doc"
	LocationPDF   LocationKind = "pdf"
	LocationSheet LocationKind = "sheet"
	LocationImage LocationKind = "image"
)

// Location describes where a chunk sits inside its file. It is a tagged
// variant persisted as JSON; only the fields of the active kind are set.
// Used for citation rendering, never for retrieval filtering.
type Location struct {
	Kind LocationKind `json:"kind"`

	// Doc fields.
	HeadingPath []string `json:"heading_path,omitempty"`
	ElementType string   `json:"element_type,omitempty"`
	ParaIndex   int      `json:"para_index,omitempty"`

	// PDF fields.
	Page         int `json:"page,omitempty"`
	BlockIndex   int `json:"block_index,omitempty"`
	HeadingLevel int `json:"heading_level,omitempty"`

	// Sheet fields.
	SheetName  string `json:"sheet_name,omitempty"`
	SheetIndex int    `json:"sheet_index,omitempty"`

	// SubChunk counts splits of an oversized block.
	SubChunk int `json:"sub_chunk,omitempty"`
}

// String renders the location for citation display.
func (l Location) String() string {
	switch l.Kind {
	case LocationDoc:
		if len(l.HeadingPath) > 0 {
			return fmt.Sprintf("section %q", strings.Join(l.HeadingPath, " > "))
		}
		return fmt.Sprintf("paragraph %d", l.ParaIndex+1)
	case LocationPDF:
		return fmt.Sprintf("page %d", l.Page)
	case LocationSheet:
		if l.SheetName != "" {
			return fmt.Sprintf("sheet %q", l.SheetName)
		}
		return fmt.Sprintf("sheet %d", l.SheetIndex+1)
	case LocationImage:
		return "image"
	default:
		return ""
	}
}
