package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quiverhq/quiver/pkg/extract"
	"github.com/quiverhq/quiver/pkg/store"
)

// Storage is the store surface the ingest pipeline writes through.
type Storage interface {
	SessionStore

	GetFolderByID(ctx context.Context, folderID uuid.UUID) (*store.Folder, error)
	GetFile(ctx context.Context, fileID uuid.UUID) (*store.File, error)
	SetFileStatus(ctx context.Context, fileID uuid.UUID, status store.FileStatus) error
	ReplaceFileChunks(ctx context.Context, fileID, userID uuid.UUID, preview string, embedding []float32, chunks []*store.Chunk) error
	RecomputeFolderProgress(ctx context.Context, folderID uuid.UUID) (store.FolderStatus, error)

	CompleteJob(ctx context.Context, jobID uuid.UUID) error
	RetryJob(ctx context.Context, jobID uuid.UUID, lastError string, retryAfter time.Time) error
	FailJob(ctx context.Context, jobID uuid.UUID, lastError string) error
	RecordFailure(ctx context.Context, t *store.FailedTask) error
}

// DriveClient is the drive surface the pipeline fetches content through.
type DriveClient interface {
	ExportAs(ctx context.Context, accessToken, fileID, mimeType string) (string, error)
	Download(ctx context.Context, accessToken, fileID string) ([]byte, error)
}

// Embedder computes dense vectors for previews and chunks.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Config tunes the ingest pipeline.
type Config struct {
	RetryBase   time.Duration // backoff base (default 30s)
	RetryCap    time.Duration // backoff cap (default 10m)
	PreviewSize int           // preview character budget (default 500)

	ContextualEnabled bool // enable LLM contextual chunk prefixes
}

// Ingestor executes one claimed job end to end.
type Ingestor struct {
	cfg      Config
	store    Storage
	drive    DriveClient
	refresh  TokenRefresher
	embedder Embedder
	chunker  *extract.Chunker

	docs   *extract.DocExtractor
	pdfs   *extract.PDFExtractor
	images *extract.ImageExtractor
	sheets *extract.SheetExtractor
	docx   *extract.DocxExtractor

	contextualizer *Contextualizer // nil when disabled
}

// NewIngestor wires the pipeline.
func NewIngestor(cfg Config, st Storage, dr DriveClient, refresh TokenRefresher, emb Embedder, chunker *extract.Chunker, ocrProvider extract.OCRProvider, vision extract.VisionModel, contextualizer *Contextualizer) *Ingestor {
	if cfg.PreviewSize == 0 {
		cfg.PreviewSize = extract.DefaultPreviewSize
	}
	if !cfg.ContextualEnabled {
		contextualizer = nil
	}
	return &Ingestor{
		cfg:            cfg,
		store:          st,
		drive:          dr,
		refresh:        refresh,
		embedder:       emb,
		chunker:        chunker,
		docs:           extract.NewDocExtractor(),
		pdfs:           extract.NewPDFExtractor(ocrProvider),
		images:         extract.NewImageExtractor(vision),
		sheets:         extract.NewSheetExtractor(),
		docx:           extract.NewDocxExtractor(),
		contextualizer: contextualizer,
	}
}

// Process runs the job and settles its terminal state: completion, a backoff
// retry, or permanent failure with a dead-letter record. The settle step uses
// a fresh context so a deadline-killed ingest still records its outcome.
func (in *Ingestor) Process(ctx context.Context, job *store.IndexingJob) {
	started := time.Now()
	err := in.run(ctx, job)
	jobDuration.Observe(time.Since(started).Seconds())

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	in.settle(settleCtx, job, err)
}

// errSkipUnsupported routes unsupported-format files to the skip path without
// a DLQ record.
var errSkipUnsupported = errors.New("unsupported file format")

// run is the per-file pipeline: resolve token, fetch, extract, chunk, embed,
// replace chunks, roll up folder progress.
func (in *Ingestor) run(ctx context.Context, job *store.IndexingJob) error {
	folder, err := in.store.GetFolderByID(ctx, job.FolderID)
	if errors.Is(err, store.ErrNotFound) {
		return mark(KindNotFound, "folder %s no longer exists", job.FolderID)
	}
	if err != nil {
		return err
	}

	token, err := ResolveAccessToken(ctx, in.store, in.refresh, folder.UserID)
	if err != nil {
		return err
	}

	file, err := in.store.GetFile(ctx, job.FileID)
	if errors.Is(err, store.ErrNotFound) {
		return mark(KindNotFound, "file %s no longer exists", job.FileID)
	}
	if err != nil {
		return err
	}

	blocks, err := in.extractBlocks(ctx, token, file)
	if err != nil {
		return err
	}

	if len(blocks) == 0 {
		// Nothing extractable; the file is indexed with empty content.
		if err := in.store.ReplaceFileChunks(ctx, file.ID, folder.UserID, "", nil, nil); err != nil {
			return err
		}
		return in.rollup(ctx, job.FolderID)
	}

	preview := extract.BuildPreview(blocks, in.cfg.PreviewSize)
	previewEmbedding, err := in.embedder.Embed(ctx, preview)
	if err != nil {
		return fmt.Errorf("failed to embed preview: %w", err)
	}

	pieces := in.chunker.Chunk(blocks)

	if in.contextualizer != nil {
		pieces = in.contextualizer.Contextualize(ctx, blocks, pieces)
	}

	texts := make([]string, len(pieces))
	for i, p := range pieces {
		texts[i] = p.Text
	}
	embeddings, err := in.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("failed to embed chunks: %w", err)
	}
	if len(embeddings) != len(pieces) {
		return fmt.Errorf("embedding count mismatch: %d pieces, %d vectors", len(pieces), len(embeddings))
	}

	chunks := make([]*store.Chunk, len(pieces))
	for i, p := range pieces {
		chunks[i] = &store.Chunk{
			FileID:    file.ID,
			UserID:    folder.UserID,
			Text:      p.Text,
			Embedding: embeddings[i],
			Location:  p.Location,
			Index:     i,
		}
	}

	if err := in.store.ReplaceFileChunks(ctx, file.ID, folder.UserID, preview, previewEmbedding, chunks); err != nil {
		return err
	}
	chunksIndexed.Add(float64(len(chunks)))

	return in.rollup(ctx, job.FolderID)
}

// ExtractText re-fetches a file from the source drive and returns its
// extracted text, blocks joined by blank lines. Used for on-demand freshest
// reads outside the indexing pipeline.
func (in *Ingestor) ExtractText(ctx context.Context, userID uuid.UUID, file *store.File) (string, error) {
	token, err := ResolveAccessToken(ctx, in.store, in.refresh, userID)
	if err != nil {
		return "", err
	}
	blocks, err := in.extractBlocks(ctx, token, file)
	if err != nil {
		return "", err
	}
	parts := make([]string, len(blocks))
	for i, b := range blocks {
		parts[i] = b.Text
	}
	return strings.Join(parts, "\n\n"), nil
}

// extractBlocks dispatches on mime type and fetches content accordingly.
func (in *Ingestor) extractBlocks(ctx context.Context, token string, file *store.File) ([]extract.TextBlock, error) {
	switch extract.Classify(file.MimeType) {
	case extract.KindDoc:
		var content string
		var err error
		if file.MimeType == extract.MimeGoogleDoc {
			content, err = in.drive.ExportAs(ctx, token, file.RemoteFileID, extract.MimeHTML)
		} else {
			var data []byte
			data, err = in.drive.Download(ctx, token, file.RemoteFileID)
			content = string(data)
		}
		if err != nil {
			return nil, err
		}
		blocks, _, err := in.docs.Extract(content)
		return blocks, err

	case extract.KindPDF:
		data, err := in.drive.Download(ctx, token, file.RemoteFileID)
		if err != nil {
			return nil, err
		}
		return in.pdfs.Extract(ctx, data)

	case extract.KindImage:
		data, err := in.drive.Download(ctx, token, file.RemoteFileID)
		if err != nil {
			return nil, err
		}
		if len(data) > extract.MaxImageBytes {
			return nil, errSkipUnsupported
		}
		return in.images.Extract(ctx, file.Name, file.MimeType, data)

	case extract.KindSheet:
		var data []byte
		var err error
		if file.MimeType == extract.MimeGoogleSheet {
			var exported string
			exported, err = in.drive.ExportAs(ctx, token, file.RemoteFileID, extract.MimeXlsx)
			data = []byte(exported)
		} else {
			data, err = in.drive.Download(ctx, token, file.RemoteFileID)
		}
		if err != nil {
			return nil, err
		}
		blocks, err := in.sheets.Extract(data)
		if err != nil {
			return nil, mark(KindPermanent, "corrupt spreadsheet: %v", err)
		}
		return blocks, nil

	case extract.KindDocx:
		data, err := in.drive.Download(ctx, token, file.RemoteFileID)
		if err != nil {
			return nil, err
		}
		blocks, err := in.docx.Extract(data)
		if err != nil {
			return nil, mark(KindPermanent, "corrupt DOCX: %v", err)
		}
		return blocks, nil

	default:
		return nil, errSkipUnsupported
	}
}

func (in *Ingestor) rollup(ctx context.Context, folderID uuid.UUID) error {
	_, err := in.store.RecomputeFolderProgress(ctx, folderID)
	return err
}

// settle maps the run result onto job and file state.
func (in *Ingestor) settle(ctx context.Context, job *store.IndexingJob, runErr error) {
	log := slog.With("job_id", job.ID, "file_id", job.FileID, "attempt", job.Attempts)

	switch {
	case runErr == nil:
		if err := in.store.CompleteJob(ctx, job.ID); err != nil {
			log.Error("Failed to complete job", "error", err)
		}
		jobsProcessed.WithLabelValues("completed").Inc()

	case errors.Is(runErr, errSkipUnsupported):
		// Skip without a DLQ record: the format is simply not indexable.
		in.skipFile(ctx, job, log)
		jobsProcessed.WithLabelValues("skipped").Inc()
		log.Info("Skipped unsupported file")

	case !Classify(runErr).Retryable():
		// Permanent: skip the file so the folder can still reach ready, and
		// keep the full failure in the dead-letter queue.
		in.skipFile(ctx, job, log)
		in.recordDLQ(ctx, job, runErr, log)
		jobsProcessed.WithLabelValues("skipped").Inc()
		log.Warn("Permanent ingest failure", "kind", Classify(runErr), "error", runErr)

	case job.Attempts >= job.MaxAttempts:
		if err := in.store.FailJob(ctx, job.ID, runErr.Error()); err != nil {
			log.Error("Failed to fail job", "error", err)
		}
		if err := in.store.SetFileStatus(ctx, job.FileID, store.FileFailed); err != nil {
			log.Error("Failed to mark file failed", "error", err)
		}
		if err := in.rollup(ctx, job.FolderID); err != nil {
			log.Error("Failed to roll up folder progress", "error", err)
		}
		in.recordDLQ(ctx, job, runErr, log)
		jobsProcessed.WithLabelValues("failed").Inc()
		log.Error("Ingest retries exhausted", "error", runErr)

	default:
		delay := Backoff(job.Attempts, in.cfg.RetryBase, in.cfg.RetryCap)
		if err := in.store.RetryJob(ctx, job.ID, runErr.Error(), time.Now().Add(delay)); err != nil {
			log.Error("Failed to requeue job", "error", err)
		}
		jobsProcessed.WithLabelValues("retried").Inc()
		log.Warn("Transient ingest failure, retrying", "delay", delay, "error", runErr)
	}
}

func (in *Ingestor) skipFile(ctx context.Context, job *store.IndexingJob, log *slog.Logger) {
	if err := in.store.SetFileStatus(ctx, job.FileID, store.FileSkipped); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Error("Failed to mark file skipped", "error", err)
	}
	if err := in.store.CompleteJob(ctx, job.ID); err != nil {
		log.Error("Failed to complete job", "error", err)
	}
	if err := in.rollup(ctx, job.FolderID); err != nil {
		log.Error("Failed to roll up folder progress", "error", err)
	}
}

// recordDLQ writes the dead-letter entry. DLQ failures never affect the main
// flow.
func (in *Ingestor) recordDLQ(ctx context.Context, job *store.IndexingJob, runErr error, log *slog.Logger) {
	args, _ := json.Marshal(map[string]string{
		"folder_id": job.FolderID.String(),
		"file_id":   job.FileID.String(),
	})
	entry := &store.FailedTask{
		TaskID:        job.ID.String(),
		TaskName:      "index_file",
		Args:          string(args),
		ExceptionType: string(Classify(runErr)),
		Message:       runErr.Error(),
		Retries:       job.Attempts,
	}
	if err := in.store.RecordFailure(ctx, entry); err != nil {
		log.Error("Failed to record dead-letter entry", "error", err)
	}
}
