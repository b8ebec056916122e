package worker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiverhq/quiver/pkg/drive"
	"github.com/quiverhq/quiver/pkg/extract"
	"github.com/quiverhq/quiver/pkg/store"
)

type fakeStorage struct {
	folder  *store.Folder
	file    *store.File
	session *store.Session

	fileStatus     store.FileStatus
	replacedChunks []*store.Chunk
	replacedCalled bool
	preview        string

	completed  bool
	retried    bool
	retryAfter time.Time
	failed     bool
	lastError  string
	rollups    int
	dlq        []*store.FailedTask

	updatedAccess string
	deletedSess   bool
}

func (f *fakeStorage) GetSessionByUser(ctx context.Context, userID uuid.UUID) (*store.Session, error) {
	if f.session == nil {
		return nil, store.ErrNotFound
	}
	return f.session, nil
}

func (f *fakeStorage) UpdateSessionTokens(ctx context.Context, id uuid.UUID, access, refresh string, expiresAt time.Time) error {
	f.updatedAccess = access
	return nil
}

func (f *fakeStorage) DeleteSession(ctx context.Context, id uuid.UUID) error {
	f.deletedSess = true
	return nil
}

func (f *fakeStorage) GetFolderByID(ctx context.Context, folderID uuid.UUID) (*store.Folder, error) {
	if f.folder == nil {
		return nil, store.ErrNotFound
	}
	return f.folder, nil
}

func (f *fakeStorage) GetFile(ctx context.Context, fileID uuid.UUID) (*store.File, error) {
	if f.file == nil {
		return nil, store.ErrNotFound
	}
	return f.file, nil
}

func (f *fakeStorage) SetFileStatus(ctx context.Context, fileID uuid.UUID, status store.FileStatus) error {
	f.fileStatus = status
	return nil
}

func (f *fakeStorage) ReplaceFileChunks(ctx context.Context, fileID, userID uuid.UUID, preview string, embedding []float32, chunks []*store.Chunk) error {
	f.replacedCalled = true
	f.preview = preview
	f.replacedChunks = chunks
	f.fileStatus = store.FileIndexed
	return nil
}

func (f *fakeStorage) RecomputeFolderProgress(ctx context.Context, folderID uuid.UUID) (store.FolderStatus, error) {
	f.rollups++
	return store.FolderReady, nil
}

func (f *fakeStorage) CompleteJob(ctx context.Context, jobID uuid.UUID) error {
	f.completed = true
	return nil
}

func (f *fakeStorage) RetryJob(ctx context.Context, jobID uuid.UUID, lastError string, retryAfter time.Time) error {
	f.retried = true
	f.lastError = lastError
	f.retryAfter = retryAfter
	return nil
}

func (f *fakeStorage) FailJob(ctx context.Context, jobID uuid.UUID, lastError string) error {
	f.failed = true
	f.lastError = lastError
	return nil
}

func (f *fakeStorage) RecordFailure(ctx context.Context, t *store.FailedTask) error {
	f.dlq = append(f.dlq, t)
	return nil
}

type fakeDrive struct {
	html        string
	data        []byte
	downloadErr error
	exportErr   error
}

func (f *fakeDrive) ExportAs(ctx context.Context, token, fileID, mimeType string) (string, error) {
	return f.html, f.exportErr
}

func (f *fakeDrive) Download(ctx context.Context, token, fileID string) ([]byte, error) {
	return f.data, f.downloadErr
}

type fakeRefresher struct {
	creds *drive.Credentials
	err   error
}

func (f *fakeRefresher) Refresh(ctx context.Context, refreshToken string) (*drive.Credentials, error) {
	return f.creds, f.err
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{0.1, 0.2}, nil
}

func (fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{0.3, 0.4}
	}
	return out, nil
}

func newTestStorage(mimeType string) *fakeStorage {
	userID := uuid.New()
	folderID := uuid.New()
	return &fakeStorage{
		folder: &store.Folder{ID: folderID, UserID: userID, Name: "Reports"},
		file: &store.File{
			ID:           uuid.New(),
			FolderID:     folderID,
			RemoteFileID: "remote-1",
			Name:         "doc-a",
			MimeType:     mimeType,
		},
		session: &store.Session{
			ID:          uuid.New(),
			UserID:      userID,
			AccessToken: "token",
			ExpiresAt:   time.Now().Add(time.Hour),
		},
	}
}

func newTestJob(st *fakeStorage, attempts int) *store.IndexingJob {
	return &store.IndexingJob{
		ID:          uuid.New(),
		FolderID:    st.folder.ID,
		FileID:      st.file.ID,
		Attempts:    attempts,
		MaxAttempts: 5,
	}
}

func newTestIngestor(st *fakeStorage, dr *fakeDrive) *Ingestor {
	return NewIngestor(Config{}, st, dr, &fakeRefresher{}, fakeEmbedder{},
		extract.NewChunker(0, 0, 0, 0), nil, nil, nil)
}

func TestIngestDocHappyPath(t *testing.T) {
	st := newTestStorage(extract.MimeGoogleDoc)
	body := strings.Repeat("Revenue grew substantially this quarter. ", 10)
	dr := &fakeDrive{html: "<html><head><title>Doc A</title></head><body><h1>Summary</h1><p>" + body + "</p></body></html>"}

	in := newTestIngestor(st, dr)
	in.Process(context.Background(), newTestJob(st, 1))

	assert.True(t, st.completed)
	assert.False(t, st.retried)
	assert.True(t, st.replacedCalled)
	require.NotEmpty(t, st.replacedChunks)
	assert.Equal(t, store.FileIndexed, st.fileStatus)
	assert.NotEmpty(t, st.preview)
	assert.Empty(t, st.dlq)
	assert.Equal(t, 1, st.rollups)

	for i, c := range st.replacedChunks {
		assert.Equal(t, i, c.Index)
		assert.NotEmpty(t, c.Embedding)
	}
}

func TestIngestEmptyContentIndexesEmpty(t *testing.T) {
	st := newTestStorage(extract.MimeGoogleDoc)
	dr := &fakeDrive{html: "<html><body></body></html>"}

	in := newTestIngestor(st, dr)
	in.Process(context.Background(), newTestJob(st, 1))

	assert.True(t, st.completed)
	assert.True(t, st.replacedCalled)
	assert.Empty(t, st.replacedChunks)
	assert.Empty(t, st.preview)
}

func TestIngestUnsupportedMimeSkips(t *testing.T) {
	st := newTestStorage("application/zip")
	in := newTestIngestor(st, &fakeDrive{})
	in.Process(context.Background(), newTestJob(st, 1))

	assert.Equal(t, store.FileSkipped, st.fileStatus)
	assert.True(t, st.completed)
	assert.Empty(t, st.dlq, "unsupported formats do not dead-letter")
	assert.Equal(t, 1, st.rollups)
}

func TestIngestPermissionDeniedSkipsWithDLQ(t *testing.T) {
	st := newTestStorage(extract.MimePDF)
	dr := &fakeDrive{downloadErr: drive.ErrPermissionDenied}

	in := newTestIngestor(st, dr)
	in.Process(context.Background(), newTestJob(st, 1))

	assert.Equal(t, store.FileSkipped, st.fileStatus)
	assert.True(t, st.completed)
	assert.False(t, st.retried)
	require.Len(t, st.dlq, 1)
	assert.Equal(t, "index_file", st.dlq[0].TaskName)
	assert.Equal(t, string(KindAuth), st.dlq[0].ExceptionType)
}

func TestIngestTransientErrorRetriesWithBackoff(t *testing.T) {
	st := newTestStorage(extract.MimePDF)
	dr := &fakeDrive{downloadErr: errors.New("upstream 503")}

	in := newTestIngestor(st, dr)
	before := time.Now()
	in.Process(context.Background(), newTestJob(st, 2))

	assert.True(t, st.retried)
	assert.False(t, st.completed)
	assert.Empty(t, st.dlq)
	assert.Contains(t, st.lastError, "503")

	// Attempt 2 backs off at least base*2.
	assert.True(t, st.retryAfter.After(before.Add(59*time.Second)))
}

func TestIngestExhaustedAttemptsFails(t *testing.T) {
	st := newTestStorage(extract.MimePDF)
	dr := &fakeDrive{downloadErr: errors.New("upstream 503")}

	in := newTestIngestor(st, dr)
	in.Process(context.Background(), newTestJob(st, 5))

	assert.True(t, st.failed)
	assert.False(t, st.retried)
	assert.Equal(t, store.FileFailed, st.fileStatus)
	require.Len(t, st.dlq, 1)
	assert.Equal(t, 5, st.dlq[0].Retries)
}

func TestIngestMissingSessionIsPermanent(t *testing.T) {
	st := newTestStorage(extract.MimeGoogleDoc)
	st.session = nil

	in := newTestIngestor(st, &fakeDrive{})
	in.Process(context.Background(), newTestJob(st, 1))

	assert.Equal(t, store.FileSkipped, st.fileStatus)
	assert.True(t, st.completed)
	require.Len(t, st.dlq, 1)
	assert.Equal(t, string(KindAuth), st.dlq[0].ExceptionType)
}

func TestIngestOversizedImageSkips(t *testing.T) {
	st := newTestStorage("image/png")
	dr := &fakeDrive{data: make([]byte, extract.MaxImageBytes+1)}

	in := newTestIngestor(st, dr)
	in.Process(context.Background(), newTestJob(st, 1))

	assert.Equal(t, store.FileSkipped, st.fileStatus)
	assert.True(t, st.completed)
	assert.Empty(t, st.dlq)
}

func TestResolveAccessTokenRefreshesExpired(t *testing.T) {
	st := newTestStorage(extract.MimeGoogleDoc)
	st.session.ExpiresAt = time.Now().Add(-time.Hour)
	refresher := &fakeRefresher{creds: &drive.Credentials{
		AccessToken: "fresh",
		ExpiresAt:   time.Now().Add(time.Hour),
	}}

	token, err := ResolveAccessToken(context.Background(), st, refresher, st.session.UserID)
	require.NoError(t, err)
	assert.Equal(t, "fresh", token)
	assert.Equal(t, "fresh", st.updatedAccess)
}

func TestResolveAccessTokenRejectedRefreshDeletesSession(t *testing.T) {
	st := newTestStorage(extract.MimeGoogleDoc)
	st.session.ExpiresAt = time.Now().Add(-time.Hour)
	refresher := &fakeRefresher{err: drive.ErrUnauthorized}

	_, err := ResolveAccessToken(context.Background(), st, refresher, st.session.UserID)
	require.Error(t, err)
	assert.Equal(t, KindAuth, Classify(err))
	assert.True(t, st.deletedSess)
}
