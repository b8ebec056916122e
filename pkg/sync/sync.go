// Package sync reconciles a folder's local file rows with the remote drive
// listing: new files are registered and queued, changed files are reset for
// re-index, and vanished files are deleted.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/quiverhq/quiver/pkg/drive"
	"github.com/quiverhq/quiver/pkg/store"
	"github.com/quiverhq/quiver/pkg/worker"
)

// DefaultInterval is the minimum gap between upstream listings per folder.
const DefaultInterval = time.Hour

// Skip and failure reasons surfaced in Result.
const (
	ReasonRecentSync       = "recent_sync"
	ReasonFolderNotFound   = "folder_not_found"
	ReasonPermissionDenied = "permission_denied"
	ReasonRateLimited      = "rate_limited"
	ReasonAPIError         = "api_error"
)

// Result summarizes one sync pass.
type Result struct {
	Synced   bool   `json:"synced"`
	Reason   string `json:"reason,omitempty"`
	Added    int    `json:"added"`
	Modified int    `json:"modified"`
	Deleted  int    `json:"deleted"`
}

// Storage is the store surface sync writes through.
type Storage interface {
	worker.SessionStore

	GetFolderByID(ctx context.Context, folderID uuid.UUID) (*store.Folder, error)
	ListFilesByFolder(ctx context.Context, folderID uuid.UUID) ([]*store.File, error)
	UpsertFile(ctx context.Context, f *store.File) error
	ResetFileForReindex(ctx context.Context, fileID uuid.UUID, name, mimeType string, modifiedTime *time.Time) error
	DeleteFile(ctx context.Context, fileID uuid.UUID) error
	EnqueueJob(ctx context.Context, folderID, fileID uuid.UUID, priority, maxAttempts int) (bool, error)
	SetFolderStatus(ctx context.Context, folderID uuid.UUID, status store.FolderStatus) error
	SetFolderSynced(ctx context.Context, folderID uuid.UUID, at time.Time) error
	RecomputeFolderProgress(ctx context.Context, folderID uuid.UUID) (store.FolderStatus, error)
}

// Lister pages through a remote folder.
type Lister interface {
	ListAll(ctx context.Context, accessToken, folderID string) ([]drive.FileMeta, error)
}

// Config tunes the synchronizer.
type Config struct {
	Interval    time.Duration // throttle window (default 1h)
	MaxAttempts int           // max_attempts for enqueued jobs (default 5)
}

// Synchronizer diffs remote folder state against the local index.
type Synchronizer struct {
	cfg     Config
	store   Storage
	lister  Lister
	refresh worker.TokenRefresher
}

// NewSynchronizer creates a folder synchronizer.
func NewSynchronizer(cfg Config, st Storage, lister Lister, refresh worker.TokenRefresher) *Synchronizer {
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}
	return &Synchronizer{cfg: cfg, store: st, lister: lister, refresh: refresh}
}

// Sync runs one pass for a folder. Upstream failures come back as an
// unsynced Result with a reason, not an error; only store failures error.
func (s *Synchronizer) Sync(ctx context.Context, folderID uuid.UUID) (*Result, error) {
	folder, err := s.store.GetFolderByID(ctx, folderID)
	if err != nil {
		return nil, err
	}

	if folder.LastSyncedAt != nil && time.Since(*folder.LastSyncedAt) < s.cfg.Interval {
		return &Result{Synced: false, Reason: ReasonRecentSync}, nil
	}

	token, err := worker.ResolveAccessToken(ctx, s.store, s.refresh, folder.UserID)
	if err != nil {
		if worker.Classify(err) == worker.KindAuth {
			return &Result{Synced: false, Reason: ReasonPermissionDenied}, nil
		}
		return nil, err
	}

	remote, err := s.lister.ListAll(ctx, token, folder.RemoteFolderID)
	if err != nil {
		return s.listFailure(ctx, folder, err)
	}

	result, err := s.applyDiff(ctx, folder, remote)
	if err != nil {
		return nil, err
	}

	if _, err := s.store.RecomputeFolderProgress(ctx, folderID); err != nil {
		return nil, err
	}
	if err := s.store.SetFolderSynced(ctx, folderID, time.Now()); err != nil {
		return nil, err
	}

	slog.Info("Folder synced",
		"folder_id", folderID,
		"added", result.Added, "modified", result.Modified, "deleted", result.Deleted)
	return result, nil
}

// listFailure maps upstream listing errors to result reasons. A vanished
// folder additionally flips the folder row to error.
func (s *Synchronizer) listFailure(ctx context.Context, folder *store.Folder, listErr error) (*Result, error) {
	reason := ReasonAPIError
	switch {
	case errors.Is(listErr, drive.ErrNotFound):
		reason = ReasonFolderNotFound
		if err := s.store.SetFolderStatus(ctx, folder.ID, store.FolderError); err != nil {
			return nil, err
		}
	case errors.Is(listErr, drive.ErrPermissionDenied), errors.Is(listErr, drive.ErrUnauthorized):
		reason = ReasonPermissionDenied
	case errors.Is(listErr, drive.ErrRateLimited):
		reason = ReasonRateLimited
	}
	slog.Warn("Folder listing failed", "folder_id", folder.ID, "reason", reason, "error", listErr)
	return &Result{Synced: false, Reason: reason}, nil
}

func (s *Synchronizer) applyDiff(ctx context.Context, folder *store.Folder, remote []drive.FileMeta) (*Result, error) {
	stored, err := s.store.ListFilesByFolder(ctx, folder.ID)
	if err != nil {
		return nil, err
	}

	added, modified, deleted := Diff(stored, remote)
	result := &Result{Synced: true, Added: len(added), Modified: len(modified), Deleted: len(deleted)}

	for _, meta := range added {
		file := &store.File{
			FolderID:     folder.ID,
			RemoteFileID: meta.ID,
			Name:         meta.Name,
			MimeType:     meta.MimeType,
			ModifiedTime: meta.ModifiedTime,
		}
		if err := s.store.UpsertFile(ctx, file); err != nil {
			return nil, err
		}
		if _, err := s.store.EnqueueJob(ctx, folder.ID, file.ID, 0, s.cfg.MaxAttempts); err != nil {
			return nil, err
		}
	}

	for _, change := range modified {
		if err := s.store.ResetFileForReindex(ctx, change.File.ID,
			change.Remote.Name, change.Remote.MimeType, change.Remote.ModifiedTime); err != nil {
			return nil, err
		}
		// The active-job index makes a duplicate enqueue a no-op.
		if _, err := s.store.EnqueueJob(ctx, folder.ID, change.File.ID, 0, s.cfg.MaxAttempts); err != nil {
			return nil, err
		}
	}

	for _, file := range deleted {
		if err := s.store.DeleteFile(ctx, file.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("failed to delete vanished file: %w", err)
		}
	}

	return result, nil
}

// Change pairs a stored file with its newer remote metadata.
type Change struct {
	File   *store.File
	Remote drive.FileMeta
}

// Diff compares stored files to the remote listing by remote id. A file is
// modified only when the remote modification time is strictly later.
func Diff(stored []*store.File, remote []drive.FileMeta) (added []drive.FileMeta, modified []Change, deleted []*store.File) {
	storedByRemote := make(map[string]*store.File, len(stored))
	for _, f := range stored {
		storedByRemote[f.RemoteFileID] = f
	}

	remoteIDs := make(map[string]bool, len(remote))
	for _, meta := range remote {
		remoteIDs[meta.ID] = true

		existing, ok := storedByRemote[meta.ID]
		if !ok {
			added = append(added, meta)
			continue
		}
		if meta.ModifiedTime != nil && existing.ModifiedTime != nil &&
			meta.ModifiedTime.After(*existing.ModifiedTime) {
			modified = append(modified, Change{File: existing, Remote: meta})
		}
	}

	for _, f := range stored {
		if !remoteIDs[f.RemoteFileID] {
			deleted = append(deleted, f)
		}
	}
	return added, modified, deleted
}
