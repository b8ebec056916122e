package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/quiverhq/quiver/pkg/store"
)

// chunkContextWindow bounds for GET /chunks/{id}/context.
const (
	defaultContextWindow = 2
	maxContextWindow     = 10
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type sessionRequest struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"` // seconds; defaults to one hour
}

// handleSaveSession stores drive credentials for the caller, replacing any
// previous session. Tokens are sealed at rest by the store.
func (s *Server) handleSaveSession(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AccessToken == "" || req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "access_token and refresh_token are required")
		return
	}

	expiresIn := req.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	sess := &store.Session{
		UserID:       currentUser(r).ID,
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(expiresIn) * time.Second),
	}
	if err := s.store.SaveSession(r.Context(), sess); err != nil {
		slog.Error("Failed to save session", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save session")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "created"})
}

type folderResponse struct {
	ID             uuid.UUID  `json:"id"`
	RemoteFolderID string     `json:"remote_folder_id"`
	Name           string     `json:"name"`
	Status         string     `json:"status"`
	FilesTotal     int        `json:"files_total"`
	FilesIndexed   int        `json:"files_indexed"`
	LastSyncedAt   *time.Time `json:"last_synced_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

func toFolderResponse(f *store.Folder) folderResponse {
	return folderResponse{
		ID:             f.ID,
		RemoteFolderID: f.RemoteFolderID,
		Name:           f.Name,
		Status:         string(f.Status),
		FilesTotal:     f.FilesTotal,
		FilesIndexed:   f.FilesIndexed,
		LastSyncedAt:   f.LastSyncedAt,
		CreatedAt:      f.CreatedAt,
	}
}

type createFolderRequest struct {
	RemoteFolderID string `json:"remote_folder_id"`
	Name           string `json:"name"`
}

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	var req createFolderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.RemoteFolderID = strings.TrimSpace(req.RemoteFolderID)
	req.Name = strings.TrimSpace(req.Name)
	if req.RemoteFolderID == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "remote_folder_id and name are required")
		return
	}

	user := currentUser(r)
	folder, err := s.store.CreateFolder(r.Context(), user.ID, req.RemoteFolderID, req.Name)
	if err != nil {
		slog.Error("Failed to create folder", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create folder")
		return
	}

	// Kick off the first sync in the background; the folder shows up as
	// pending until it completes.
	go func() {
		syncCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if _, err := s.syncer.Sync(syncCtx, folder.ID); err != nil {
			slog.Error("Initial folder sync failed", "folder_id", folder.ID, "error", err)
		}
	}()

	s.analytics.Capture("folder_created", user.ExternalID, map[string]any{"folder_id": folder.ID.String()})
	writeJSON(w, http.StatusCreated, toFolderResponse(folder))
}

func (s *Server) handleListFolders(w http.ResponseWriter, r *http.Request) {
	folders, err := s.store.ListFolders(r.Context(), currentUser(r).ID)
	if err != nil {
		slog.Error("Failed to list folders", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list folders")
		return
	}
	out := make([]folderResponse, 0, len(folders))
	for _, f := range folders {
		out = append(out, toFolderResponse(f))
	}
	writeJSON(w, http.StatusOK, out)
}

// requestFolder parses the folderID route param and loads the folder scoped
// to the caller. A nil return means the response was already written.
func (s *Server) requestFolder(w http.ResponseWriter, r *http.Request) *store.Folder {
	folderID, err := uuid.Parse(chi.URLParam(r, "folderID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid folder id")
		return nil
	}
	folder, err := s.store.GetFolder(r.Context(), currentUser(r).ID, folderID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "folder not found")
		return nil
	}
	if err != nil {
		slog.Error("Failed to load folder", "folder_id", folderID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load folder")
		return nil
	}
	return folder
}

func (s *Server) handleGetFolder(w http.ResponseWriter, r *http.Request) {
	if folder := s.requestFolder(w, r); folder != nil {
		writeJSON(w, http.StatusOK, toFolderResponse(folder))
	}
}

// handleFolderStatus returns just the indexing progress, cheap enough for the
// UI to poll while a folder is being indexed.
func (s *Server) handleFolderStatus(w http.ResponseWriter, r *http.Request) {
	folder := s.requestFolder(w, r)
	if folder == nil {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        string(folder.Status),
		"files_total":   folder.FilesTotal,
		"files_indexed": folder.FilesIndexed,
	})
}

func (s *Server) handleDeleteFolder(w http.ResponseWriter, r *http.Request) {
	folder := s.requestFolder(w, r)
	if folder == nil {
		return
	}
	if err := s.store.DeleteFolder(r.Context(), currentUser(r).ID, folder.ID); err != nil {
		slog.Error("Failed to delete folder", "folder_id", folder.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete folder")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type fileResponse struct {
	ID           uuid.UUID  `json:"id"`
	RemoteFileID string     `json:"remote_file_id"`
	Name         string     `json:"name"`
	MimeType     string     `json:"mime_type"`
	Status       string     `json:"status"`
	ModifiedTime *time.Time `json:"modified_time,omitempty"`
	Preview      string     `json:"preview,omitempty"`
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	folder := s.requestFolder(w, r)
	if folder == nil {
		return
	}
	files, err := s.store.ListFilesByFolder(r.Context(), folder.ID)
	if err != nil {
		slog.Error("Failed to list files", "folder_id", folder.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list files")
		return
	}
	out := make([]fileResponse, 0, len(files))
	for _, f := range files {
		out = append(out, fileResponse{
			ID:           f.ID,
			RemoteFileID: f.RemoteFileID,
			Name:         f.Name,
			MimeType:     f.MimeType,
			Status:       string(f.Status),
			ModifiedTime: f.ModifiedTime,
			Preview:      f.Preview,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSyncFolder(w http.ResponseWriter, r *http.Request) {
	folder := s.requestFolder(w, r)
	if folder == nil {
		return
	}
	result, err := s.syncer.Sync(r.Context(), folder.ID)
	if err != nil {
		slog.Error("Folder sync failed", "folder_id", folder.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "sync failed")
		return
	}
	s.analytics.Capture("folder_synced", currentUser(r).ExternalID, map[string]any{
		"folder_id": folder.ID.String(),
		"synced":    result.Synced,
		"reason":    result.Reason,
	})
	writeJSON(w, http.StatusOK, result)
}

type conversationResponse struct {
	ID        uuid.UUID `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	folder := s.requestFolder(w, r)
	if folder == nil {
		return
	}
	conversations, err := s.store.ListConversations(r.Context(), folder.ID)
	if err != nil {
		slog.Error("Failed to list conversations", "folder_id", folder.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	out := make([]conversationResponse, 0, len(conversations))
	for _, c := range conversations {
		out = append(out, conversationResponse{ID: c.ID, Title: c.Title, CreatedAt: c.CreatedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

type messageResponse struct {
	ID        uuid.UUID                 `json:"id"`
	Role      string                    `json:"role"`
	Content   string                    `json:"content"`
	Citations map[string]store.Citation `json:"citations,omitempty"`
	CreatedAt time.Time                 `json:"created_at"`
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	folder := s.requestFolder(w, r)
	if folder == nil {
		return
	}
	conversationID, err := uuid.Parse(chi.URLParam(r, "conversationID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}
	conversation, err := s.store.GetConversation(r.Context(), folder.ID, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		slog.Error("Failed to load conversation", "conversation_id", conversationID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}

	messages, err := s.store.ListMessages(r.Context(), conversation.ID)
	if err != nil {
		slog.Error("Failed to list messages", "conversation_id", conversation.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	out := make([]messageResponse, 0, len(messages))
	for _, m := range messages {
		out = append(out, messageResponse{
			ID: m.ID, Role: m.Role, Content: m.Content,
			Citations: m.Citations, CreatedAt: m.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation": conversationResponse{ID: conversation.ID, Title: conversation.Title, CreatedAt: conversation.CreatedAt},
		"messages":     out,
	})
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	folder := s.requestFolder(w, r)
	if folder == nil {
		return
	}
	conversationID, err := uuid.Parse(chi.URLParam(r, "conversationID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid conversation id")
		return
	}
	err = s.store.DeleteConversation(r.Context(), folder.ID, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		slog.Error("Failed to delete conversation", "conversation_id", conversationID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete conversation")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type chunkResponse struct {
	ID       uuid.UUID `json:"id"`
	FileID   uuid.UUID `json:"file_id"`
	Index    int       `json:"index"`
	Text     string    `json:"text"`
	Location string    `json:"location"`
}

// handleChunkContext returns the chunks surrounding one chunk in its file,
// for showing citation context in the UI.
func (s *Server) handleChunkContext(w http.ResponseWriter, r *http.Request) {
	chunkID, err := uuid.Parse(chi.URLParam(r, "chunkID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid chunk id")
		return
	}

	window := defaultContextWindow
	if raw := r.URL.Query().Get("window"); raw != "" {
		window, err = strconv.Atoi(raw)
		if err != nil || window < 0 || window > maxContextWindow {
			writeError(w, http.StatusBadRequest, "window must be between 0 and 10")
			return
		}
	}

	anchor, err := s.store.GetChunk(r.Context(), chunkID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && anchor.UserID != currentUser(r).ID) {
		writeError(w, http.StatusNotFound, "chunk not found")
		return
	}
	if err != nil {
		slog.Error("Failed to load chunk", "chunk_id", chunkID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load chunk")
		return
	}

	chunks, err := s.store.ChunkContext(r.Context(), chunkID, window)
	if err != nil {
		slog.Error("Failed to load chunk context", "chunk_id", chunkID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load chunk context")
		return
	}
	out := make([]chunkResponse, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, chunkResponse{
			ID: c.ID, FileID: c.FileID, Index: c.Index,
			Text: c.Text, Location: c.Location.String(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}
