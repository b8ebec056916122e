package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/quiverhq/quiver/pkg/agent"
	"github.com/quiverhq/quiver/pkg/store"
)

// chatEventBuffer bounds the producer-side event queue; the writer drains it
// as fast as the client reads.
const chatEventBuffer = 64

type chatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`

	// Mode is "agent" (default) or "standard".
	Mode string `json:"mode,omitempty"`
}

// handleChat streams one answered turn as server-sent events.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	folder := s.requestFolder(w, r)
	if folder == nil {
		return
	}

	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if len(req.Message) > s.cfg.MaxChatMessageLength {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("message exceeds %d characters", s.cfg.MaxChatMessageLength))
		return
	}
	if req.Mode != "" && req.Mode != "agent" && req.Mode != "standard" {
		writeError(w, http.StatusBadRequest, "mode must be agent or standard")
		return
	}

	conversation, err := s.resolveConversation(r, folder, req)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
		} else {
			slog.Error("Failed to resolve conversation", "folder_id", folder.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to resolve conversation")
		}
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	user := currentUser(r)
	agentReq := agent.Request{
		UserID:       user.ID,
		Folder:       folder,
		Conversation: conversation,
		Message:      req.Message,
	}

	events := make(chan agent.Event, chatEventBuffer)
	go func() {
		defer close(events)
		if req.Mode == "standard" {
			s.agent.RunStandard(r.Context(), agentReq, events)
		} else {
			s.agent.Run(r.Context(), agentReq, events)
		}
	}()

	for ev := range events {
		if err := writeSSE(w, ev); err != nil {
			// Client went away; drain so the turn still persists.
			for range events {
			}
			return
		}
		flusher.Flush()
	}

	s.analytics.Capture("chat_message", user.ExternalID, map[string]any{
		"folder_id": folder.ID.String(),
		"mode":      req.Mode,
	})
}

// resolveConversation loads the requested conversation or starts a new one
// titled after the first message.
func (s *Server) resolveConversation(r *http.Request, folder *store.Folder, req chatRequest) (*store.Conversation, error) {
	if req.ConversationID != "" {
		conversationID, err := uuid.Parse(req.ConversationID)
		if err != nil {
			return nil, store.ErrNotFound
		}
		return s.store.GetConversation(r.Context(), folder.ID, conversationID)
	}

	title := req.Message
	if len(title) > s.cfg.MaxConversationTitleLength {
		title = title[:s.cfg.MaxConversationTitleLength]
	}
	return s.store.CreateConversation(r.Context(), folder.ID, title)
}

// writeSSE frames one event as "event: <type>\ndata: <json>\n\n".
func writeSSE(w http.ResponseWriter, ev agent.Event) error {
	var payload any
	switch ev.Type {
	case agent.EventStatus:
		payload = map[string]any{"agent_status": ev.Status}
	case agent.EventToken:
		payload = map[string]string{"token": ev.Token}
	case agent.EventDone:
		payload = ev.Done
	case agent.EventError:
		payload = map[string]string{"error": ev.Error}
	default:
		payload = ev
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}
