package agent

import (
	"context"
	"log/slog"
	"strings"

	"github.com/quiverhq/quiver/pkg/llm"
	"github.com/quiverhq/quiver/pkg/store"
)

// RunStandard answers one turn without the tool loop: a single retrieval pass
// feeds a numbered context block, and one streaming completion produces the
// answer. Like Run, it emits exactly one terminal done event.
func (a *Agent) RunStandard(ctx context.Context, req Request, out chan<- Event) {
	em := &emitter{ctx: ctx, out: out}
	log := slog.With("conversation_id", req.Conversation.ID, "folder_id", req.Folder.ID)

	history, err := a.beginTurn(ctx, req)
	if err != nil {
		log.Error("Failed to start turn", "error", err)
		em.send(Event{Type: EventError, Error: "failed to start conversation turn"})
		em.send(Event{Type: EventDone, Done: a.doneEvent(req, nil, nil, 0)})
		return
	}

	em.status(PhaseSearching, 1, "")
	results, err := a.retriever.RetrieveAndRerank(ctx, req.UserID, req.Folder.ID,
		req.Message, StandardInitialTopK, StandardFinalTopK)
	if err != nil {
		// Answer anyway; the model will say the context is empty.
		log.Warn("Standard-mode retrieval failed", "error", err)
		results = nil
	}

	sources := make([]store.SearchHit, 0, a.cfg.ContextTopK)
	var searchedFiles []string
	seen := make(map[string]bool)
	for _, res := range results {
		if len(sources) == a.cfg.ContextTopK {
			break
		}
		sources = append(sources, res.SearchHit)
		if !seen[res.FileName] {
			seen[res.FileName] = true
			searchedFiles = append(searchedFiles, res.FileName)
		}
	}

	em.status(PhaseGenerating, 1, "")
	finalText := a.streamCompletion(ctx, em, standardSystemPrompt(req.Folder, sources),
		append(history, llm.Message{Role: "user", Content: req.Message}), log)

	citations := ExtractCitations(finalText, sources)
	a.persistAssistant(ctx, req, finalText, citations, log)
	em.send(Event{Type: EventDone, Done: a.doneEvent(req, citations, searchedFiles, 1)})
}

// streamCompletion relays one streaming completion to the caller and returns
// the accumulated text, falling back to the apology when nothing streams.
func (a *Agent) streamCompletion(ctx context.Context, em *emitter, system string, messages []llm.Message, log *slog.Logger) string {
	stream, err := a.model.GenerateStreaming(ctx, system, messages, llm.GenerateOptions{})
	if err != nil {
		log.Error("Failed to start completion", "error", err)
		streamText(em, fallbackAnswer)
		return fallbackAnswer
	}

	var b strings.Builder
	for chunk := range stream {
		switch chunk.Type {
		case "text":
			b.WriteString(chunk.Text)
			em.token(chunk.Text)
		case "error":
			log.Error("Completion stream failed", "error", chunk.Error)
		}
	}

	if b.Len() == 0 {
		streamText(em, fallbackAnswer)
		return fallbackAnswer
	}
	return b.String()
}
