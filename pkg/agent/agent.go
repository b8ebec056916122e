// Package agent runs the tool-calling answer loop over a folder's index:
// bounded retrieval dialogue with the model, numeric citation extraction, and
// event streaming to the caller.
package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/quiverhq/quiver/pkg/llm"
	"github.com/quiverhq/quiver/pkg/store"
)

// Loop defaults.
const (
	DefaultMaxIterations = 10
	DefaultContextTopK   = 8

	// Standard-mode retrieval depths.
	StandardInitialTopK = 30
	StandardFinalTopK   = 15

	// persistTimeout bounds turn persistence after the stream context dies.
	persistTimeout = 10 * time.Second
)

// ChatModel is the language-model surface the loop drives.
type ChatModel interface {
	Generate(ctx context.Context, system string, messages []llm.Message, tools []llm.ToolDefinition, opts llm.GenerateOptions) (string, []llm.ToolCall, llm.Usage, error)
	GenerateStreaming(ctx context.Context, system string, messages []llm.Message, opts llm.GenerateOptions) (<-chan llm.StreamChunk, error)
}

// Store combines the tool read surface with conversation persistence.
type Store interface {
	ToolStore

	AppendMessage(ctx context.Context, m *store.Message) error
	ListMessages(ctx context.Context, conversationID uuid.UUID) ([]*store.Message, error)
}

// Config tunes the loop.
type Config struct {
	MaxIterations int // tool rounds before forced synthesis (default 10)
	ContextTopK   int // standard-mode context chunks (default 8)
}

func (c *Config) setDefaults() {
	if c.MaxIterations == 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.ContextTopK == 0 {
		c.ContextTopK = DefaultContextTopK
	}
}

// Agent answers folder questions. Safe for concurrent use; all per-request
// state lives in the toolset.
type Agent struct {
	cfg       Config
	model     ChatModel
	retriever Retriever
	store     Store
	reader    SourceReader // nil disables the get_file tool
}

// NewAgent wires the loop. reader may be nil.
func NewAgent(cfg Config, model ChatModel, retriever Retriever, st Store, reader SourceReader) *Agent {
	cfg.setDefaults()
	return &Agent{cfg: cfg, model: model, retriever: retriever, store: st, reader: reader}
}

// Request is one chat turn to answer.
type Request struct {
	UserID       uuid.UUID
	Folder       *store.Folder
	Conversation *store.Conversation
	Message      string
}

// Run answers one turn in agent mode, writing events to out. It always emits
// exactly one terminal done event and never closes out; the caller owns the
// channel.
func (a *Agent) Run(ctx context.Context, req Request, out chan<- Event) {
	em := &emitter{ctx: ctx, out: out}
	log := slog.With("conversation_id", req.Conversation.ID, "folder_id", req.Folder.ID)

	history, err := a.beginTurn(ctx, req)
	if err != nil {
		log.Error("Failed to start turn", "error", err)
		em.send(Event{Type: EventError, Error: "failed to start conversation turn"})
		em.send(Event{Type: EventDone, Done: a.doneEvent(req, nil, nil, 0)})
		return
	}

	tools := newToolset(a.retriever, a.store, a.reader, req.UserID, req.Folder)
	messages := append(history, llm.Message{Role: "user", Content: req.Message})
	system := agentSystemPrompt(req.Folder, a.cfg.MaxIterations)

	var finalText string
	iterations := 0
	for iterations < a.cfg.MaxIterations {
		iterations++

		text, toolCalls, _, err := a.model.Generate(ctx, system, messages, definitions(), llm.GenerateOptions{})
		if err != nil {
			log.Error("Agent turn failed", "iteration", iterations, "error", err)
			finalText = fallbackAnswer
			break
		}
		if len(toolCalls) == 0 {
			finalText = text
			break
		}

		messages = append(messages, llm.Message{Role: "assistant", Content: text, ToolCalls: toolCalls})
		for _, tc := range toolCalls {
			em.status(phaseFor(tc.Name), iterations, tc.Name)
			result := tools.execute(ctx, tc.Name, rawArguments(tc))
			messages = append(messages, llm.Message{Role: "tool", Content: result, ToolCallID: tc.ID})
		}
	}

	// The loop ran out of tool rounds: force one tool-less synthesis call
	// over everything observed so far.
	if finalText == "" {
		em.status(PhaseGenerating, iterations, "")
		text, _, _, err := a.model.Generate(ctx, synthesisPrompt(tools.indexed),
			append(history, llm.Message{Role: "user", Content: req.Message}), nil, llm.GenerateOptions{})
		if err != nil || text == "" {
			log.Warn("Forced synthesis failed", "error", err)
			finalText = fallbackAnswer
		} else {
			finalText = text
		}
	}

	em.status(PhaseGenerating, iterations, "")
	streamText(em, finalText)

	citations := ExtractCitations(finalText, tools.indexed)
	a.persistAssistant(ctx, req, finalText, citations, log)
	em.send(Event{Type: EventDone, Done: a.doneEvent(req, citations, tools.searchedFiles, iterations)})
}

// beginTurn loads the conversation history and commits the user turn before
// any model work, so a dropped stream still keeps the question.
func (a *Agent) beginTurn(ctx context.Context, req Request) ([]llm.Message, error) {
	stored, err := a.store.ListMessages(ctx, req.Conversation.ID)
	if err != nil {
		return nil, err
	}
	history := make([]llm.Message, 0, len(stored))
	for _, m := range stored {
		history = append(history, llm.Message{Role: m.Role, Content: m.Content})
	}

	err = a.store.AppendMessage(ctx, &store.Message{
		ConversationID: req.Conversation.ID,
		Role:           "user",
		Content:        req.Message,
	})
	if err != nil {
		return nil, err
	}
	return history, nil
}

// persistAssistant commits the assistant turn on a detached context so a
// client disconnect cannot lose the produced answer.
func (a *Agent) persistAssistant(ctx context.Context, req Request, text string, citations map[string]store.Citation, log *slog.Logger) {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	err := a.store.AppendMessage(persistCtx, &store.Message{
		ConversationID: req.Conversation.ID,
		Role:           "assistant",
		Content:        text,
		Citations:      citations,
	})
	if err != nil {
		log.Error("Failed to persist assistant turn", "error", err)
	}
}

func (a *Agent) doneEvent(req Request, citations map[string]store.Citation, searchedFiles []string, iterations int) *DoneEvent {
	if citations == nil {
		citations = map[string]store.Citation{}
	}
	if searchedFiles == nil {
		searchedFiles = []string{}
	}
	return &DoneEvent{
		Done:           true,
		Citations:      citations,
		SearchedFiles:  searchedFiles,
		ConversationID: req.Conversation.ID,
		Iterations:     iterations,
	}
}

func rawArguments(tc llm.ToolCall) json.RawMessage {
	if tc.RawArgs != "" {
		return json.RawMessage(tc.RawArgs)
	}
	data, err := json.Marshal(tc.Arguments)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}

// streamFragmentSize is the soft fragment length for replayed answers.
const streamFragmentSize = 24

// streamText emits text as order-preserving token fragments, breaking after
// whitespace so words stay whole. Concatenating the fragments reproduces the
// text exactly.
func streamText(em *emitter, text string) {
	start := 0
	sinceBreak := 0
	for i, r := range text {
		sinceBreak += utf8.RuneLen(r)
		if (r == ' ' || r == '\n') && sinceBreak >= streamFragmentSize {
			em.token(text[start : i+utf8.RuneLen(r)])
			start = i + utf8.RuneLen(r)
			sinceBreak = 0
		}
	}
	if start < len(text) {
		em.token(text[start:])
	}
}
