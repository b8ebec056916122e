package agent

import (
	"context"

	"github.com/google/uuid"

	"github.com/quiverhq/quiver/pkg/store"
)

// EventType discriminates stream events.
type EventType string

const (
	EventStatus EventType = "agent_status"
	EventToken  EventType = "token"
	EventDone   EventType = "done"
	EventError  EventType = "error"
)

// Status phases reported while the loop works.
const (
	PhaseSearching   = "searching"
	PhaseReadingFile = "reading_file"
	PhaseProcessing  = "processing"
	PhaseRewriting   = "rewriting"
	PhaseGenerating  = "generating"
)

// Event is one frame of the chat stream. Exactly one payload field is set,
// matching Type.
type Event struct {
	Type EventType `json:"type"`

	Status *StatusEvent `json:"agent_status,omitempty"`
	Token  string       `json:"token,omitempty"`
	Done   *DoneEvent   `json:"done,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// StatusEvent reports loop progress.
type StatusEvent struct {
	Phase     string `json:"phase"`
	Iteration int    `json:"iteration"`
	Tool      string `json:"tool,omitempty"`
}

// DoneEvent terminates every stream.
type DoneEvent struct {
	Done           bool                      `json:"done"`
	Citations      map[string]store.Citation `json:"citations"`
	SearchedFiles  []string                  `json:"searched_files"`
	ConversationID uuid.UUID                 `json:"conversation_id"`
	Iterations     int                       `json:"iterations"`
}

// emitter pushes events into the consumer channel, dropping the rest of the
// stream once the request context dies.
type emitter struct {
	ctx context.Context
	out chan<- Event
}

func (e *emitter) send(ev Event) {
	select {
	case e.out <- ev:
	case <-e.ctx.Done():
	}
}

func (e *emitter) status(phase string, iteration int, tool string) {
	e.send(Event{Type: EventStatus, Status: &StatusEvent{Phase: phase, Iteration: iteration, Tool: tool}})
}

func (e *emitter) token(text string) {
	e.send(Event{Type: EventToken, Token: text})
}
