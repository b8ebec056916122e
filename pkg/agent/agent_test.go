package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiverhq/quiver/pkg/llm"
	"github.com/quiverhq/quiver/pkg/retrieval"
	"github.com/quiverhq/quiver/pkg/store"
)

type modelTurn struct {
	text      string
	toolCalls []llm.ToolCall
	err       error
}

type fakeModel struct {
	turns []modelTurn
	calls int

	// toolsSeen records the tool catalog passed on each Generate call.
	toolsSeen [][]llm.ToolDefinition

	streamText string
	streamErr  error
}

func (f *fakeModel) Generate(ctx context.Context, system string, messages []llm.Message, tools []llm.ToolDefinition, opts llm.GenerateOptions) (string, []llm.ToolCall, llm.Usage, error) {
	f.toolsSeen = append(f.toolsSeen, tools)
	if f.calls >= len(f.turns) {
		return "", nil, llm.Usage{}, errors.New("no scripted turn left")
	}
	turn := f.turns[f.calls]
	f.calls++
	return turn.text, turn.toolCalls, llm.Usage{}, turn.err
}

func (f *fakeModel) GenerateStreaming(ctx context.Context, system string, messages []llm.Message, opts llm.GenerateOptions) (<-chan llm.StreamChunk, error) {
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	ch := make(chan llm.StreamChunk, len(f.streamText)+1)
	for _, word := range strings.SplitAfter(f.streamText, " ") {
		if word != "" {
			ch <- llm.StreamChunk{Type: "text", Text: word}
		}
	}
	ch <- llm.StreamChunk{Type: "done"}
	close(ch)
	return ch, nil
}

type fakeRetriever struct {
	results []*retrieval.Result
	err     error
	queries []string
}

func (f *fakeRetriever) RetrieveAndRerank(ctx context.Context, userID, folderID uuid.UUID, query string, initialTopK, finalTopK int) ([]*retrieval.Result, error) {
	f.queries = append(f.queries, query)
	return f.results, f.err
}

func (f *fakeRetriever) Retrieve(ctx context.Context, userID, folderID uuid.UUID, query string, topK int) ([]*retrieval.Result, error) {
	return f.results, f.err
}

type fakeAgentStore struct {
	history  []*store.Message
	appended []*store.Message

	files  map[uuid.UUID]*store.File
	chunks map[uuid.UUID][]*store.Chunk
}

func (f *fakeAgentStore) GetFileInFolder(ctx context.Context, folderID, fileID uuid.UUID) (*store.File, error) {
	file, ok := f.files[fileID]
	if !ok || file.FolderID != folderID {
		return nil, store.ErrNotFound
	}
	return file, nil
}

func (f *fakeAgentStore) ChunksByFile(ctx context.Context, fileID uuid.UUID, limit, offset int) ([]*store.Chunk, error) {
	all := f.chunks[fileID]
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (f *fakeAgentStore) AppendMessage(ctx context.Context, m *store.Message) error {
	f.appended = append(f.appended, m)
	return nil
}

func (f *fakeAgentStore) ListMessages(ctx context.Context, conversationID uuid.UUID) ([]*store.Message, error) {
	return f.history, nil
}

func searchHit(fileName, text string) store.SearchHit {
	return store.SearchHit{
		ChunkID:      uuid.New(),
		FileID:       uuid.New(),
		RemoteFileID: "remote-" + fileName,
		FileName:     fileName,
		Text:         text,
	}
}

func newTestRequest() Request {
	return Request{
		UserID:       uuid.New(),
		Folder:       &store.Folder{ID: uuid.New(), Name: "Reports", FilesTotal: 3, FilesIndexed: 3},
		Conversation: &store.Conversation{ID: uuid.New()},
		Message:      "How did revenue develop?",
	}
}

func collectEvents(run func(chan<- Event)) []Event {
	out := make(chan Event, 256)
	run(out)
	close(out)
	var events []Event
	for ev := range out {
		events = append(events, ev)
	}
	return events
}

func splitEvents(t *testing.T, events []Event) (statuses []StatusEvent, text string, done *DoneEvent) {
	t.Helper()
	for _, ev := range events {
		switch ev.Type {
		case EventStatus:
			require.Nil(t, done, "status after done")
			statuses = append(statuses, *ev.Status)
		case EventToken:
			require.Nil(t, done, "token after done")
			text += ev.Token
		case EventDone:
			require.Nil(t, done, "more than one done event")
			done = ev.Done
		}
	}
	require.NotNil(t, done, "stream must end with a done event")
	return statuses, text, done
}

func TestAgentCitesSearchResults(t *testing.T) {
	hits := []*retrieval.Result{
		{SearchHit: searchHit("Doc A", "Revenue grew 12%.")},
		{SearchHit: searchHit("Doc B", "Growth was broad-based.")},
		{SearchHit: searchHit("Doc C", "Currency tailwinds helped.")},
	}
	answer := "Revenue rose [1][2] with tailwinds [3]."
	model := &fakeModel{turns: []modelTurn{
		{toolCalls: []llm.ToolCall{{ID: "t1", Name: ToolSearchFolder, RawArgs: `{"query":"Q4 revenue"}`}}},
		{text: answer},
	}}
	st := &fakeAgentStore{}
	a := NewAgent(Config{}, model, &fakeRetriever{results: hits}, st, nil)

	req := newTestRequest()
	events := collectEvents(func(out chan<- Event) { a.Run(context.Background(), req, out) })
	statuses, text, done := splitEvents(t, events)

	assert.Equal(t, answer, text)
	assert.Equal(t, 2, done.Iterations)
	assert.Equal(t, []string{"Doc A", "Doc B", "Doc C"}, done.SearchedFiles)

	require.Len(t, done.Citations, 3)
	assert.Equal(t, "Doc A", done.Citations["1"].FileName)
	assert.Equal(t, "Doc B", done.Citations["2"].FileName)
	assert.Equal(t, "Doc C", done.Citations["3"].FileName)
	assert.Contains(t, done.Citations["1"].SourceURL, "remote-Doc A")

	require.NotEmpty(t, statuses)
	assert.Equal(t, PhaseSearching, statuses[0].Phase)
	assert.Equal(t, ToolSearchFolder, statuses[0].Tool)

	// User turn then assistant turn, citations on the latter.
	require.Len(t, st.appended, 2)
	assert.Equal(t, "user", st.appended[0].Role)
	assert.Equal(t, "assistant", st.appended[1].Role)
	assert.Len(t, st.appended[1].Citations, 3)
}

func TestAgentForcedSynthesisAfterMaxIterations(t *testing.T) {
	hits := []*retrieval.Result{{SearchHit: searchHit("Doc A", "Revenue grew 12%.")}}
	searchCall := llm.ToolCall{ID: "t", Name: ToolSearchFolder, RawArgs: `{"query":"revenue"}`}
	model := &fakeModel{turns: []modelTurn{
		{toolCalls: []llm.ToolCall{searchCall}},
		{toolCalls: []llm.ToolCall{searchCall}},
		{toolCalls: []llm.ToolCall{searchCall}},
		{text: "Revenue grew [1]."}, // the forced tool-less call
	}}
	st := &fakeAgentStore{}
	a := NewAgent(Config{MaxIterations: 3}, model, &fakeRetriever{results: hits}, st, nil)

	events := collectEvents(func(out chan<- Event) { a.Run(context.Background(), newTestRequest(), out) })
	_, text, done := splitEvents(t, events)

	assert.Equal(t, "Revenue grew [1].", text)
	assert.Equal(t, 3, done.Iterations)
	require.Len(t, done.Citations, 1)
	assert.Equal(t, "Doc A", done.Citations["1"].FileName)

	// Three looped calls carry the tool catalog, the synthesis call does not.
	require.Len(t, model.toolsSeen, 4)
	assert.NotEmpty(t, model.toolsSeen[2])
	assert.Empty(t, model.toolsSeen[3])
}

func TestAgentFallsBackWhenSynthesisFails(t *testing.T) {
	searchCall := llm.ToolCall{ID: "t", Name: ToolSearchFolder, RawArgs: `{"query":"revenue"}`}
	model := &fakeModel{turns: []modelTurn{
		{toolCalls: []llm.ToolCall{searchCall}},
		{err: errors.New("model overloaded")},
	}}
	st := &fakeAgentStore{}
	a := NewAgent(Config{MaxIterations: 1}, model,
		&fakeRetriever{results: []*retrieval.Result{{SearchHit: searchHit("Doc A", "text")}}}, st, nil)

	events := collectEvents(func(out chan<- Event) { a.Run(context.Background(), newTestRequest(), out) })
	_, text, done := splitEvents(t, events)

	assert.Equal(t, fallbackAnswer, text)
	assert.Empty(t, done.Citations)
	require.Len(t, st.appended, 2)
	assert.Equal(t, fallbackAnswer, st.appended[1].Content)
}

func TestAgentDedupsRepeatedChunks(t *testing.T) {
	hit := searchHit("Doc A", "Revenue grew 12%.")
	hits := []*retrieval.Result{{SearchHit: hit}}
	searchCall := llm.ToolCall{ID: "t", Name: ToolSearchFolder, RawArgs: `{"query":"revenue"}`}
	model := &fakeModel{turns: []modelTurn{
		{toolCalls: []llm.ToolCall{searchCall}},
		{toolCalls: []llm.ToolCall{searchCall}},
		{text: "Revenue grew [1]. There is no [2]."},
	}}
	st := &fakeAgentStore{}
	a := NewAgent(Config{}, model, &fakeRetriever{results: hits}, st, nil)

	events := collectEvents(func(out chan<- Event) { a.Run(context.Background(), newTestRequest(), out) })
	_, _, done := splitEvents(t, events)

	// The same chunk seen twice keeps ref 1; [2] is out of range and dropped.
	require.Len(t, done.Citations, 1)
	assert.Equal(t, hit.ChunkID, done.Citations["1"].ChunkID)
	assert.Equal(t, []string{"Doc A"}, done.SearchedFiles)
	assert.Equal(t, 3, done.Iterations)
}

func TestStandardModeStreamsAndCites(t *testing.T) {
	hits := []*retrieval.Result{
		{SearchHit: searchHit("Doc A", "Revenue grew 12%.")},
		{SearchHit: searchHit("Doc B", "Margins held steady.")},
	}
	model := &fakeModel{streamText: "Revenue grew [1] while margins held [2]."}
	st := &fakeAgentStore{}
	a := NewAgent(Config{}, model, &fakeRetriever{results: hits}, st, nil)

	events := collectEvents(func(out chan<- Event) { a.RunStandard(context.Background(), newTestRequest(), out) })
	statuses, text, done := splitEvents(t, events)

	assert.Equal(t, "Revenue grew [1] while margins held [2].", text)
	assert.Equal(t, 1, done.Iterations)
	assert.Equal(t, []string{"Doc A", "Doc B"}, done.SearchedFiles)
	require.Len(t, done.Citations, 2)
	assert.Equal(t, "Doc B", done.Citations["2"].FileName)

	require.NotEmpty(t, statuses)
	assert.Equal(t, PhaseSearching, statuses[0].Phase)
	assert.Equal(t, PhaseGenerating, statuses[len(statuses)-1].Phase)
}

func TestStandardModeFallsBackWhenStreamFails(t *testing.T) {
	model := &fakeModel{streamErr: errors.New("connection reset")}
	st := &fakeAgentStore{}
	a := NewAgent(Config{}, model, &fakeRetriever{}, st, nil)

	events := collectEvents(func(out chan<- Event) { a.RunStandard(context.Background(), newTestRequest(), out) })
	_, text, done := splitEvents(t, events)

	assert.Equal(t, fallbackAnswer, text)
	assert.Empty(t, done.Citations)
}

func TestExtractCitations(t *testing.T) {
	sources := []store.SearchHit{
		searchHit("Doc A", "alpha"),
		searchHit("Doc B", "beta"),
	}

	citations := ExtractCitations("See [1] and [2], also [2] again, but not [3] or [0].", sources)
	require.Len(t, citations, 2)
	assert.Equal(t, "Doc A", citations["1"].FileName)
	assert.Equal(t, "beta", citations["2"].Excerpt)

	assert.Empty(t, ExtractCitations("no references here", sources))
	assert.Empty(t, ExtractCitations("[1]", nil))
}

func TestStreamTextReassemblesExactly(t *testing.T) {
	texts := []string{
		"",
		"short",
		strings.Repeat("alpha beta gamma delta epsilon ", 20),
		"line one\nline two\n\nline three with ünïcöde words",
	}
	for _, text := range texts {
		var got strings.Builder
		out := make(chan Event, 1024)
		streamText(&emitter{ctx: context.Background(), out: out}, text)
		close(out)
		for ev := range out {
			got.WriteString(ev.Token)
		}
		assert.Equal(t, text, got.String())
	}
}
