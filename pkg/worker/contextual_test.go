package worker

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiverhq/quiver/pkg/extract"
	"github.com/quiverhq/quiver/pkg/llm"
)

type fakeChatModel struct {
	response string
	err      error
}

func (f *fakeChatModel) Generate(ctx context.Context, system string, messages []llm.Message, tools []llm.ToolDefinition, opts llm.GenerateOptions) (string, []llm.ToolCall, llm.Usage, error) {
	return f.response, nil, llm.Usage{}, f.err
}

func (f *fakeChatModel) FastModel() string { return "fast-model" }

func longBlocks() []extract.TextBlock {
	return []extract.TextBlock{{Text: strings.Repeat("Document content sentence. ", 40)}}
}

func TestContextualizePrefixesChunks(t *testing.T) {
	c := NewContextualizer(&fakeChatModel{response: "This chunk covers revenue."}, 2)
	pieces := []extract.Piece{{Text: "original one"}, {Text: "original two"}}

	enriched := c.Contextualize(context.Background(), longBlocks(), pieces)
	require.Len(t, enriched, 2)
	for _, p := range enriched {
		assert.True(t, strings.HasPrefix(p.Text, "This chunk covers revenue.\n\n"))
		assert.Contains(t, p.Text, "original")
	}

	// Inputs are not mutated.
	assert.Equal(t, "original one", pieces[0].Text)
}

func TestContextualizeSkipsShortDocuments(t *testing.T) {
	c := NewContextualizer(&fakeChatModel{response: "ctx"}, 2)
	pieces := []extract.Piece{{Text: "original"}}

	enriched := c.Contextualize(context.Background(), []extract.TextBlock{{Text: "tiny"}}, pieces)
	assert.Equal(t, "original", enriched[0].Text)
}

func TestContextualizeKeepsOriginalOnFailure(t *testing.T) {
	c := NewContextualizer(&fakeChatModel{err: errors.New("model down")}, 2)
	pieces := []extract.Piece{{Text: "original"}}

	enriched := c.Contextualize(context.Background(), longBlocks(), pieces)
	assert.Equal(t, "original", enriched[0].Text)
}

type blockingChatModel struct {
	started  chan struct{}
	release  chan struct{}
	inFlight atomic.Int32
}

func (f *blockingChatModel) Generate(ctx context.Context, system string, messages []llm.Message, tools []llm.ToolDefinition, opts llm.GenerateOptions) (string, []llm.ToolCall, llm.Usage, error) {
	f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	select {
	case f.started <- struct{}{}:
	default:
	}
	<-f.release
	return "late context", nil, llm.Usage{}, nil
}

func (f *blockingChatModel) FastModel() string { return "fast-model" }

func TestContextualizeWaitsForInFlightWorkOnCancel(t *testing.T) {
	model := &blockingChatModel{started: make(chan struct{}, 1), release: make(chan struct{})}
	c := NewContextualizer(model, 1)
	pieces := []extract.Piece{{Text: "one"}, {Text: "two"}, {Text: "three"}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan []extract.Piece, 1)
	go func() { done <- c.Contextualize(ctx, longBlocks(), pieces) }()

	<-model.started
	cancel()
	close(model.release)

	// The returned slice must be safe to read immediately: no generation may
	// still be writing into it.
	enriched := <-done
	assert.Zero(t, model.inFlight.Load())
	require.Len(t, enriched, 3)
}

func TestContextualizeIgnoresEmptyContext(t *testing.T) {
	c := NewContextualizer(&fakeChatModel{response: "   "}, 2)
	pieces := []extract.Piece{{Text: "original"}}

	enriched := c.Contextualize(context.Background(), longBlocks(), pieces)
	assert.Equal(t, "original", enriched[0].Text)
}
