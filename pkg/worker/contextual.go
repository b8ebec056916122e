package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/quiverhq/quiver/pkg/extract"
	"github.com/quiverhq/quiver/pkg/llm"
)

// Contextual enrichment bounds.
const (
	contextualMinDocChars   = 500
	contextualExcerptTokens = 8000
	contextualMaxTokens     = 150
)

const contextualSystemPrompt = `You write one or two short sentences situating a ` +
	`chunk of a document within the whole document, to improve search retrieval ` +
	`of the chunk. Answer with the context only, nothing else.`

// ChatModel is the model surface contextual enrichment needs.
type ChatModel interface {
	Generate(ctx context.Context, system string, messages []llm.Message, tools []llm.ToolDefinition, opts llm.GenerateOptions) (string, []llm.ToolCall, llm.Usage, error)
	FastModel() string
}

// Contextualizer prefixes chunks with a short LLM-generated description of
// their place in the document.
type Contextualizer struct {
	model       ChatModel
	concurrency int64
}

// NewContextualizer creates a contextualizer with the given per-file
// concurrency bound (default 3).
func NewContextualizer(model ChatModel, concurrency int) *Contextualizer {
	if concurrency <= 0 {
		concurrency = 3
	}
	return &Contextualizer{model: model, concurrency: int64(concurrency)}
}

// Contextualize enriches each piece with a contextual prefix, generated with
// bounded concurrency at temperature 0 on the fast model. Short documents are
// returned untouched, and a per-piece failure keeps the original text.
func (c *Contextualizer) Contextualize(ctx context.Context, blocks []extract.TextBlock, pieces []extract.Piece) []extract.Piece {
	var doc strings.Builder
	for _, b := range blocks {
		doc.WriteString(b.Text)
		doc.WriteString("\n\n")
	}
	if doc.Len() < contextualMinDocChars {
		return pieces
	}

	excerpt, err := extract.TruncateTokens(doc.String(), contextualExcerptTokens)
	if err != nil {
		slog.Warn("Failed to build document excerpt", "error", err)
		return pieces
	}

	sem := semaphore.NewWeighted(c.concurrency)
	enriched := make([]extract.Piece, len(pieces))
	copy(enriched, pieces)

	var wg sync.WaitGroup
	for i := range enriched {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer sem.Release(1)
			prefix, err := c.describe(ctx, excerpt, enriched[i].Text)
			if err != nil {
				slog.Debug("Contextual prefix failed, keeping original", "chunk", i, "error", err)
				return
			}
			if prefix != "" {
				enriched[i].Text = prefix + "\n\n" + enriched[i].Text
			}
		}(i)
	}

	// The slice must not leave here while a goroutine can still write to it,
	// even when the context died mid-loop.
	wg.Wait()
	return enriched
}

func (c *Contextualizer) describe(ctx context.Context, excerpt, chunk string) (string, error) {
	prompt := fmt.Sprintf("<document>\n%s\n</document>\n\nHere is the chunk to situate:\n<chunk>\n%s\n</chunk>", excerpt, chunk)
	text, _, _, err := c.model.Generate(ctx, contextualSystemPrompt,
		[]llm.Message{{Role: "user", Content: prompt}}, nil,
		llm.GenerateOptions{
			Model:     c.model.FastModel(),
			MaxTokens: contextualMaxTokens,
			TempSet:   true,
		})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}
