// Package retrieval fuses dense similarity, lexical full-text rank, and file
// recency into one ranked candidate list, with optional second-stage
// cross-encoder reranking.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/quiverhq/quiver/pkg/embedder"
	"github.com/quiverhq/quiver/pkg/store"
)

// Fusion defaults.
const (
	DefaultDenseWeight   = 0.6
	DefaultLexicalWeight = 0.2
	DefaultRecencyWeight = 0.2
	DefaultHalfLifeDays  = 30.0
	DefaultInitialTopK   = 30
	DefaultFinalTopK     = 10
	RRFConstant          = 60
)

// Searcher is the store surface the retriever reads from.
type Searcher interface {
	DenseSearch(ctx context.Context, userID, folderID uuid.UUID, query []float32, limit int) ([]store.SearchHit, error)
	LexicalSearch(ctx context.Context, userID, folderID uuid.UUID, query string, limit int) ([]store.SearchHit, error)
}

// QueryEmbedder embeds query text.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Reranker is the cross-encoder surface for second-stage scoring.
type Reranker interface {
	Rerank(ctx context.Context, query string, documents []string, topK int) ([]embedder.RankedDocument, error)
}

// Result is one retrieved chunk with its component and fused scores.
type Result struct {
	store.SearchHit

	DenseScore   float64
	LexicalScore float64
	RecencyScore float64
	Combined     float64
	RerankScore  *float64
}

// Config configures fusion behavior. Weights must sum to 1; the RRF mode
// ignores them.
type Config struct {
	// Mode is "weighted" (default) or "rrf".
	Mode string

	DenseWeight   float64
	LexicalWeight float64
	RecencyWeight float64

	// HalfLifeDays controls recency decay (default 30).
	HalfLifeDays float64

	// InitialTopK candidates per signal before fusion (default 30).
	InitialTopK int

	// FinalTopK results after reranking (default 10).
	FinalTopK int
}

func (c *Config) setDefaults() {
	if c.Mode == "" {
		c.Mode = "weighted"
	}
	if c.DenseWeight == 0 && c.LexicalWeight == 0 && c.RecencyWeight == 0 {
		c.DenseWeight = DefaultDenseWeight
		c.LexicalWeight = DefaultLexicalWeight
		c.RecencyWeight = DefaultRecencyWeight
	}
	if c.HalfLifeDays == 0 {
		c.HalfLifeDays = DefaultHalfLifeDays
	}
	if c.InitialTopK == 0 {
		c.InitialTopK = DefaultInitialTopK
	}
	if c.FinalTopK == 0 {
		c.FinalTopK = DefaultFinalTopK
	}
}

// Retriever runs hybrid retrieval over one folder. Safe for concurrent use.
type Retriever struct {
	cfg      Config
	searcher Searcher
	embedder QueryEmbedder
	reranker Reranker
}

// NewRetriever creates a hybrid retriever. The reranker may be nil, which
// disables the second stage.
func NewRetriever(cfg Config, searcher Searcher, emb QueryEmbedder, reranker Reranker) (*Retriever, error) {
	cfg.setDefaults()
	if cfg.Mode != "weighted" && cfg.Mode != "rrf" {
		return nil, fmt.Errorf("unknown fusion mode %q", cfg.Mode)
	}
	if cfg.Mode == "weighted" {
		sum := cfg.DenseWeight + cfg.LexicalWeight + cfg.RecencyWeight
		if sum < 0.999 || sum > 1.001 {
			return nil, fmt.Errorf("fusion weights must sum to 1, got %.3f", sum)
		}
	}
	return &Retriever{cfg: cfg, searcher: searcher, embedder: emb, reranker: reranker}, nil
}

// Retrieve fuses the three signals and returns the union of candidates sorted
// by combined score, capped at topK.
func (r *Retriever) Retrieve(ctx context.Context, userID, folderID uuid.UUID, query string, topK int) ([]*Result, error) {
	if topK <= 0 {
		topK = r.cfg.FinalTopK
	}

	queryVec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	dense, err := r.searcher.DenseSearch(ctx, userID, folderID, queryVec, r.cfg.InitialTopK)
	if err != nil {
		return nil, fmt.Errorf("dense retrieval failed: %w", err)
	}

	var lexical []store.SearchHit
	if tsquery := BuildLexicalQuery(query); tsquery != "" {
		lexical, err = r.searcher.LexicalSearch(ctx, userID, folderID, tsquery, r.cfg.InitialTopK)
		if err != nil {
			// Lexical is an auxiliary signal; dense results still stand.
			slog.Warn("Lexical retrieval failed", "error", err)
			lexical = nil
		}
	}

	results := r.fuse(dense, lexical)
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// RetrieveAndRerank runs fusion, then reorders the survivors with the
// cross-encoder when more than finalTopK candidates remain.
func (r *Retriever) RetrieveAndRerank(ctx context.Context, userID, folderID uuid.UUID, query string, initialTopK, finalTopK int) ([]*Result, error) {
	if initialTopK <= 0 {
		initialTopK = r.cfg.InitialTopK
	}
	if finalTopK <= 0 {
		finalTopK = r.cfg.FinalTopK
	}

	results, err := r.Retrieve(ctx, userID, folderID, query, initialTopK)
	if err != nil {
		return nil, err
	}
	if r.reranker == nil || len(results) <= finalTopK {
		return results, nil
	}

	documents := make([]string, len(results))
	for i, res := range results {
		documents[i] = res.Text
	}
	ranked, err := r.reranker.Rerank(ctx, query, documents, finalTopK)
	if err != nil {
		// Fall back to the fused order.
		slog.Warn("Rerank failed, keeping fusion order", "error", err)
		return results[:finalTopK], nil
	}

	reranked := make([]*Result, 0, len(ranked))
	for _, doc := range ranked {
		res := results[doc.Index]
		score := doc.Score
		res.RerankScore = &score
		reranked = append(reranked, res)
	}
	return reranked, nil
}

// BuildLexicalQuery turns free text into a permissive OR tsquery: tokens are
// lowercased, stripped to word characters, dropped when shorter than 3, and
// joined with "|". Empty output means the lexical signal is skipped.
func BuildLexicalQuery(query string) string {
	var tokens []string
	for _, field := range strings.Fields(query) {
		token := sanitizeToken(field)
		if len(token) < 3 {
			continue
		}
		tokens = append(tokens, token)
	}
	return strings.Join(tokens, " | ")
}

var nonWordRe = regexp.MustCompile(`[^a-z0-9]+`)

func sanitizeToken(s string) string {
	return nonWordRe.ReplaceAllString(strings.ToLower(s), "")
}
