package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/quiverhq/quiver/pkg/llm"
	"github.com/quiverhq/quiver/pkg/retrieval"
	"github.com/quiverhq/quiver/pkg/store"
)

// Tool names exposed to the model.
const (
	ToolSearchFolder  = "search_folder"
	ToolGetFileChunks = "get_file_chunks"
	ToolGetFile       = "get_file"
)

// fileChunkPageSize is the page size used when concatenating a whole file.
const fileChunkPageSize = 200

// Retriever is the hybrid retrieval surface the search tool calls.
type Retriever interface {
	RetrieveAndRerank(ctx context.Context, userID, folderID uuid.UUID, query string, initialTopK, finalTopK int) ([]*retrieval.Result, error)
	Retrieve(ctx context.Context, userID, folderID uuid.UUID, query string, topK int) ([]*retrieval.Result, error)
}

// ToolStore is the read surface of the store the tools use.
type ToolStore interface {
	GetFileInFolder(ctx context.Context, folderID, fileID uuid.UUID) (*store.File, error)
	ChunksByFile(ctx context.Context, fileID uuid.UUID, limit, offset int) ([]*store.Chunk, error)
}

// SourceReader re-fetches a file from the source drive for the freshest read.
type SourceReader interface {
	ExtractText(ctx context.Context, userID uuid.UUID, file *store.File) (string, error)
}

type searchFolderArgs struct {
	Query string `json:"query" jsonschema:"required,description=Natural-language search query over the folder's documents"`
}

type fileArgs struct {
	FileID string `json:"file_id" jsonschema:"required,description=UUID of a file in the current folder"`
}

// toolset executes the agent's three tools for one request. It accumulates
// the observed chunks (for citations) and the distinct file names touched (for
// the done event), both in insertion order. Not safe for concurrent use; the
// loop executes tools sequentially.
type toolset struct {
	retriever Retriever
	store     ToolStore
	reader    SourceReader

	userID uuid.UUID
	folder *store.Folder

	indexed    []store.SearchHit
	refByChunk map[uuid.UUID]int

	searchedFiles []string
	seenFiles     map[string]bool
}

func newToolset(retriever Retriever, st ToolStore, reader SourceReader, userID uuid.UUID, folder *store.Folder) *toolset {
	return &toolset{
		retriever:  retriever,
		store:      st,
		reader:     reader,
		userID:     userID,
		folder:     folder,
		refByChunk: make(map[uuid.UUID]int),
		seenFiles:  make(map[string]bool),
	}
}

// definitions is the tool catalog sent to the model.
func definitions() []llm.ToolDefinition {
	return []llm.ToolDefinition{
		{
			Name: ToolSearchFolder,
			Description: "Search the folder's indexed documents. Returns the best-matching passages " +
				"with a numeric ref usable as an inline citation like [1].",
			Parameters: mustInputSchema[searchFolderArgs](),
		},
		{
			Name:        ToolGetFileChunks,
			Description: "Read the full indexed text of one file, in document order.",
			Parameters:  mustInputSchema[fileArgs](),
		},
		{
			Name: ToolGetFile,
			Description: "Re-download a file from the source drive and extract its current text. " +
				"Slower than get_file_chunks but reflects the latest revision.",
			Parameters: mustInputSchema[fileArgs](),
		},
	}
}

// phaseFor maps a tool to the status phase reported while it runs.
func phaseFor(tool string) string {
	switch tool {
	case ToolSearchFolder:
		return PhaseSearching
	case ToolGetFileChunks, ToolGetFile:
		return PhaseReadingFile
	default:
		return PhaseProcessing
	}
}

// execute runs one tool call and returns the model-visible result. Errors are
// also model-visible: the loop keeps going and lets the model recover.
func (t *toolset) execute(ctx context.Context, name string, rawArgs json.RawMessage) string {
	result, err := t.dispatch(ctx, name, rawArgs)
	if err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	return result
}

func (t *toolset) dispatch(ctx context.Context, name string, rawArgs json.RawMessage) (string, error) {
	switch name {
	case ToolSearchFolder:
		var args searchFolderArgs
		if err := json.Unmarshal(rawArgs, &args); err != nil || args.Query == "" {
			return "", errors.New("search_folder requires a query argument")
		}
		return t.searchFolder(ctx, args.Query)

	case ToolGetFileChunks:
		file, err := t.resolveFile(ctx, rawArgs)
		if err != nil {
			return "", err
		}
		return t.getFileChunks(ctx, file)

	case ToolGetFile:
		file, err := t.resolveFile(ctx, rawArgs)
		if err != nil {
			return "", err
		}
		return t.getFile(ctx, file)

	default:
		return "", fmt.Errorf("unknown tool %q", name)
	}
}

// resolveFile parses and authorizes a file argument: the file must belong to
// the request's folder.
func (t *toolset) resolveFile(ctx context.Context, rawArgs json.RawMessage) (*store.File, error) {
	var args fileArgs
	if err := json.Unmarshal(rawArgs, &args); err != nil || args.FileID == "" {
		return nil, errors.New("a file_id argument is required")
	}
	fileID, err := uuid.Parse(args.FileID)
	if err != nil {
		return nil, fmt.Errorf("invalid file_id %q", args.FileID)
	}
	file, err := t.store.GetFileInFolder(ctx, t.folder.ID, fileID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("file %s not found in this folder", fileID)
	}
	if err != nil {
		return nil, err
	}
	return file, nil
}

type searchHitPayload struct {
	Ref      int     `json:"ref"`
	FileID   string  `json:"file_id"`
	FileName string  `json:"file_name"`
	Excerpt  string  `json:"excerpt"`
	Location string  `json:"location"`
	Score    float64 `json:"score"`
}

func (t *toolset) searchFolder(ctx context.Context, query string) (string, error) {
	results, err := t.retriever.RetrieveAndRerank(ctx, t.userID, t.folder.ID, query, 0, 0)
	if err != nil {
		return "", fmt.Errorf("search failed: %w", err)
	}
	if len(results) == 0 {
		return "No matching passages found.", nil
	}

	payload := make([]searchHitPayload, 0, len(results))
	for _, res := range results {
		ref := t.observe(res.SearchHit)
		score := res.Combined
		if res.RerankScore != nil {
			score = *res.RerankScore
		}
		payload = append(payload, searchHitPayload{
			Ref:      ref,
			FileID:   res.FileID.String(),
			FileName: res.FileName,
			Excerpt:  excerpt(res.Text, citationExcerptSize),
			Location: res.Location.String(),
			Score:    score,
		})
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode search results: %w", err)
	}
	return string(data), nil
}

// observe registers a hit in the running citation list, deduplicated by chunk
// id, and returns its stable 1-based ref.
func (t *toolset) observe(hit store.SearchHit) int {
	if ref, ok := t.refByChunk[hit.ChunkID]; ok {
		return ref
	}
	t.indexed = append(t.indexed, hit)
	ref := len(t.indexed)
	t.refByChunk[hit.ChunkID] = ref
	t.recordFile(hit.FileName)
	return ref
}

func (t *toolset) recordFile(name string) {
	if name == "" || t.seenFiles[name] {
		return
	}
	t.seenFiles[name] = true
	t.searchedFiles = append(t.searchedFiles, name)
}

func (t *toolset) getFileChunks(ctx context.Context, file *store.File) (string, error) {
	var text []byte
	for offset := 0; ; offset += fileChunkPageSize {
		chunks, err := t.store.ChunksByFile(ctx, file.ID, fileChunkPageSize, offset)
		if err != nil {
			return "", fmt.Errorf("failed to read file chunks: %w", err)
		}
		for _, c := range chunks {
			if len(text) > 0 {
				text = append(text, "\n\n"...)
			}
			text = append(text, c.Text...)
		}
		if len(chunks) < fileChunkPageSize {
			break
		}
	}
	t.recordFile(file.Name)
	if len(text) == 0 {
		return fmt.Sprintf("File %q has no indexed content.", file.Name), nil
	}
	return string(text), nil
}

func (t *toolset) getFile(ctx context.Context, file *store.File) (string, error) {
	if t.reader == nil {
		return "", errors.New("live file reads are not available")
	}
	text, err := t.reader.ExtractText(ctx, t.userID, file)
	if err != nil {
		return "", fmt.Errorf("failed to fetch file: %w", err)
	}
	t.recordFile(file.Name)
	if text == "" {
		return fmt.Sprintf("File %q has no extractable content.", file.Name), nil
	}
	return text, nil
}
