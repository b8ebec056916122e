package agent

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiverhq/quiver/pkg/store"
)

type fakeReader struct {
	text string
	err  error
}

func (f *fakeReader) ExtractText(ctx context.Context, userID uuid.UUID, file *store.File) (string, error) {
	return f.text, f.err
}

func newTestToolset(st *fakeAgentStore, reader SourceReader) (*toolset, *store.Folder) {
	folder := &store.Folder{ID: uuid.New(), Name: "Reports"}
	return newToolset(&fakeRetriever{}, st, reader, uuid.New(), folder), folder
}

func TestGetFileChunksConcatenatesInOrder(t *testing.T) {
	st := &fakeAgentStore{files: map[uuid.UUID]*store.File{}, chunks: map[uuid.UUID][]*store.Chunk{}}
	ts, folder := newTestToolset(st, nil)

	fileID := uuid.New()
	st.files[fileID] = &store.File{ID: fileID, FolderID: folder.ID, Name: "Doc A"}
	st.chunks[fileID] = []*store.Chunk{
		{Text: "first", Index: 0},
		{Text: "second", Index: 1},
	}

	result := ts.execute(context.Background(), ToolGetFileChunks,
		[]byte(`{"file_id":"`+fileID.String()+`"}`))
	assert.Equal(t, "first\n\nsecond", result)
	assert.Equal(t, []string{"Doc A"}, ts.searchedFiles)
}

func TestGetFileChunksRejectsForeignFile(t *testing.T) {
	st := &fakeAgentStore{files: map[uuid.UUID]*store.File{}}
	ts, _ := newTestToolset(st, nil)

	// File exists but belongs to another folder.
	foreignID := uuid.New()
	st.files[foreignID] = &store.File{ID: foreignID, FolderID: uuid.New(), Name: "Other"}

	result := ts.execute(context.Background(), ToolGetFileChunks,
		[]byte(`{"file_id":"`+foreignID.String()+`"}`))
	assert.Contains(t, result, "not found in this folder")
	assert.Empty(t, ts.searchedFiles)
}

func TestGetFileUsesSourceReader(t *testing.T) {
	st := &fakeAgentStore{files: map[uuid.UUID]*store.File{}}
	ts, folder := newTestToolset(st, &fakeReader{text: "fresh content"})

	fileID := uuid.New()
	st.files[fileID] = &store.File{ID: fileID, FolderID: folder.ID, Name: "Doc A"}

	result := ts.execute(context.Background(), ToolGetFile,
		[]byte(`{"file_id":"`+fileID.String()+`"}`))
	assert.Equal(t, "fresh content", result)
	assert.Equal(t, []string{"Doc A"}, ts.searchedFiles)
}

func TestToolErrorsAreModelVisible(t *testing.T) {
	st := &fakeAgentStore{}
	ts, _ := newTestToolset(st, nil)

	cases := []struct {
		name string
		args string
	}{
		{ToolSearchFolder, `{}`},
		{ToolGetFileChunks, `{"file_id":"not-a-uuid"}`},
		{ToolGetFile, `{}`},
		{"delete_everything", `{}`},
	}
	for _, tc := range cases {
		result := ts.execute(context.Background(), tc.name, []byte(tc.args))
		assert.Contains(t, result, "Error:", "tool %s args %s", tc.name, tc.args)
	}
}

func TestToolDefinitionsCarrySchemas(t *testing.T) {
	defs := definitions()
	require.Len(t, defs, 3)

	names := make(map[string]bool)
	for _, def := range defs {
		names[def.Name] = true
		require.NotNil(t, def.Parameters, def.Name)
		assert.Equal(t, "object", def.Parameters["type"], def.Name)
		assert.NotEmpty(t, def.Description, def.Name)
	}
	assert.True(t, names[ToolSearchFolder] && names[ToolGetFileChunks] && names[ToolGetFile])
}
