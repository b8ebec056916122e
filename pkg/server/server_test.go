package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiverhq/quiver/pkg/agent"
	"github.com/quiverhq/quiver/pkg/store"
	qsync "github.com/quiverhq/quiver/pkg/sync"
)

type fakeStorage struct {
	user          *store.User
	folders       map[uuid.UUID]*store.Folder
	files         map[uuid.UUID][]*store.File
	chunks        map[uuid.UUID]*store.Chunk
	conversations map[uuid.UUID]*store.Conversation
	messages      map[uuid.UUID][]*store.Message

	savedSession *store.Session
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		user:          &store.User{ID: uuid.New(), ExternalID: "ext-1"},
		folders:       map[uuid.UUID]*store.Folder{},
		files:         map[uuid.UUID][]*store.File{},
		chunks:        map[uuid.UUID]*store.Chunk{},
		conversations: map[uuid.UUID]*store.Conversation{},
		messages:      map[uuid.UUID][]*store.Message{},
	}
}

func (f *fakeStorage) UpsertUser(ctx context.Context, externalID, email string) (*store.User, error) {
	return f.user, nil
}

func (f *fakeStorage) SaveSession(ctx context.Context, sess *store.Session) error {
	f.savedSession = sess
	return nil
}

func (f *fakeStorage) CreateFolder(ctx context.Context, userID uuid.UUID, remoteFolderID, name string) (*store.Folder, error) {
	folder := &store.Folder{ID: uuid.New(), UserID: userID, RemoteFolderID: remoteFolderID, Name: name, Status: store.FolderPending}
	f.folders[folder.ID] = folder
	return folder, nil
}

func (f *fakeStorage) GetFolder(ctx context.Context, userID, folderID uuid.UUID) (*store.Folder, error) {
	folder, ok := f.folders[folderID]
	if !ok || folder.UserID != userID {
		return nil, store.ErrNotFound
	}
	return folder, nil
}

func (f *fakeStorage) ListFolders(ctx context.Context, userID uuid.UUID) ([]*store.Folder, error) {
	var out []*store.Folder
	for _, folder := range f.folders {
		if folder.UserID == userID {
			out = append(out, folder)
		}
	}
	return out, nil
}

func (f *fakeStorage) DeleteFolder(ctx context.Context, userID, folderID uuid.UUID) error {
	delete(f.folders, folderID)
	return nil
}

func (f *fakeStorage) ListFilesByFolder(ctx context.Context, folderID uuid.UUID) ([]*store.File, error) {
	return f.files[folderID], nil
}

func (f *fakeStorage) GetChunk(ctx context.Context, chunkID uuid.UUID) (*store.Chunk, error) {
	c, ok := f.chunks[chunkID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return c, nil
}

func (f *fakeStorage) ChunkContext(ctx context.Context, chunkID uuid.UUID, window int) ([]*store.Chunk, error) {
	c, err := f.GetChunk(ctx, chunkID)
	if err != nil {
		return nil, err
	}
	return []*store.Chunk{c}, nil
}

func (f *fakeStorage) CreateConversation(ctx context.Context, folderID uuid.UUID, title string) (*store.Conversation, error) {
	c := &store.Conversation{ID: uuid.New(), FolderID: folderID, Title: title}
	f.conversations[c.ID] = c
	return c, nil
}

func (f *fakeStorage) GetConversation(ctx context.Context, folderID, conversationID uuid.UUID) (*store.Conversation, error) {
	c, ok := f.conversations[conversationID]
	if !ok || c.FolderID != folderID {
		return nil, store.ErrNotFound
	}
	return c, nil
}

func (f *fakeStorage) ListConversations(ctx context.Context, folderID uuid.UUID) ([]*store.Conversation, error) {
	var out []*store.Conversation
	for _, c := range f.conversations {
		if c.FolderID == folderID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStorage) DeleteConversation(ctx context.Context, folderID, conversationID uuid.UUID) error {
	delete(f.conversations, conversationID)
	return nil
}

func (f *fakeStorage) ListMessages(ctx context.Context, conversationID uuid.UUID) ([]*store.Message, error) {
	return f.messages[conversationID], nil
}

type fakeAnswerer struct {
	tokens []string
	ran    chan string
}

func (f *fakeAnswerer) run(mode string, req agent.Request, out chan<- agent.Event) {
	for _, tok := range f.tokens {
		out <- agent.Event{Type: agent.EventToken, Token: tok}
	}
	out <- agent.Event{Type: agent.EventDone, Done: &agent.DoneEvent{
		Done:           true,
		Citations:      map[string]store.Citation{},
		SearchedFiles:  []string{},
		ConversationID: req.Conversation.ID,
		Iterations:     1,
	}}
	if f.ran != nil {
		f.ran <- mode
	}
}

func (f *fakeAnswerer) Run(ctx context.Context, req agent.Request, out chan<- agent.Event) {
	f.run("agent", req, out)
}

func (f *fakeAnswerer) RunStandard(ctx context.Context, req agent.Request, out chan<- agent.Event) {
	f.run("standard", req, out)
}

type fakeSyncer struct {
	result *qsync.Result
	called chan uuid.UUID
}

func (f *fakeSyncer) Sync(ctx context.Context, folderID uuid.UUID) (*qsync.Result, error) {
	if f.called != nil {
		select {
		case f.called <- folderID:
		default:
		}
	}
	if f.result != nil {
		return f.result, nil
	}
	return &qsync.Result{Synced: true}, nil
}

func newTestServer(st *fakeStorage, answerer Answerer, syncer Syncer) *Server {
	if answerer == nil {
		answerer = &fakeAnswerer{}
	}
	if syncer == nil {
		syncer = &fakeSyncer{}
	}
	return New(Config{}, st, answerer, syncer, nil)
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("X-User-ID", "ext-1")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(newFakeStorage(), nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/folders/", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateFolderTriggersInitialSync(t *testing.T) {
	st := newFakeStorage()
	syncer := &fakeSyncer{called: make(chan uuid.UUID, 1)}
	s := newTestServer(st, nil, syncer)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/folders/",
		`{"remote_folder_id":"drive-123","name":"Reports"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"drive-123"`)
	assert.Contains(t, rec.Body.String(), `"pending"`)

	select {
	case <-syncer.called:
	case <-time.After(2 * time.Second):
		t.Fatal("initial sync was not triggered")
	}
}

func TestCreateFolderValidation(t *testing.T) {
	s := newTestServer(newFakeStorage(), nil, nil)
	rec := doRequest(t, s, http.MethodPost, "/api/v1/folders/", `{"name":"Reports"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetFolderScopedToOwner(t *testing.T) {
	st := newFakeStorage()
	foreign := &store.Folder{ID: uuid.New(), UserID: uuid.New(), Name: "Other"}
	st.folders[foreign.ID] = foreign

	s := newTestServer(st, nil, nil)
	rec := doRequest(t, s, http.MethodGet, "/api/v1/folders/"+foreign.ID.String(), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSyncEndpointReturnsResult(t *testing.T) {
	st := newFakeStorage()
	folder := &store.Folder{ID: uuid.New(), UserID: st.user.ID, Name: "Reports"}
	st.folders[folder.ID] = folder

	syncer := &fakeSyncer{result: &qsync.Result{Synced: false, Reason: qsync.ReasonRecentSync}}
	s := newTestServer(st, nil, syncer)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/folders/"+folder.ID.String()+"/sync", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "recent_sync")
}

func TestChatStreamsEvents(t *testing.T) {
	st := newFakeStorage()
	folder := &store.Folder{ID: uuid.New(), UserID: st.user.ID, Name: "Reports"}
	st.folders[folder.ID] = folder

	answerer := &fakeAnswerer{tokens: []string{"Revenue ", "grew."}}
	s := newTestServer(st, answerer, nil)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/folders/"+folder.ID.String()+"/chat",
		`{"message":"How did revenue develop?"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "event: token")
	assert.Contains(t, body, "Revenue ")
	assert.Contains(t, body, "event: done")
	assert.Equal(t, 1, strings.Count(body, "event: done"))

	// A new conversation was created and titled after the message.
	require.Len(t, st.conversations, 1)
	for _, c := range st.conversations {
		assert.Equal(t, "How did revenue develop?", c.Title)
	}
}

func TestChatStandardMode(t *testing.T) {
	st := newFakeStorage()
	folder := &store.Folder{ID: uuid.New(), UserID: st.user.ID, Name: "Reports"}
	st.folders[folder.ID] = folder

	answerer := &fakeAnswerer{ran: make(chan string, 1)}
	s := newTestServer(st, answerer, nil)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/folders/"+folder.ID.String()+"/chat",
		`{"message":"hello","mode":"standard"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "standard", <-answerer.ran)
}

func TestChatValidation(t *testing.T) {
	st := newFakeStorage()
	folder := &store.Folder{ID: uuid.New(), UserID: st.user.ID, Name: "Reports"}
	st.folders[folder.ID] = folder
	s := newTestServer(st, nil, nil)

	path := "/api/v1/folders/" + folder.ID.String() + "/chat"

	rec := doRequest(t, s, http.MethodPost, path, `{"message":"   "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	long := strings.Repeat("x", 32001)
	rec = doRequest(t, s, http.MethodPost, path, `{"message":"`+long+`"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s, http.MethodPost, path, `{"message":"hi","mode":"turbo"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s, http.MethodPost, path, `{"message":"hi","conversation_id":"`+uuid.New().String()+`"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChunkContextScopedToOwner(t *testing.T) {
	st := newFakeStorage()
	mine := &store.Chunk{ID: uuid.New(), UserID: st.user.ID, Text: "mine"}
	foreign := &store.Chunk{ID: uuid.New(), UserID: uuid.New(), Text: "foreign"}
	st.chunks[mine.ID] = mine
	st.chunks[foreign.ID] = foreign

	s := newTestServer(st, nil, nil)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/chunks/"+mine.ID.String()+"/context", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "mine")

	rec = doRequest(t, s, http.MethodGet, "/api/v1/chunks/"+foreign.ID.String()+"/context", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/api/v1/chunks/"+mine.ID.String()+"/context?window=99", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSaveSession(t *testing.T) {
	st := newFakeStorage()
	s := newTestServer(st, nil, nil)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/auth/session",
		`{"access_token":"at","refresh_token":"rt","expires_in":1800}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.NotNil(t, st.savedSession)
	assert.Equal(t, "at", st.savedSession.AccessToken)
	assert.True(t, st.savedSession.ExpiresAt.After(time.Now().Add(20*time.Minute)))

	rec = doRequest(t, s, http.MethodPost, "/api/v1/auth/session", `{"access_token":"at"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(newFakeStorage(), nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
