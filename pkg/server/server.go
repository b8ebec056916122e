// Package server exposes the HTTP API: folder management, sync triggers,
// SSE chat in agent and standard mode, conversation history, and operational
// endpoints.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quiverhq/quiver/pkg/agent"
	"github.com/quiverhq/quiver/pkg/analytics"
	"github.com/quiverhq/quiver/pkg/store"
	qsync "github.com/quiverhq/quiver/pkg/sync"
)

// Config tunes the HTTP server.
type Config struct {
	Host string
	Port int

	MaxRequestSizeBytes        int64
	MaxChatMessageLength       int
	MaxConversationTitleLength int
	SessionExpireHours         int

	ShutdownTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.MaxRequestSizeBytes == 0 {
		c.MaxRequestSizeBytes = 1 << 20
	}
	if c.MaxChatMessageLength == 0 {
		c.MaxChatMessageLength = 32000
	}
	if c.MaxConversationTitleLength == 0 {
		c.MaxConversationTitleLength = 255
	}
	if c.SessionExpireHours == 0 {
		c.SessionExpireHours = 168
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
}

// Storage is the store surface the handlers use.
type Storage interface {
	UpsertUser(ctx context.Context, externalID, email string) (*store.User, error)
	SaveSession(ctx context.Context, sess *store.Session) error

	CreateFolder(ctx context.Context, userID uuid.UUID, remoteFolderID, name string) (*store.Folder, error)
	GetFolder(ctx context.Context, userID, folderID uuid.UUID) (*store.Folder, error)
	ListFolders(ctx context.Context, userID uuid.UUID) ([]*store.Folder, error)
	DeleteFolder(ctx context.Context, userID, folderID uuid.UUID) error
	ListFilesByFolder(ctx context.Context, folderID uuid.UUID) ([]*store.File, error)

	GetChunk(ctx context.Context, chunkID uuid.UUID) (*store.Chunk, error)
	ChunkContext(ctx context.Context, chunkID uuid.UUID, window int) ([]*store.Chunk, error)

	CreateConversation(ctx context.Context, folderID uuid.UUID, title string) (*store.Conversation, error)
	GetConversation(ctx context.Context, folderID, conversationID uuid.UUID) (*store.Conversation, error)
	ListConversations(ctx context.Context, folderID uuid.UUID) ([]*store.Conversation, error)
	DeleteConversation(ctx context.Context, folderID, conversationID uuid.UUID) error
	ListMessages(ctx context.Context, conversationID uuid.UUID) ([]*store.Message, error)
}

// Answerer runs one chat turn, emitting events until a terminal done event.
type Answerer interface {
	Run(ctx context.Context, req agent.Request, out chan<- agent.Event)
	RunStandard(ctx context.Context, req agent.Request, out chan<- agent.Event)
}

// Syncer triggers one folder sync pass.
type Syncer interface {
	Sync(ctx context.Context, folderID uuid.UUID) (*qsync.Result, error)
}

// Server is the HTTP front end.
type Server struct {
	cfg       Config
	store     Storage
	agent     Answerer
	syncer    Syncer
	analytics *analytics.Client

	httpServer *http.Server
}

// New wires the server. analytics may be nil.
func New(cfg Config, st Storage, answerer Answerer, syncer Syncer, an *analytics.Client) *Server {
	cfg.setDefaults()
	return &Server{cfg: cfg, store: st, agent: answerer, syncer: syncer, analytics: an}
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.loggingMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Use(s.bodyLimitMiddleware)

		r.Post("/auth/session", s.handleSaveSession)

		r.Route("/folders", func(r chi.Router) {
			r.Get("/", s.handleListFolders)
			r.Post("/", s.handleCreateFolder)

			r.Route("/{folderID}", func(r chi.Router) {
				r.Get("/", s.handleGetFolder)
				r.Delete("/", s.handleDeleteFolder)
				r.Get("/status", s.handleFolderStatus)
				r.Get("/files", s.handleListFiles)
				r.Post("/sync", s.handleSyncFolder)
				r.Post("/chat", s.handleChat)

				r.Route("/conversations", func(r chi.Router) {
					r.Get("/", s.handleListConversations)
					r.Get("/{conversationID}", s.handleGetConversation)
					r.Delete("/{conversationID}", s.handleDeleteConversation)
				})
			})
		})

		r.Get("/chunks/{chunkID}/context", s.handleChunkContext)
	})

	return r
}

// Start serves until the context is canceled, then drains connections.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
