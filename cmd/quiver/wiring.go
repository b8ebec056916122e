package main

import (
	"fmt"

	"github.com/quiverhq/quiver/pkg/agent"
	"github.com/quiverhq/quiver/pkg/analytics"
	"github.com/quiverhq/quiver/pkg/config"
	"github.com/quiverhq/quiver/pkg/crypto"
	"github.com/quiverhq/quiver/pkg/drive"
	"github.com/quiverhq/quiver/pkg/embedder"
	"github.com/quiverhq/quiver/pkg/extract"
	"github.com/quiverhq/quiver/pkg/llm"
	"github.com/quiverhq/quiver/pkg/ocr"
	"github.com/quiverhq/quiver/pkg/retrieval"
	"github.com/quiverhq/quiver/pkg/store"
	qsync "github.com/quiverhq/quiver/pkg/sync"
	"github.com/quiverhq/quiver/pkg/worker"
)

// app bundles the long-lived clients both the server and the worker need.
type app struct {
	cfg       *config.Config
	store     *store.Store
	drive     *drive.Client
	llm       *llm.Client
	embedder  *embedder.Client
	analytics *analytics.Client
}

func buildApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	sealer, err := crypto.NewSealer(cfg.Auth.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize token sealer: %w", err)
	}

	st, err := store.Open(store.Options{
		URL:                cfg.Database.URL,
		Dimension:          cfg.Embedder.Dimension,
		Sealer:             sealer,
		MaxOpenConns:       cfg.Database.PoolSize + cfg.Database.MaxOverflow,
		ConnMaxLifetime:    cfg.Database.PoolRecycle,
		StatementTimeoutMS: cfg.Database.StatementTimeoutMS,
		LockTimeoutMS:      cfg.Database.LockTimeoutMS,
	})
	if err != nil {
		return nil, err
	}

	llmClient, err := llm.NewClient(llm.Config{
		APIKey:     cfg.LLM.APIKey,
		Host:       cfg.LLM.Host,
		Model:      cfg.LLM.Model,
		FastModel:  cfg.LLM.FastModel,
		MaxTokens:  cfg.LLM.MaxTokens,
		Timeout:    cfg.LLM.Timeout,
		MaxRetries: cfg.LLM.MaxRetries,
		RetryDelay: cfg.LLM.RetryDelay,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	embClient, err := embedder.NewClient(embedder.Config{
		APIKey:      cfg.Embedder.APIKey,
		BaseURL:     cfg.Embedder.Host,
		Model:       cfg.Embedder.Model,
		RerankModel: cfg.Embedder.RerankModel,
		Dimension:   cfg.Embedder.Dimension,
		BatchSize:   cfg.Embedder.BatchSize,
		Timeout:     cfg.Embedder.Timeout,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	driveClient := drive.NewClient(drive.Config{
		ClientID:     cfg.Auth.ClientID,
		ClientSecret: cfg.Auth.ClientSecret,
		TokenURL:     cfg.Auth.TokenURL,
	})

	return &app{
		cfg:      cfg,
		store:    st,
		drive:    driveClient,
		llm:      llmClient,
		embedder: embClient,
		analytics: analytics.NewClient(analytics.Config{
			Enabled: cfg.Analytics.Enabled,
			APIKey:  cfg.Analytics.APIKey,
			Host:    cfg.Analytics.Host,
		}),
	}, nil
}

func (a *app) close() {
	_ = a.store.Close()
}

// buildIngestor wires the per-file indexing pipeline.
func (a *app) buildIngestor() (*worker.Ingestor, error) {
	var ocrProvider extract.OCRProvider
	if a.cfg.OCR.APIKey != "" {
		client, err := ocr.NewClient(ocr.Config{
			APIKey:  a.cfg.OCR.APIKey,
			BaseURL: a.cfg.OCR.Host,
			Model:   a.cfg.OCR.Model,
			Timeout: a.cfg.OCR.Timeout,
		})
		if err != nil {
			return nil, err
		}
		ocrProvider = client
	}

	var contextualizer *worker.Contextualizer
	if a.cfg.Chunking.ContextualEnabled {
		contextualizer = worker.NewContextualizer(a.llm, a.cfg.Chunking.ContextualConcurrency)
	}

	chunker := extract.NewChunker(
		a.cfg.Chunking.Target, a.cfg.Chunking.Max,
		a.cfg.Chunking.Min, a.cfg.Chunking.Overlap)

	return worker.NewIngestor(worker.Config{
		RetryBase:         a.cfg.Worker.RetryBase,
		RetryCap:          a.cfg.Worker.RetryCap,
		ContextualEnabled: a.cfg.Chunking.ContextualEnabled,
	}, a.store, a.drive, a.drive, a.embedder, chunker, ocrProvider, a.llm, contextualizer), nil
}

func (a *app) buildRetriever() (*retrieval.Retriever, error) {
	return retrieval.NewRetriever(retrieval.Config{
		Mode:          a.cfg.Retrieval.Fusion,
		DenseWeight:   a.cfg.Retrieval.VectorWeight,
		LexicalWeight: a.cfg.Retrieval.KeywordWeight,
		RecencyWeight: a.cfg.Retrieval.RecencyWeight,
		HalfLifeDays:  a.cfg.Retrieval.RecencyHalfLifeDays,
		InitialTopK:   a.cfg.Retrieval.InitialTopK,
		FinalTopK:     a.cfg.Retrieval.FinalTopK,
	}, a.store, a.embedder, a.embedder)
}

func (a *app) buildAgent(ingestor *worker.Ingestor) (*agent.Agent, error) {
	retriever, err := a.buildRetriever()
	if err != nil {
		return nil, err
	}
	return agent.NewAgent(agent.Config{
		MaxIterations: a.cfg.Agent.MaxIterations,
		ContextTopK:   a.cfg.Agent.ContextTopK,
	}, a.llm, retriever, a.store, ingestor), nil
}

func (a *app) buildSynchronizer() *qsync.Synchronizer {
	return qsync.NewSynchronizer(qsync.Config{
		Interval:    a.cfg.Sync.Interval,
		MaxAttempts: a.cfg.Worker.MaxAttempts,
	}, a.store, a.drive, a.drive)
}
