package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/kalambet/docuquery/internal/apperr"
	"github.com/kalambet/docuquery/internal/chunker"
	"github.com/kalambet/docuquery/internal/config"
	"github.com/kalambet/docuquery/internal/ingest"
	"github.com/kalambet/docuquery/internal/llm"
	"github.com/kalambet/docuquery/internal/ollama"
	"github.com/kalambet/docuquery/internal/prompts"
	"github.com/kalambet/docuquery/internal/query"
	"github.com/kalambet/docuquery/internal/retrieval"
	"github.com/kalambet/docuquery/internal/storage"
)

// App holds the long-lived components built at startup.
type App struct {
	Service *Service
	Worker  *ingest.Worker
	Store   *storage.Store
	Gateway *llm.Gateway
	Index   retrieval.VectorIndex
}

// Close releases the index connection and the database.
func (a *App) Close() error {
	var errs []error
	if a.Index != nil {
		errs = append(errs, a.Index.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}

// Build validates cfg and wires every component. The caller owns the
// returned App and must Close it.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger, version string) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	app := &App{Store: store}

	pm, err := prompts.Load(cfg.Prompts.Dir, cfg.Prompts.Version)
	if err != nil {
		app.Close()
		return nil, err
	}

	provider, err := embeddingProvider(ctx, cfg)
	if err != nil {
		app.Close()
		return nil, err
	}
	embedder := retrieval.NewEmbedder(provider, cfg.Embedding.BatchSize)

	index, err := vectorIndex(cfg, store)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Index = index
	if err := index.Initialize(ctx); err != nil {
		// Initialization is retried lazily on the next operation.
		logger.Warn("vector store not ready", "backend", cfg.VectorStore.Backend, "error", err)
	}

	app.Gateway = gateway(cfg, logger)
	if len(app.Gateway.Providers()) == 0 {
		logger.Warn("no LLM provider configured; questions cannot be answered")
	}

	pipeline := ingest.NewPipeline(ingest.Deps{
		Documents: store,
		Jobs:      store,
		Chunker:   chunker.New(cfg.Chunking.Size, cfg.Chunking.Overlap),
		Embedder:  embedder,
		Index:     index,
		Logger:    logger,
	})
	retriever := retrieval.NewRetriever(embedder, index, cfg.Retrieval.TopK, float32(cfg.Retrieval.ScoreThreshold))
	engine := query.New(retriever, pm, app.Gateway, query.Options{
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		Logger:      logger,
	})

	app.Worker = ingest.NewWorker(store, pipeline, 0, logger)
	app.Service = New(Deps{
		Ingest:     pipeline,
		Query:      engine,
		Search:     retriever,
		Documents:  store,
		Index:      index,
		LLM:        app.Gateway,
		Embeddings: embedder,
		Logger:     logger,
		Version:    version,
	})

	logger.Info("docuquery initialized",
		"embedding_provider", cfg.Embedding.Provider,
		"embedding_model", cfg.Embedding.Model,
		"vector_store", cfg.VectorStore.Backend,
		"llm_providers", app.Gateway.Providers(),
		"prompts_version", pm.Version(),
	)
	return app, nil
}

func embeddingProvider(ctx context.Context, cfg config.Config) (retrieval.EmbeddingProvider, error) {
	switch cfg.Embedding.Provider {
	case "ollama":
		c := ollama.New(cfg.Embedding.OllamaBaseURL)
		if err := ollama.EnsureReady(ctx, c, cfg.Embedding.Model, os.Stderr); err != nil {
			return nil, apperr.Wrap(apperr.ErrConfiguration, err, "preparing ollama embeddings")
		}
		return retrieval.NewOllamaEmbeddings(c, cfg.Embedding.Model), nil
	case "openai":
		return retrieval.NewOpenAIEmbeddings(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.Embedding.Model, cfg.Embedding.Dimensions), nil
	default:
		return nil, apperr.New(apperr.ErrConfiguration, "unknown embedding provider %q", cfg.Embedding.Provider)
	}
}

func vectorIndex(cfg config.Config, store *storage.Store) (retrieval.VectorIndex, error) {
	switch cfg.VectorStore.Backend {
	case "qdrant":
		return retrieval.NewQdrantStore(retrieval.QdrantConfig{
			Host:       cfg.Qdrant.Host,
			Port:       cfg.Qdrant.Port,
			APIKey:     cfg.Qdrant.APIKey,
			UseTLS:     cfg.Qdrant.UseTLS,
			Collection: cfg.Qdrant.Collection,
			Dimension:  cfg.Embedding.Dimensions,
		})
	case "sqlite":
		return retrieval.NewSQLiteStore(store.DB(), cfg.Qdrant.Collection, cfg.Embedding.Dimensions), nil
	default:
		return nil, apperr.New(apperr.ErrConfiguration, "unknown vector store backend %q", cfg.VectorStore.Backend)
	}
}

// gateway registers OpenAI first, then Anthropic, for every key that is set.
func gateway(cfg config.Config, logger *slog.Logger) *llm.Gateway {
	var entries []llm.Entry
	breaker := func() *llm.CircuitBreaker {
		return llm.NewCircuitBreaker(cfg.LLM.FailureThreshold, cfg.LLM.Recovery())
	}
	if cfg.OpenAI.APIKey != "" {
		entries = append(entries, llm.Entry{
			Provider: llm.NewOpenAI(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.LLM.Model, cfg.LLM.Timeout()),
			Breaker:  breaker(),
		})
	}
	if cfg.Anthropic.APIKey != "" {
		entries = append(entries, llm.Entry{
			Provider: llm.NewAnthropic(cfg.Anthropic.APIKey, cfg.Anthropic.BaseURL, cfg.Anthropic.Model, cfg.LLM.Timeout()),
			Breaker:  breaker(),
		})
	}
	return llm.NewGateway(entries, llm.WithMaxRetries(cfg.LLM.MaxRetries), llm.WithLogger(logger))
}
