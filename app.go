package main

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github/itish2003/retrieval/config"
	"github/itish2003/retrieval/models"
	"github/itish2003/retrieval/services"
	"github/itish2003/retrieval/store"
)

// app is the wired set of services one command runs against.
type app struct {
	cfg       *config.Config
	index     store.VectorIndex
	retriever *services.Retriever
	files     *services.CorpusFiles
	rag       services.RAGService
	indexer   *services.FileIndexingService
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	licensed, err := services.SetPDFLicense(cfg.UnidocLicenseKey)
	if err != nil {
		log.Printf("ERROR: %v. Falling back to the built-in PDF reader.", err)
	}

	embedder, err := services.NewEmbedder(ctx, services.EmbedderConfig{
		Provider:  cfg.EmbeddingProvider,
		Model:     cfg.EmbeddingModel,
		BaseURL:   embedderBaseURL(cfg),
		APIKey:    embedderAPIKey(cfg),
		BatchSize: cfg.EmbedBatchSize,
		Dimension: cfg.EmbeddingDim,
		Retry: services.RetryConfig{
			MaxAttempts:   cfg.EmbedMaxAttempts,
			RatePerSecond: cfg.EmbedRatePerSec,
		},
	})
	if err != nil {
		return nil, err
	}

	index, location, err := openIndex(cfg)
	if err != nil {
		return nil, err
	}

	retriever, err := services.NewRetriever(services.RetrieverConfig{
		Chunk: services.ChunkConfig{
			Size:      cfg.ChunkSize,
			Overlap:   cfg.ChunkOverlap,
			Separator: cfg.ChunkSeparator,
		},
		FilterFields: cfg.FilterFields,
		Location:     location,
		BatchSize:    cfg.EmbedBatchSize,
	}, embedder, index)
	if err != nil {
		index.Close()
		return nil, err
	}

	files, err := services.NewCorpusFiles(cfg.CorpusDir)
	if err != nil {
		index.Close()
		return nil, err
	}

	rag := services.NewRAGService(services.RAGConfig{
		TopK:         cfg.TopK,
		Threshold:    cfg.ScoreThreshold,
		ContextWords: cfg.ContextWords,
		Load: services.LoadOptions{
			PDFLicensed:      licensed,
			EnrichCandidates: cfg.EnrichCandidates,
		},
	}, retriever, files)

	return &app{
		cfg:       cfg,
		index:     index,
		retriever: retriever,
		files:     files,
		rag:       rag,
		indexer:   services.NewFileIndexingService(files, rag, cfg.WatchDebounce),
	}, nil
}

// loadIndex opens the persisted index. A missing index is not an error.
func (a *app) loadIndex(ctx context.Context) (bool, error) {
	err := a.retriever.Load(ctx)
	if errors.Is(err, models.ErrNotFound) {
		log.Printf("INDEXER: No persisted index found, it will be built from %s", a.files.Dir)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// sync loads the persisted index and rebuilds it if the corpus changed.
func (a *app) sync(ctx context.Context) error {
	if _, err := a.loadIndex(ctx); err != nil {
		return err
	}
	if _, err := a.indexer.ScanAndIndexDirectory(ctx); err != nil {
		if errors.Is(err, models.ErrEmptyInput) {
			log.Printf("INDEXER WARN: %v", err)
			return nil
		}
		return err
	}
	return nil
}

func (a *app) Close() {
	if err := a.index.Close(); err != nil {
		log.Printf("Warning: Failed to close index: %v", err)
	}
}

// openIndex builds the configured backend and returns it with the location
// the retriever persists to.
func openIndex(cfg *config.Config) (store.VectorIndex, string, error) {
	metric, err := store.ParseMetric(cfg.IndexMetric)
	if err != nil {
		return nil, "", err
	}

	switch cfg.IndexBackend {
	case config.BackendMemory:
		return store.NewMemoryIndex(metric), cfg.IndexLocation, nil
	case config.BackendSQLite:
		index, err := store.NewSQLiteIndex(cfg.SQLitePath, metric)
		if err != nil {
			return nil, "", err
		}
		return index, cfg.SQLitePath, nil
	case config.BackendChroma:
		index, err := store.NewChromaIndex(cfg.ChromaURL, cfg.ChromaCollection, metric)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create chroma client: %w", err)
		}
		return index, cfg.ChromaCollection, nil
	default:
		return nil, "", fmt.Errorf("unknown index backend %q: %w", cfg.IndexBackend, models.ErrConfig)
	}
}

func embedderBaseURL(cfg *config.Config) string {
	if cfg.EmbeddingProvider == services.ProviderOllama || cfg.EmbeddingProvider == "" {
		return cfg.OllamaURL
	}
	return ""
}

func embedderAPIKey(cfg *config.Config) string {
	switch cfg.EmbeddingProvider {
	case services.ProviderOpenAI:
		return cfg.OpenAIAPIKey
	case services.ProviderGemini:
		return cfg.GeminiAPIKey
	default:
		return ""
	}
}
