package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/tmc/langchaingo/embeddings"

	"github/itish2003/retrieval/models"
	"github/itish2003/retrieval/store"
)

// RetrieverConfig wires the retriever. Location is where the index is
// persisted after every successful build; empty skips persistence.
type RetrieverConfig struct {
	Chunk        ChunkConfig
	FilterFields []string
	Location     string
	BatchSize    int
}

// Retriever chunks, embeds and indexes documents, and answers queries
// against the resulting index. Ingest and Load must not run concurrently
// with each other; Retrieve is safe to call from many goroutines.
type Retriever struct {
	cfg      RetrieverConfig
	chunker  *Chunker
	embedder embeddings.Embedder
	index    store.VectorIndex

	mu    sync.RWMutex
	known map[string][]string // filter field -> distinct values in the index
}

// NewRetriever validates the chunk configuration and returns a Retriever.
func NewRetriever(cfg RetrieverConfig, embedder embeddings.Embedder, index store.VectorIndex) (*Retriever, error) {
	if embedder == nil || index == nil {
		return nil, fmt.Errorf("retriever needs an embedder and an index: %w", models.ErrConfig)
	}
	chunker, err := NewChunker(cfg.Chunk)
	if err != nil {
		return nil, err
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	return &Retriever{
		cfg:      cfg,
		chunker:  chunker,
		embedder: embedder,
		index:    index,
		known:    map[string][]string{},
	}, nil
}

// Ingest rebuilds the index from docs and returns the number of entries.
// Nothing is persisted unless every chunk was embedded and indexed.
func (r *Retriever) Ingest(ctx context.Context, docs []models.Document) (int, error) {
	if len(docs) == 0 {
		return 0, fmt.Errorf("ingest called with no documents: %w", models.ErrEmptyInput)
	}

	var chunks []models.Chunk
	for _, doc := range docs {
		if strings.TrimSpace(doc.Text) == "" {
			log.Printf("INDEXER WARN: Skipping %s, no text extracted.", doc.Source)
			continue
		}
		docChunks := r.chunker.Chunk(doc)
		log.Printf("INDEXER: Split %s into %d chunks.", doc.Source, len(docChunks))
		chunks = append(chunks, docChunks...)
	}
	if len(chunks) == 0 {
		return 0, fmt.Errorf("no text in %d document(s): %w", len(docs), models.ErrEmptyInput)
	}

	vectors, err := r.embedChunks(ctx, chunks)
	if err != nil {
		return 0, err
	}

	entries := make([]models.IndexEntry, len(chunks))
	for i, c := range chunks {
		entries[i] = models.IndexEntry{
			ID:       c.ID,
			Source:   c.Source,
			Text:     c.Text,
			Metadata: c.Metadata,
			Vector:   vectors[i],
		}
	}

	if err := r.index.Build(ctx, entries); err != nil {
		return 0, fmt.Errorf("build index: %w", err)
	}
	if r.cfg.Location != "" {
		if err := r.index.Persist(ctx, r.cfg.Location); err != nil {
			return 0, fmt.Errorf("persist index to %s: %w", r.cfg.Location, err)
		}
	}
	r.refreshKnown(entries)

	log.Printf("INDEXER: Indexed %d chunks from %d documents.", len(entries), len(docs))
	return len(entries), nil
}

func (r *Retriever) embedChunks(ctx context.Context, chunks []models.Chunk) ([][]float32, error) {
	vectors := make([][]float32, 0, len(chunks))
	for start := 0; start < len(chunks); start += r.cfg.BatchSize {
		end := min(start+r.cfg.BatchSize, len(chunks))
		texts := make([]string, 0, end-start)
		for _, c := range chunks[start:end] {
			texts = append(texts, c.Text)
		}

		batch, err := r.embedder.EmbedDocuments(ctx, texts)
		if err != nil {
			return nil, asEmbeddingError(err)
		}
		if len(batch) != len(texts) {
			return nil, &models.EmbeddingError{
				Attempts: 1,
				Err:      fmt.Errorf("got %d vectors for %d chunks", len(batch), len(texts)),
			}
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

// Load reopens the persisted index at the configured location.
func (r *Retriever) Load(ctx context.Context) error {
	if r.cfg.Location == "" {
		return fmt.Errorf("no index location configured: %w", models.ErrConfig)
	}
	if err := r.index.Load(ctx, r.cfg.Location); err != nil {
		return err
	}
	entries, err := r.index.Entries(ctx)
	if err != nil {
		return fmt.Errorf("read loaded entries: %w", err)
	}
	r.refreshKnown(entries)
	log.Printf("INDEXER: Loaded %d entries from %s", len(entries), r.cfg.Location)
	return nil
}

// Retrieve returns at most k passages scoring at least threshold, best
// first. An empty result is not an error.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int, threshold float64) ([]models.RetrievedPassage, error) {
	fail := func(err error) ([]models.RetrievedPassage, error) {
		return nil, &models.RetrievalError{Query: query, Err: err}
	}

	if strings.TrimSpace(query) == "" {
		return fail(fmt.Errorf("empty query: %w", models.ErrEmptyInput))
	}
	if k < 1 {
		return fail(fmt.Errorf("k must be at least 1, got %d: %w", k, models.ErrConfig))
	}

	vector, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return fail(asEmbeddingError(err))
	}

	filter := r.entityFilter(query)
	if len(filter) > 0 {
		log.Printf("SERVICE: Restricting search to %v", map[string][]string(filter))
	}

	results, err := r.index.Search(ctx, vector, k, filter)
	if err != nil {
		return fail(fmt.Errorf("search index: %w", err))
	}

	passages := []models.RetrievedPassage{}
	for _, s := range Normalize(results, r.index.ScoreKind()) {
		if s.Score < threshold {
			continue
		}
		passages = append(passages, models.RetrievedPassage{
			Text:     s.Entry.Text,
			Source:   s.Entry.Source,
			Metadata: s.Entry.Metadata,
			Score:    s.Score,
		})
	}
	return passages, nil
}

// Entries returns every indexed entry.
func (r *Retriever) Entries(ctx context.Context) ([]models.IndexEntry, error) {
	return r.index.Entries(ctx)
}

// Count returns the number of indexed entries.
func (r *Retriever) Count(ctx context.Context) (int, error) {
	return r.index.Count(ctx)
}

func (r *Retriever) refreshKnown(entries []models.IndexEntry) {
	known := make(map[string][]string, len(r.cfg.FilterFields))
	for _, field := range r.cfg.FilterFields {
		seen := map[string]bool{}
		for _, e := range entries {
			if v := strings.TrimSpace(e.Metadata[field]); v != "" && !seen[v] {
				seen[v] = true
				known[field] = append(known[field], v)
			}
		}
		sort.Strings(known[field])
	}

	r.mu.Lock()
	r.known = known
	r.mu.Unlock()
}

// entityFilter restricts every field to the known values the query names.
// A value matches when the query contains it whole, or contains one of its
// words of at least three letters. When any value matches whole, partial
// matches for that field are dropped.
func (r *Retriever) entityFilter(query string) store.Filter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	lowered := strings.ToLower(query)
	queryWords := map[string]bool{}
	for _, w := range tokenize(query) {
		queryWords[w] = true
	}

	filter := store.Filter{}
	for field, values := range r.known {
		var whole, partial []string
		for _, v := range values {
			if strings.Contains(lowered, strings.ToLower(v)) {
				whole = append(whole, v)
				continue
			}
			for _, w := range tokenize(v) {
				if len([]rune(w)) >= 3 && queryWords[w] {
					partial = append(partial, v)
					break
				}
			}
		}
		switch {
		case len(whole) > 0:
			filter[field] = whole
		case len(partial) > 0:
			filter[field] = partial
		}
	}
	return filter
}

func asEmbeddingError(err error) error {
	var embErr *models.EmbeddingError
	if errors.As(err, &embErr) {
		return err
	}
	return &models.EmbeddingError{Attempts: 1, Err: err}
}
