package services

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sync"

	"github/itish2003/retrieval/models"
)

// RAGService interface defines the retrieval operations exposed to the
// HTTP and CLI layers.
type RAGService interface {
	IngestText(ctx context.Context, req models.IngestDocumentRequest) (int, error)
	DeleteDocument(ctx context.Context, filename string) (int, error)
	IngestFiles(ctx context.Context, paths []string) (int, error)
	Reindex(ctx context.Context) (int, error)
	Query(ctx context.Context, req models.QueryTextRequest) (*models.QueryResponse, error)
	ListEntries(ctx context.Context) (*models.GetEntriesResponse, error)
	CountEntries(ctx context.Context) (int, error)
}

// RAGConfig holds the query defaults and document loading options.
type RAGConfig struct {
	TopK         int
	Threshold    float64
	ContextWords int
	Load         LoadOptions
}

// ragServiceImpl holds the dependencies it needs to do its job. Every index
// rebuild goes through writeMu so there is a single writer.
type ragServiceImpl struct {
	cfg       RAGConfig
	retriever *Retriever
	files     *CorpusFiles
	writeMu   sync.Mutex
}

// NewRAGService creates a new RAG service instance. Documents are named
// relative to the corpus directory.
func NewRAGService(cfg RAGConfig, retriever *Retriever, files *CorpusFiles) RAGService {
	if cfg.TopK <= 0 {
		cfg.TopK = 3
	}
	cfg.Load.Root = files.Dir
	return &ragServiceImpl{cfg: cfg, retriever: retriever, files: files}
}

// IngestText saves the document into the corpus and rebuilds the index.
// If the rebuild fails the corpus file is put back as it was.
func (r *ragServiceImpl) IngestText(ctx context.Context, req models.IngestDocumentRequest) (int, error) {
	log.Printf("SERVICE: Ingesting document: '%s' (%d bytes)", req.Filename, len(req.Text))

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	restore, err := r.files.Snapshot(req.Filename)
	if err != nil {
		return 0, err
	}
	if _, err := r.files.SaveDocument(req.Filename, req.Text); err != nil {
		return 0, err
	}
	count, err := r.reindexLocked(ctx)
	if err != nil {
		r.rollback(req.Filename, restore)
		return 0, err
	}
	return count, nil
}

// DeleteDocument removes a document from the corpus and rebuilds the index.
// The last document cannot be removed because an index is never empty.
func (r *ragServiceImpl) DeleteDocument(ctx context.Context, filename string) (int, error) {
	log.Printf("SERVICE: Deleting document: '%s'", filename)

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	paths, err := r.files.List()
	if err != nil {
		return 0, err
	}
	if len(paths) == 1 && r.files.SourceName(paths[0]) == filepath.Base(filename) {
		return 0, fmt.Errorf("deleting %s would leave the corpus empty: %w", filename, models.ErrEmptyInput)
	}
	restore, err := r.files.Snapshot(filename)
	if err != nil {
		return 0, err
	}
	if err := r.files.DeleteDocument(filename); err != nil {
		return 0, err
	}
	count, err := r.reindexLocked(ctx)
	if err != nil {
		r.rollback(filename, restore)
		return 0, err
	}
	return count, nil
}

func (r *ragServiceImpl) rollback(filename string, restore func() error) {
	if err := restore(); err != nil {
		log.Printf("SERVICE ERROR: Could not roll back '%s' after a failed rebuild: %v", filename, err)
		return
	}
	log.Printf("SERVICE: Rebuild failed, rolled back '%s'", filename)
}

// IngestFiles loads the given files and rebuilds the index from them.
// Files that cannot be read are logged and skipped.
func (r *ragServiceImpl) IngestFiles(ctx context.Context, paths []string) (int, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.ingestLocked(ctx, paths)
}

// Reindex rebuilds the index from everything in the corpus directory.
func (r *ragServiceImpl) Reindex(ctx context.Context) (int, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.reindexLocked(ctx)
}

func (r *ragServiceImpl) reindexLocked(ctx context.Context) (int, error) {
	paths, err := r.files.List()
	if err != nil {
		return 0, err
	}
	return r.ingestLocked(ctx, paths)
}

func (r *ragServiceImpl) ingestLocked(ctx context.Context, paths []string) (int, error) {
	docs := make([]models.Document, 0, len(paths))
	for _, path := range paths {
		doc, err := LoadDocument(path, r.cfg.Load)
		if err != nil {
			log.Printf("INDEXER ERROR: Failed to process file %s: %v", path, err)
			continue
		}
		if name := doc.Metadata[models.MetaCandidateName]; name != "" {
			log.Printf("INDEXER: Processed %s - Name: %s", doc.Source, name)
		}
		docs = append(docs, doc)
	}
	return r.retriever.Ingest(ctx, docs)
}

// Query retrieves passages for req. K and Threshold fall back to the
// configured defaults when unset.
func (r *ragServiceImpl) Query(ctx context.Context, req models.QueryTextRequest) (*models.QueryResponse, error) {
	k := req.K
	if k == 0 {
		k = r.cfg.TopK
	}
	threshold := r.cfg.Threshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}
	log.Printf("SERVICE: Querying with: '%s' (k=%d, threshold=%.2f)", req.Query, k, threshold)

	passages, err := r.retriever.Retrieve(ctx, req.Query, k, threshold)
	if err != nil {
		return nil, err
	}
	log.Printf("SERVICE: Retrieved %d passages", len(passages))

	return &models.QueryResponse{
		Query:    req.Query,
		Passages: passages,
		Context:  FormatContext(passages, r.cfg.ContextWords),
	}, nil
}

// ListEntries returns every indexed chunk without its vector.
func (r *ragServiceImpl) ListEntries(ctx context.Context) (*models.GetEntriesResponse, error) {
	entries, err := r.retriever.Entries(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list index entries: %w", err)
	}

	out := make([]models.Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, models.Entry{ID: e.ID, Text: e.Text, Metadata: e.Metadata})
	}
	return &models.GetEntriesResponse{Count: len(out), Entries: out}, nil
}

// CountEntries counts all the chunks in the index.
func (r *ragServiceImpl) CountEntries(ctx context.Context) (int, error) {
	count, err := r.retriever.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count index entries: %w", err)
	}
	return count, nil
}
