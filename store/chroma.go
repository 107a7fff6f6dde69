package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync"

	chromago "github.com/amikos-tech/chroma-go/pkg/api/v2"
	chhttp "github.com/amikos-tech/chroma-go/pkg/commons/http"
	"github.com/amikos-tech/chroma-go/pkg/embeddings"

	"github/itish2003/retrieval/models"
)

const chromaAddBatch = 256

// ChromaIndex stores entries in a Chroma collection. Chroma persists every
// write on the server, so Persist only checks that a collection is attached.
// The location passed to Persist and Load is the collection name.
type ChromaIndex struct {
	client chromago.Client
	name   string
	metric Metric

	mu         sync.RWMutex
	collection chromago.Collection
}

var _ VectorIndex = (*ChromaIndex)(nil)

// NewChromaIndex connects to the Chroma server at baseURL.
func NewChromaIndex(baseURL, collection string, metric Metric) (*ChromaIndex, error) {
	if strings.TrimSpace(collection) == "" {
		return nil, fmt.Errorf("chroma collection name is empty: %w", models.ErrConfig)
	}
	var opts []chromago.ClientOption
	if baseURL != "" {
		opts = append(opts, chromago.WithBaseURL(baseURL))
	}
	client, err := chromago.NewHTTPClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create chroma client: %w", err)
	}
	if metric == "" {
		metric = MetricCosine
	}
	return &ChromaIndex{client: client, name: collection, metric: metric}, nil
}

// Build fills a staging collection and swaps it in for the live one only
// once every batch was added. On failure the live collection is untouched.
func (c *ChromaIndex) Build(ctx context.Context, entries []models.IndexEntry) error {
	if _, err := validateEntries(entries); err != nil {
		return err
	}

	staging := c.name + "-staging"
	if err := c.client.DeleteCollection(ctx, staging); err != nil && !isChromaNotFound(err) {
		return fmt.Errorf("clear staging collection %s: %w", staging, err)
	}
	collection, err := c.client.CreateCollection(
		ctx,
		staging,
		chromago.WithEmbeddingFunctionCreate(precomputedEmbeddings{}),
		chromago.WithCollectionMetadataCreate(
			chromago.NewMetadata(
				chromago.NewStringAttribute(chromago.HNSWSpace, chromaSpace(c.metric)),
				chromago.NewStringAttribute("created_by", "retrieval"),
			),
		),
	)
	if err != nil {
		return fmt.Errorf("create collection %s: %w", staging, err)
	}

	if err := addEntries(ctx, collection, entries); err != nil {
		if dropErr := c.client.DeleteCollection(ctx, staging); dropErr != nil {
			log.Printf("STORE WARN: Could not drop staging collection '%s': %v", staging, dropErr)
		}
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.client.DeleteCollection(ctx, c.name); err != nil && !isChromaNotFound(err) {
		if dropErr := c.client.DeleteCollection(ctx, staging); dropErr != nil {
			log.Printf("STORE WARN: Could not drop staging collection '%s': %v", staging, dropErr)
		}
		return fmt.Errorf("replace collection %s: %w", c.name, err)
	}
	// The old collection is gone from here on, so the staging one serves
	// searches even if the rename fails.
	c.collection = collection
	if err := collection.ModifyName(ctx, c.name); err != nil {
		return fmt.Errorf("rename %s to %s: %w", staging, c.name, err)
	}

	log.Printf("STORE: Added %d entries to collection '%s'", len(entries), c.name)
	return nil
}

func addEntries(ctx context.Context, collection chromago.Collection, entries []models.IndexEntry) error {
	for start := 0; start < len(entries); start += chromaAddBatch {
		end := min(start+chromaAddBatch, len(entries))
		batch := entries[start:end]

		ids := make([]chromago.DocumentID, len(batch))
		texts := make([]string, len(batch))
		embs := make([]embeddings.Embedding, len(batch))
		metas := make([]chromago.DocumentMetadata, len(batch))
		for i, e := range batch {
			ids[i] = chromago.DocumentID(e.ID)
			texts[i] = e.Text
			embs[i] = embeddings.NewEmbeddingFromFloat32(e.Vector)
			metas[i] = toChromaMetadata(e)
		}
		err := collection.Add(ctx,
			chromago.WithIDs(ids...),
			chromago.WithTexts(texts...),
			chromago.WithEmbeddings(embs...),
			chromago.WithMetadatas(metas...),
		)
		if err != nil {
			return fmt.Errorf("failed to add entries %d-%d to chromadb: %w", start, end, err)
		}
	}
	return nil
}

func (c *ChromaIndex) Search(ctx context.Context, query []float32, k int, filter Filter) ([]models.ScoredEntry, error) {
	if err := validateQuery(query, k, 0); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.collection == nil {
		return nil, nil
	}

	opts := []chromago.CollectionQueryOption{
		chromago.WithQueryEmbeddings(embeddings.NewEmbeddingFromFloat32(query)),
		chromago.WithNResults(k),
		chromago.WithIncludeQuery(chromago.IncludeDocuments, chromago.IncludeMetadatas, includeDistances),
	}
	if where := toChromaWhere(filter); where != nil {
		opts = append(opts, chromago.WithWhereQuery(where))
	}

	results, err := c.collection.Query(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to query chromadb: %w", err)
	}

	idGroups := results.GetIDGroups()
	docGroups := results.GetDocumentsGroups()
	metaGroups := results.GetMetadatasGroups()
	distGroups := results.GetDistancesGroups()
	if len(idGroups) == 0 {
		return nil, nil
	}

	rows := make([]chromaRow, len(idGroups[0]))
	for i, id := range idGroups[0] {
		rows[i].id = string(id)
		if len(docGroups) > 0 && i < len(docGroups[0]) && docGroups[0][i] != nil {
			rows[i].text = docGroups[0][i].ContentString()
		}
		if len(metaGroups) > 0 && i < len(metaGroups[0]) {
			rows[i].metadata = metadataToMap(metaGroups[0][i])
		}
		if len(distGroups) > 0 && i < len(distGroups[0]) {
			rows[i].distance = float64(distGroups[0][i])
		}
	}
	return scoredFromRows(rows), nil
}

func (c *ChromaIndex) Persist(ctx context.Context, location string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.collection == nil {
		return fmt.Errorf("persist index: %w", models.ErrEmptyInput)
	}
	if location != "" && location != c.name {
		return fmt.Errorf("chroma collection %q cannot be persisted as %q: %w", c.name, location, models.ErrConfig)
	}
	return nil
}

// Load attaches to an existing collection. Only a collection the server
// reports as missing yields ErrNotFound.
func (c *ChromaIndex) Load(ctx context.Context, location string) error {
	name := location
	if name == "" {
		name = c.name
	}
	collection, err := c.client.GetCollection(ctx, name, chromago.WithEmbeddingFunctionGet(precomputedEmbeddings{}))
	if err != nil {
		if isChromaNotFound(err) {
			return fmt.Errorf("collection %s: %v: %w", name, err, models.ErrNotFound)
		}
		return fmt.Errorf("get collection %s: %w", name, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.collection = collection
	c.name = name
	return nil
}

// Entries lists the stored entries without their vectors.
func (c *ChromaIndex) Entries(ctx context.Context) ([]models.IndexEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.collection == nil {
		return nil, nil
	}

	results, err := c.collection.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get documents from chromadb: %w", err)
	}
	ids := results.GetIDs()
	documents := results.GetDocuments()
	metadatas := results.GetMetadatas()

	entries := make([]models.IndexEntry, 0, len(ids))
	for i := range ids {
		e := models.IndexEntry{ID: string(ids[i])}
		if i < len(documents) && documents[i] != nil {
			e.Text = documents[i].ContentString()
		}
		if i < len(metadatas) {
			e.Metadata = metadataToMap(metadatas[i])
			e.Source = e.Metadata[models.MetaSource]
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}

func (c *ChromaIndex) Count(ctx context.Context) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.collection == nil {
		return 0, nil
	}
	count, err := c.collection.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count items in collection: %w", err)
	}
	return count, nil
}

// ScoreKind is always Distance: Chroma reports distances for every space.
func (c *ChromaIndex) ScoreKind() ScoreKind { return Distance }

func (c *ChromaIndex) Close() error {
	return c.client.Close()
}

type chromaRow struct {
	id       string
	text     string
	metadata map[string]string
	distance float64
}

func scoredFromRows(rows []chromaRow) []models.ScoredEntry {
	out := make([]models.ScoredEntry, 0, len(rows))
	for _, r := range rows {
		if r.text == "" {
			continue
		}
		out = append(out, models.ScoredEntry{
			Entry: models.IndexEntry{
				ID:       r.id,
				Source:   r.metadata[models.MetaSource],
				Text:     r.text,
				Metadata: r.metadata,
			},
			Score: r.distance,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score < out[j].Score })
	return out
}

func toChromaMetadata(e models.IndexEntry) chromago.DocumentMetadata {
	keys := make([]string, 0, len(e.Metadata)+1)
	for k := range e.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	attrs := make([]*chromago.MetaAttribute, 0, len(keys)+1)
	if _, ok := e.Metadata[models.MetaSource]; !ok && e.Source != "" {
		attrs = append(attrs, chromago.NewStringAttribute(models.MetaSource, e.Source))
	}
	for _, k := range keys {
		attrs = append(attrs, chromago.NewStringAttribute(k, e.Metadata[k]))
	}
	return chromago.NewDocumentMetadata(attrs...)
}

func toChromaWhere(filter Filter) chromago.WhereClause {
	if len(filter) == 0 {
		return nil
	}
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	clauses := make([]chromago.WhereClause, 0, len(keys))
	for _, k := range keys {
		switch values := filter[k]; len(values) {
		case 0:
		case 1:
			clauses = append(clauses, chromago.EqString(k, values[0]))
		default:
			clauses = append(clauses, chromago.InString(k, values...))
		}
	}
	if len(clauses) == 0 {
		return nil
	}
	if len(clauses) == 1 {
		return clauses[0]
	}
	return chromago.And(clauses...)
}

// metadataToMap flattens Chroma metadata into strings. DocumentMetadata has
// no accessor for all values, so it goes through its JSON form.
func metadataToMap(meta any) map[string]string {
	if meta == nil {
		return nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		log.Printf("WARN: could not marshal metadata: %v", err)
		return nil
	}
	var values map[string]any
	if err := json.Unmarshal(raw, &values); err != nil {
		log.Printf("WARN: could not unmarshal metadata: %v", err)
		return nil
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		switch val := v.(type) {
		case string:
			out[k] = val
		case nil:
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}

func chromaSpace(metric Metric) string {
	if metric == MetricL2 {
		return "l2"
	}
	return "cosine"
}

// includeDistances is missing from the client's Include constants.
const includeDistances chromago.Include = "distances"

// isChromaNotFound reports whether err is the server saying a collection
// does not exist. Transport failures are not.
func isChromaNotFound(err error) bool {
	var chErr *chhttp.ChromaError
	if !errors.As(err, &chErr) {
		return false
	}
	if chErr.ErrorCode == http.StatusNotFound || strings.Contains(chErr.ErrorID, "NotFound") {
		return true
	}
	return strings.Contains(strings.ToLower(chErr.Message), "does not exist")
}

// precomputedEmbeddings satisfies the client's embedding function
// requirement. Every write and query carries its own vectors.
type precomputedEmbeddings struct{}

func (precomputedEmbeddings) EmbedDocuments(ctx context.Context, texts []string) ([]embeddings.Embedding, error) {
	return nil, fmt.Errorf("chroma index expects precomputed vectors for %d texts", len(texts))
}

func (precomputedEmbeddings) EmbedQuery(ctx context.Context, text string) (embeddings.Embedding, error) {
	return nil, fmt.Errorf("chroma index expects a precomputed query vector")
}
