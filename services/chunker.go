package services

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github/itish2003/retrieval/models"
)

// Default chunking parameters, matching the character splitter settings the
// corpus scripts were tuned with.
const (
	DefaultChunkSize      = 1000
	DefaultChunkOverlap   = 200
	DefaultChunkSeparator = "\n"
)

// chunkNamespace seeds the deterministic chunk IDs.
var chunkNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("github/itish2003/retrieval/chunk"))

// ChunkConfig controls how documents are cut into chunks. Size and Overlap
// are counted in runes.
type ChunkConfig struct {
	Size      int
	Overlap   int
	Separator string
}

// DefaultChunkConfig returns the defaults used when nothing is configured.
func DefaultChunkConfig() ChunkConfig {
	return ChunkConfig{
		Size:      DefaultChunkSize,
		Overlap:   DefaultChunkOverlap,
		Separator: DefaultChunkSeparator,
	}
}

// Validate reports whether the configuration can produce chunks.
func (c ChunkConfig) Validate() error {
	if c.Size <= 0 {
		return fmt.Errorf("chunk size must be greater than zero, got %d: %w", c.Size, models.ErrConfig)
	}
	if c.Overlap < 0 {
		return fmt.Errorf("chunk overlap must be zero or greater, got %d: %w", c.Overlap, models.ErrConfig)
	}
	if c.Overlap >= c.Size {
		return fmt.Errorf("chunk overlap %d must be smaller than chunk size %d: %w", c.Overlap, c.Size, models.ErrConfig)
	}
	return nil
}

// Chunker splits document text into overlapping, bounded chunks.
type Chunker struct {
	cfg       ChunkConfig
	separator []rune
}

// NewChunker validates cfg and returns a Chunker for it.
func NewChunker(cfg ChunkConfig) (*Chunker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Chunker{cfg: cfg, separator: []rune(cfg.Separator)}, nil
}

// Config returns the configuration the chunker was built with.
func (c *Chunker) Config() ChunkConfig { return c.cfg }

// Chunk cuts doc into chunks. Each chunk after the first starts Overlap
// runes before the previous one ended. A cut lands just after the last
// separator inside the window when there is one, otherwise at Size runes.
func (c *Chunker) Chunk(doc models.Document) []models.Chunk {
	text := []rune(doc.Text)
	if len(text) == 0 {
		return nil
	}

	var chunks []models.Chunk
	start := 0
	for {
		end := start + c.cfg.Size
		last := end >= len(text)
		if last {
			end = len(text)
		} else if cut := c.separatorCut(text, start, end); cut > 0 {
			end = cut
		}

		chunks = append(chunks, c.newChunk(doc, len(chunks), start, string(text[start:end])))
		if last {
			return chunks
		}
		start = end - c.cfg.Overlap
	}
}

// separatorCut returns the position right after the last separator that
// ends in (start+Overlap, end], or 0 when there is none. Cutting beyond
// start+Overlap guarantees the next chunk starts after this one.
func (c *Chunker) separatorCut(text []rune, start, end int) int {
	sep := c.separator
	if len(sep) == 0 {
		return 0
	}
	lowest := start + c.cfg.Overlap + 1
	for cut := end; cut >= lowest && cut-len(sep) >= start; cut-- {
		if runesEqual(text[cut-len(sep):cut], sep) {
			return cut
		}
	}
	return 0
}

func (c *Chunker) newChunk(doc models.Document, index, start int, text string) models.Chunk {
	meta := make(map[string]string, len(doc.Metadata)+2)
	for k, v := range doc.Metadata {
		meta[k] = v
	}
	meta[models.MetaChunkNum] = strconv.Itoa(index)
	meta[models.MetaStartIndex] = strconv.Itoa(start)
	if _, ok := meta[models.MetaSource]; !ok && doc.Source != "" {
		meta[models.MetaSource] = doc.Source
	}

	return models.Chunk{
		ID:       ChunkID(doc.Source, index, start),
		Source:   doc.Source,
		Index:    index,
		Start:    start,
		Text:     text,
		Metadata: meta,
	}
}

// ChunkID derives a stable identifier so rebuilding from the same input
// produces the same entry IDs.
func ChunkID(source string, index, start int) string {
	name := fmt.Sprintf("%s#%d@%d", source, index, start)
	return uuid.NewSHA1(chunkNamespace, []byte(name)).String()
}

func runesEqual(a, b []rune) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
