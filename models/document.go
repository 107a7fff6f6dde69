package models

// DocumentKind tags the source format a Document was extracted from.
type DocumentKind string

const (
	KindPlainText DocumentKind = "text"
	KindMarkdown  DocumentKind = "markdown"
	KindPDF       DocumentKind = "pdf"
)

// Metadata keys written by the ingestion pipeline.
const (
	MetaSource         = "source"
	MetaFileHash       = "file_hash"
	MetaChunkNum       = "chunk_num"
	MetaStartIndex     = "start_index"
	MetaCandidateName  = "candidate_name"
	MetaSkills         = "skills"
	MetaCertifications = "certifications"
)

// Document is the raw text of one ingested file plus its origin.
// It is not modified after ingestion.
type Document struct {
	ID       string            `json:"id"`
	Source   string            `json:"source"`
	Kind     DocumentKind      `json:"kind"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Chunk is a contiguous slice of a Document's text.
type Chunk struct {
	ID       string            `json:"id"`
	Source   string            `json:"source"`
	Index    int               `json:"index"`
	Start    int               `json:"start"` // rune offset into the document text
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
}
