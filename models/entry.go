package models

// IndexEntry is a single record stored in a vector index.
type IndexEntry struct {
	ID       string            `json:"id"`
	Source   string            `json:"source"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Vector   []float32         `json:"vector"`
}

// ScoredEntry pairs an entry with the score a search produced for it.
// Raw scores follow the backend's metric; normalized scores are in [0,1].
type ScoredEntry struct {
	Entry IndexEntry `json:"entry"`
	Score float64    `json:"score"`
}

// RetrievedPassage is what the retriever hands back to callers.
type RetrievedPassage struct {
	Text     string            `json:"text"`
	Source   string            `json:"source"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Score    float64           `json:"score"`
}

// Entry is the public view of an index entry, without its vector.
type Entry struct {
	ID       string            `json:"id"`
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// GetEntriesResponse is the structure for the response of the GET /entries endpoint.
type GetEntriesResponse struct {
	Count   int     `json:"count"`
	Entries []Entry `json:"entries"`
}
