package models

type IngestDocumentResponse struct {
	Message string `json:"message"`
	Chunks  int    `json:"chunks"`
	Error   string `json:"error,omitempty"`
}

type QueryResponse struct {
	Query    string             `json:"query"`
	Passages []RetrievedPassage `json:"passages"`
	Context  string             `json:"context,omitempty"`
}
