package models

type IngestDocumentRequest struct {
	Filename string `json:"filename" binding:"required"`
	Text     string `json:"text" binding:"required"`
}

type QueryTextRequest struct {
	Query     string   `json:"query" binding:"required"`
	K         int      `json:"k,omitempty"`
	Threshold *float64 `json:"threshold,omitempty"`
}
