package models

import (
	"errors"
	"fmt"
)

// Sentinel errors for the retrieval pipeline. Wrap them with fmt.Errorf("%w")
// and test with errors.Is.
var (
	// ErrConfig indicates invalid chunking, index or query parameters.
	ErrConfig = errors.New("invalid configuration")

	// ErrEmptyInput indicates ingest or build was called with nothing to index.
	ErrEmptyInput = errors.New("empty input")

	// ErrNotFound indicates a persisted index location does not exist.
	ErrNotFound = errors.New("not found")
)

// EmbeddingError is returned when the embedding provider still fails after
// all retry attempts.
type EmbeddingError struct {
	Attempts int
	Err      error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// RetrievalError wraps any failure that happened while answering a query.
type RetrievalError struct {
	Query string
	Err   error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("retrieval failed for %q: %v", e.Query, e.Err)
}

func (e *RetrievalError) Unwrap() error { return e.Err }
