// Package vector implements the vector-store collaborator interface from
// SPEC_FULL.md §6, with an in-memory flat-scan variant and a Qdrant-backed
// variant (github.com/qdrant/go-client), grounded on the provider choice
// recorded in original_source/mlcf/core/config.py (vector_db_provider
// defaults to "qdrant").
package vector

import "context"

// Match is a single nearest-neighbor result.
type Match struct {
	ID    string
	Score float64
}

// Store is the vector-store collaborator interface.
type Store interface {
	Upsert(ctx context.Context, id string, embedding []float32, metadata map[string]string) error
	Delete(ctx context.Context, id string) error
	Search(ctx context.Context, embedding []float32, k int, filter map[string]string) ([]Match, error)
	Ping(ctx context.Context) error
}
