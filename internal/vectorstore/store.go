// Package vectorstore defines the vector search backend contract and a
// factory for selecting between interchangeable backend adapters.
package vectorstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/hyperjump/kotae/internal/models"
)

// ErrBackendUnavailable indicates the configured backend is unreachable or
// timed out. Callers must not fall back to a different backend; the turn
// fails with a user-visible "retrieval unavailable" answer instead.
var ErrBackendUnavailable = errors.New("vector backend unavailable")

// VectorStore is the contract every backend adapter must satisfy. All calls
// are scoped: ProjectID is mandatory, DocumentID/UserID narrow the scope when
// set. Implementations must be safe for concurrent use.
type VectorStore interface {
	// Type returns the provider identifier of this adapter.
	Type() string

	// Upsert writes chunks, overwriting any existing chunk with the same
	// ChunkID (re-ingestion is idempotent).
	Upsert(ctx context.Context, chunks []*models.Chunk) error

	// Search returns at most limit results ordered by descending similarity,
	// ties broken by smaller ChunkID.
	Search(ctx context.Context, queryEmbedding []float32, scope models.ScopeFilter, limit int) ([]models.SearchResult, error)

	// HybridSearch fuses vector similarity with a lexical score via weighted
	// sum after min-max normalizing each score within the candidate set.
	// Weights must sum to 1.0; callers should normalize via NormalizeWeights.
	HybridSearch(ctx context.Context, queryEmbedding []float32, queryText string, scope models.ScopeFilter, limit int, vectorWeight, keywordWeight float64) ([]models.SearchResult, error)

	// SupportsHybrid reports whether the adapter has lexical support. When
	// false, callers fall back to Search.
	SupportsHybrid() bool

	// DeleteByScope removes all chunks in the scope and returns the count.
	// A scope with zero matches returns 0 and no error.
	DeleteByScope(ctx context.Context, projectID, documentID string) (int, error)

	Close() error
}

// NormalizeWeights validates hybrid weights and rescales them to sum to 1.0.
// Returns an error when the weights are negative or sum to zero.
func NormalizeWeights(vectorWeight, keywordWeight float64) (float64, float64, error) {
	if vectorWeight < 0 || keywordWeight < 0 {
		return 0, 0, fmt.Errorf("hybrid weights must be non-negative, got vector=%f keyword=%f", vectorWeight, keywordWeight)
	}
	sum := vectorWeight + keywordWeight
	if sum == 0 {
		return 0, 0, fmt.Errorf("hybrid weights must not both be zero")
	}
	return vectorWeight / sum, keywordWeight / sum, nil
}
