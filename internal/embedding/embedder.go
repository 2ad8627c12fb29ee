// Package embedding provides query embedding via a remote embedding service,
// with caching. The engine never computes embeddings itself; ingested chunks
// arrive with embeddings attached and only query text is embedded here.
package embedding

import "context"

// Embedder produces vector embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Close() error
}
