// Package retrieval calls the active vector store with scope filters, a
// relevance cutoff, and a per-call timeout.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/kotae/internal/embedding"
	"github.com/hyperjump/kotae/internal/models"
	"github.com/hyperjump/kotae/internal/vectorstore"
)

// Options are the retrieval tunables, externally configurable.
type Options struct {
	Limit         int           `yaml:"limit"`
	MinScore      float64       `yaml:"min_score"`
	VectorWeight  float64       `yaml:"vector_weight"`
	KeywordWeight float64       `yaml:"keyword_weight"`
	Timeout       time.Duration `yaml:"timeout"`
}

// ApplyDefaults fills unset options.
func (o *Options) ApplyDefaults() {
	if o.Limit <= 0 {
		o.Limit = 5
	}
	if o.VectorWeight == 0 && o.KeywordWeight == 0 {
		o.VectorWeight, o.KeywordWeight = 0.7, 0.3
	}
	if o.Timeout == 0 {
		o.Timeout = 5 * time.Second
	}
}

// Result is the retrieval outcome for one turn. WeakEvidence marks an
// under-filled result set after the cutoff; it is not an error.
type Result struct {
	Results      []models.SearchResult
	WeakEvidence bool
}

// Retriever runs scoped retrieval through the provider factory.
type Retriever struct {
	factory  *vectorstore.Factory
	embedder embedding.Embedder
	logger   *zap.Logger

	mu   sync.RWMutex
	opts Options
}

// NewRetriever creates the stage.
func NewRetriever(factory *vectorstore.Factory, embedder embedding.Embedder, opts Options, logger *zap.Logger) *Retriever {
	opts.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retriever{factory: factory, embedder: embedder, opts: opts, logger: logger}
}

// SetOptions replaces the tunables. Used by config hot reload; in-flight
// retrievals keep the options they started with.
func (r *Retriever) SetOptions(opts Options) {
	opts.ApplyDefaults()
	r.mu.Lock()
	r.opts = opts
	r.mu.Unlock()
}

// Retrieve embeds the query and searches the active backend under scope.
// Hybrid search is preferred; plain vector search is the fallback for
// backends without lexical support. A backend timeout surfaces as
// ErrBackendUnavailable, never as an empty result set.
func (r *Retriever) Retrieve(ctx context.Context, query string, scope models.ScopeFilter) (*Result, error) {
	r.mu.RLock()
	opts := r.opts
	r.mu.RUnlock()

	queryEmbedding, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	store, err := r.factory.Get(ctx, "")
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	var results []models.SearchResult
	if store.SupportsHybrid() {
		results, err = store.HybridSearch(callCtx, queryEmbedding, query, scope, opts.Limit, opts.VectorWeight, opts.KeywordWeight)
	} else {
		results, err = store.Search(callCtx, queryEmbedding, scope, opts.Limit)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: retrieval timed out after %s", vectorstore.ErrBackendUnavailable, opts.Timeout)
		}
		return nil, err
	}

	filtered := results[:0]
	for _, res := range results {
		if res.Score >= opts.MinScore {
			filtered = append(filtered, res)
		}
	}

	r.logger.Debug("retrieval complete",
		zap.String("provider", store.Type()),
		zap.Int("candidates", len(results)),
		zap.Int("kept", len(filtered)),
		zap.String("document_scope", scope.DocumentID))

	return &Result{
		Results:      filtered,
		WeakEvidence: len(filtered) < opts.Limit,
	}, nil
}
