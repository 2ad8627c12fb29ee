package retrieval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hyperjump/kotae/internal/embedding"
	"github.com/hyperjump/kotae/internal/models"
	"github.com/hyperjump/kotae/internal/vectorstore"
)

// slowStore blocks until its context is cancelled.
type slowStore struct {
	*vectorstore.MemoryStore
}

func (s *slowStore) HybridSearch(ctx context.Context, queryEmbedding []float32, queryText string, scope models.ScopeFilter, limit int, vw, kw float64) ([]models.SearchResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func seededFactory(t *testing.T, embedder embedding.Embedder) *vectorstore.Factory {
	t.Helper()
	factory := vectorstore.NewFactory(vectorstore.Config{Provider: vectorstore.ProviderMemory})
	store, err := factory.Get(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}

	contents := map[string]string{
		"c1": "quarterly revenue grew twelve percent year over year",
		"c2": "the appendix lists every regional office",
		"c3": "revenue per region is broken down on page five",
	}
	var chunks []*models.Chunk
	for id, content := range contents {
		emb, _ := embedder.Embed(context.Background(), content)
		chunks = append(chunks, &models.Chunk{
			ChunkID: id, DocumentID: "doc-1", ProjectID: "p1",
			Content: content, PageNumber: 1, Embedding: emb,
		})
	}
	if err := store.Upsert(context.Background(), chunks); err != nil {
		t.Fatal(err)
	}
	return factory
}

func TestRetrieveReturnsScopedResults(t *testing.T) {
	embedder := embedding.NewMockEmbedder(32)
	factory := seededFactory(t, embedder)
	r := NewRetriever(factory, embedder, Options{Limit: 2, MinScore: -10}, nil)

	res, err := r.Retrieve(context.Background(), "revenue growth", models.ScopeFilter{ProjectID: "p1"})
	if err != nil {
		t.Fatalf("retrieve failed: %v", err)
	}
	if len(res.Results) != 2 {
		t.Fatalf("expected limit 2 results, got %d", len(res.Results))
	}
	for _, sr := range res.Results {
		if sr.DocumentID != "doc-1" {
			t.Errorf("unexpected document %s", sr.DocumentID)
		}
	}
}

func TestRetrieveCutoffProducesWeakEvidence(t *testing.T) {
	embedder := embedding.NewMockEmbedder(32)
	factory := seededFactory(t, embedder)
	// A cutoff above every fused score empties the set.
	r := NewRetriever(factory, embedder, Options{Limit: 5, MinScore: 99}, nil)

	res, err := r.Retrieve(context.Background(), "revenue growth", models.ScopeFilter{ProjectID: "p1"})
	if err != nil {
		t.Fatalf("an under-filled result set is valid, got error: %v", err)
	}
	if len(res.Results) != 0 {
		t.Errorf("cutoff should drop everything, kept %d", len(res.Results))
	}
	if !res.WeakEvidence {
		t.Error("under-filled set must signal weak evidence")
	}
}

func TestRetrieveTimeoutIsBackendUnavailable(t *testing.T) {
	embedder := embedding.NewMockEmbedder(32)
	factory := vectorstore.NewFactory(vectorstore.Config{Provider: "slow"})
	factory.Register("slow", func(ctx context.Context, cfg vectorstore.Config) (vectorstore.VectorStore, error) {
		return &slowStore{MemoryStore: vectorstore.NewMemoryStore()}, nil
	})

	r := NewRetriever(factory, embedder, Options{Limit: 5, Timeout: 50 * time.Millisecond}, nil)
	_, err := r.Retrieve(context.Background(), "anything", models.ScopeFilter{ProjectID: "p1"})
	if err == nil {
		t.Fatal("timeout must be an error, not an empty result set")
	}
	if !errors.Is(err, vectorstore.ErrBackendUnavailable) {
		t.Errorf("timeout must map to ErrBackendUnavailable, got %v", err)
	}
}

func TestRetrieveUnknownProviderFails(t *testing.T) {
	embedder := embedding.NewMockEmbedder(32)
	factory := vectorstore.NewFactory(vectorstore.Config{Provider: "nonexistent"})
	r := NewRetriever(factory, embedder, Options{}, nil)
	if _, err := r.Retrieve(context.Background(), "q", models.ScopeFilter{ProjectID: "p"}); err == nil {
		t.Error("unknown provider must fail the call")
	}
}
