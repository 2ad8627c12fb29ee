package vectorstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/hyperjump/kotae/internal/models"
)

// MemoryStore is an in-memory brute-force adapter. Suitable for tests and
// small development datasets; implements the full contract including hybrid
// search (lexical side is term-overlap scoring).
type MemoryStore struct {
	mu     sync.RWMutex
	chunks map[string]*models.Chunk
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chunks: make(map[string]*models.Chunk)}
}

func (m *MemoryStore) Type() string         { return ProviderMemory }
func (m *MemoryStore) SupportsHybrid() bool { return true }
func (m *MemoryStore) Close() error         { return nil }

// Upsert stores chunks keyed by ChunkID; existing IDs are overwritten.
func (m *MemoryStore) Upsert(ctx context.Context, chunks []*models.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range chunks {
		copied := *c
		copied.Embedding = append([]float32(nil), c.Embedding...)
		m.chunks[c.ChunkID] = &copied
	}
	return nil
}

// inScope reports whether a chunk matches the scope filter.
func inScope(c *models.Chunk, scope models.ScopeFilter) bool {
	if c.ProjectID != scope.ProjectID {
		return false
	}
	if scope.DocumentID != "" && c.DocumentID != scope.DocumentID {
		return false
	}
	if scope.UserID != "" && c.UserID != scope.UserID {
		return false
	}
	return true
}

func dot(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// Search returns the top-limit chunks in scope by inner product (cosine
// similarity for normalized embeddings), ties broken by smaller chunk ID.
func (m *MemoryStore) Search(ctx context.Context, queryEmbedding []float32, scope models.ScopeFilter, limit int) ([]models.SearchResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]models.SearchResult, 0)
	for _, c := range m.chunks {
		if !inScope(c, scope) {
			continue
		}
		results = append(results, models.SearchResult{
			ChunkID:    c.ChunkID,
			DocumentID: c.DocumentID,
			Content:    c.Content,
			PageNumber: c.PageNumber,
			Score:      dot(queryEmbedding, c.Embedding),
		})
	}
	sortResults(results)
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// HybridSearch fuses vector similarity with term-overlap lexical scoring.
func (m *MemoryStore) HybridSearch(ctx context.Context, queryEmbedding []float32, queryText string, scope models.ScopeFilter, limit int, vectorWeight, keywordWeight float64) ([]models.SearchResult, error) {
	vw, kw, err := NormalizeWeights(vectorWeight, keywordWeight)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	vectorScores := make(map[string]float64)
	keywordScores := make(map[string]float64)
	inScopeChunks := make(map[string]*models.Chunk)
	terms := strings.Fields(strings.ToLower(queryText))
	for _, c := range m.chunks {
		if !inScope(c, scope) {
			continue
		}
		inScopeChunks[c.ChunkID] = c
		vectorScores[c.ChunkID] = dot(queryEmbedding, c.Embedding)
		if score := termOverlap(c.Content, terms); score > 0 {
			keywordScores[c.ChunkID] = score
		}
	}

	fused := fuseScores(vectorScores, keywordScores, vw, kw)
	results := make([]models.SearchResult, 0, len(fused))
	for _, f := range fused {
		c := inScopeChunks[f.chunkID]
		results = append(results, models.SearchResult{
			ChunkID:    c.ChunkID,
			DocumentID: c.DocumentID,
			Content:    c.Content,
			PageNumber: c.PageNumber,
			Score:      f.fused,
		})
	}
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// termOverlap counts query terms present in content, weighted by frequency.
func termOverlap(content string, terms []string) float64 {
	if len(terms) == 0 {
		return 0
	}
	lower := strings.ToLower(content)
	var score float64
	for _, term := range terms {
		score += float64(strings.Count(lower, term))
	}
	return score
}

// DeleteByScope removes every chunk in the scope and returns the count.
func (m *MemoryStore) DeleteByScope(ctx context.Context, projectID, documentID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for id, c := range m.chunks {
		if c.ProjectID != projectID {
			continue
		}
		if documentID != "" && c.DocumentID != documentID {
			continue
		}
		delete(m.chunks, id)
		count++
	}
	return count, nil
}

// Size returns the number of stored chunks.
func (m *MemoryStore) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chunks)
}

// sortResults orders by descending score, ties broken by smaller chunk ID.
func sortResults(results []models.SearchResult) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ChunkID < results[j].ChunkID
	})
}
