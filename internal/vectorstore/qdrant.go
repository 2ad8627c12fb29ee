package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/hyperjump/kotae/internal/models"
)

// qdrantIDNamespace derives stable point UUIDs from chunk IDs, so the same
// chunk always maps to the same point and re-ingestion overwrites.
var qdrantIDNamespace = uuid.MustParse("9a3d6e1c-5b84-4f6e-9f07-2f4f4b1c8a11")

// QdrantStore is the dedicated-engine adapter, a REST client to Qdrant.
// Qdrant serves the vector side; the lexical side of hybrid search is a Bleve
// index maintained alongside on every upsert and delete.
type QdrantStore struct {
	url        string
	apiKey     string
	collection string
	dim        int
	client     *http.Client
	lexical    *lexicalIndex
}

// QdrantConfig holds connection parameters for the dedicated-engine adapter.
type QdrantConfig struct {
	URL         string        `yaml:"url"`
	APIKey      string        `yaml:"api_key"`
	Collection  string        `yaml:"collection"`
	Dimensions  int           `yaml:"dimensions"`
	LexicalPath string        `yaml:"lexical_index_path"`
	Timeout     time.Duration `yaml:"timeout"`
}

// NewQdrantStore creates the adapter and lazily provisions the collection
// with payload indexes on project_id and document_id so filtered queries stay
// sublinear.
func NewQdrantStore(ctx context.Context, cfg QdrantConfig) (*QdrantStore, error) {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collection := cfg.Collection
	if collection == "" {
		collection = "kotae_chunks"
	}
	lexical, err := newLexicalIndex(cfg.LexicalPath)
	if err != nil {
		return nil, err
	}
	s := &QdrantStore{
		url:        cfg.URL,
		apiKey:     cfg.APIKey,
		collection: collection,
		dim:        cfg.Dimensions,
		client:     &http.Client{Timeout: timeout},
		lexical:    lexical,
	}
	if err := s.ensureCollection(ctx); err != nil {
		_ = lexical.Close()
		return nil, err
	}
	return s, nil
}

func (s *QdrantStore) Type() string         { return ProviderQdrant }
func (s *QdrantStore) SupportsHybrid() bool { return true }

func (s *QdrantStore) Close() error {
	return s.lexical.Close()
}

// ensureCollection creates the collection and payload indexes if absent.
// Qdrant returns 200 for an existing collection with the same schema and 409
// for an existing payload index, both of which are fine.
func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	body := map[string]any{
		"vectors": map[string]any{
			"size":     s.dim,
			"distance": "Cosine",
		},
	}
	if err := s.putJSON(ctx, fmt.Sprintf("%s/collections/%s", s.url, s.collection), body, true); err != nil {
		return err
	}
	for _, field := range []string{"project_id", "document_id", "user_id"} {
		idx := map[string]any{"field_name": field, "field_schema": "keyword"}
		if err := s.putJSON(ctx, fmt.Sprintf("%s/collections/%s/index", s.url, s.collection), idx, true); err != nil {
			return err
		}
	}
	return nil
}

// Upsert writes points to Qdrant and mirrors content into the lexical index.
func (s *QdrantStore) Upsert(ctx context.Context, chunks []*models.Chunk) error {
	points := make([]map[string]any, len(chunks))
	for i, c := range chunks {
		points[i] = map[string]any{
			"id":     uuid.NewSHA1(qdrantIDNamespace, []byte(c.ChunkID)).String(),
			"vector": c.Embedding,
			"payload": map[string]any{
				"chunk_id":    c.ChunkID,
				"document_id": c.DocumentID,
				"project_id":  c.ProjectID,
				"user_id":     c.UserID,
				"content":     c.Content,
				"page_number": c.PageNumber,
			},
		}
	}
	body := map[string]any{"points": points}
	if err := s.putJSON(ctx, fmt.Sprintf("%s/collections/%s/points?wait=true", s.url, s.collection), body, false); err != nil {
		return err
	}
	for _, c := range chunks {
		if err := s.lexical.Index(c); err != nil {
			return fmt.Errorf("lexical index chunk %s: %w", c.ChunkID, err)
		}
	}
	return nil
}

// scopeFilterJSON builds the Qdrant must-match filter for a scope.
func scopeFilterJSON(scope models.ScopeFilter) map[string]any {
	must := []map[string]any{
		{"key": "project_id", "match": map[string]any{"value": scope.ProjectID}},
	}
	if scope.DocumentID != "" {
		must = append(must, map[string]any{"key": "document_id", "match": map[string]any{"value": scope.DocumentID}})
	}
	if scope.UserID != "" {
		must = append(must, map[string]any{"key": "user_id", "match": map[string]any{"value": scope.UserID}})
	}
	return map[string]any{"must": must}
}

// Search runs a filtered vector search. Qdrant orders by similarity; equal
// scores are re-sorted by chunk ID for determinism.
func (s *QdrantStore) Search(ctx context.Context, queryEmbedding []float32, scope models.ScopeFilter, limit int) ([]models.SearchResult, error) {
	req := map[string]any{
		"vector":       queryEmbedding,
		"limit":        limit,
		"with_payload": true,
		"filter":       scopeFilterJSON(scope),
	}
	var resp struct {
		Result []struct {
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	if err := s.postJSON(ctx, fmt.Sprintf("%s/collections/%s/points/search", s.url, s.collection), req, &resp); err != nil {
		return nil, err
	}
	results := make([]models.SearchResult, 0, len(resp.Result))
	for _, r := range resp.Result {
		results = append(results, models.SearchResult{
			ChunkID:    payloadString(r.Payload, "chunk_id"),
			DocumentID: payloadString(r.Payload, "document_id"),
			Content:    payloadString(r.Payload, "content"),
			PageNumber: payloadInt(r.Payload, "page_number"),
			Score:      r.Score,
		})
	}
	sortResults(results)
	return results, nil
}

// HybridSearch fuses Qdrant vector candidates with Bleve lexical candidates.
func (s *QdrantStore) HybridSearch(ctx context.Context, queryEmbedding []float32, queryText string, scope models.ScopeFilter, limit int, vectorWeight, keywordWeight float64) ([]models.SearchResult, error) {
	vw, kw, err := NormalizeWeights(vectorWeight, keywordWeight)
	if err != nil {
		return nil, err
	}
	candidateLimit := limit * 4
	if candidateLimit < 20 {
		candidateLimit = 20
	}

	vecResults, err := s.Search(ctx, queryEmbedding, scope, candidateLimit)
	if err != nil {
		return nil, err
	}
	lexResults, err := s.lexical.Search(ctx, queryText, scope, candidateLimit)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]models.SearchResult, len(vecResults)+len(lexResults))
	vectorScores := make(map[string]float64, len(vecResults))
	keywordScores := make(map[string]float64, len(lexResults))
	for _, r := range vecResults {
		byID[r.ChunkID] = r
		vectorScores[r.ChunkID] = r.Score
	}
	for _, r := range lexResults {
		keywordScores[r.ChunkID] = r.Score
		if _, ok := byID[r.ChunkID]; !ok {
			byID[r.ChunkID] = r
		}
	}

	fused := fuseScores(vectorScores, keywordScores, vw, kw)
	results := make([]models.SearchResult, 0, limit)
	for _, f := range fused {
		if len(results) >= limit {
			break
		}
		r := byID[f.chunkID]
		r.Score = f.fused
		results = append(results, r)
	}
	return results, nil
}

// DeleteByScope counts matching points, deletes them by filter, and clears
// the lexical mirror. Zero matches returns 0 and no error.
func (s *QdrantStore) DeleteByScope(ctx context.Context, projectID, documentID string) (int, error) {
	scope := models.ScopeFilter{ProjectID: projectID, DocumentID: documentID}
	countReq := map[string]any{"filter": scopeFilterJSON(scope), "exact": true}
	var countResp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	if err := s.postJSON(ctx, fmt.Sprintf("%s/collections/%s/points/count", s.url, s.collection), countReq, &countResp); err != nil {
		return 0, err
	}
	if countResp.Result.Count == 0 {
		return 0, nil
	}
	delReq := map[string]any{"filter": scopeFilterJSON(scope)}
	if err := s.postJSON(ctx, fmt.Sprintf("%s/collections/%s/points/delete?wait=true", s.url, s.collection), delReq, nil); err != nil {
		return 0, err
	}
	if _, err := s.lexical.DeleteByScope(ctx, projectID, documentID); err != nil {
		return countResp.Result.Count, err
	}
	return countResp.Result.Count, nil
}

func payloadString(payload map[string]any, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

func payloadInt(payload map[string]any, key string) int {
	if v, ok := payload[key].(float64); ok {
		return int(v)
	}
	return 0
}

// putJSON issues a PUT; when allowConflict is set, 409 is treated as success
// (idempotent provisioning).
func (s *QdrantStore) putJSON(ctx context.Context, url string, body any, allowConflict bool) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal qdrant request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build qdrant request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()
	if allowConflict && resp.StatusCode == http.StatusConflict {
		return nil
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: qdrant PUT %s: %s %s", ErrBackendUnavailable, url, resp.Status, msg)
	}
	return nil
}

func (s *QdrantStore) postJSON(ctx context.Context, url string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal qdrant request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build qdrant request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: qdrant POST %s: %s %s", ErrBackendUnavailable, url, resp.Status, msg)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
