package vectorstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/hyperjump/kotae/internal/models"
)

// PostgresStore is the relational adapter, backed by Postgres with the
// pgvector extension. Vector similarity uses the cosine operator; the lexical
// side of hybrid search uses full-text ts_rank over a generated tsvector
// column. The pgxpool client is safe for concurrent use.
type PostgresStore struct {
	pool *pgxpool.Pool
	dim  int
}

// PostgresConfig holds connection parameters for the relational adapter.
type PostgresConfig struct {
	URL        string `yaml:"url"`
	Dimensions int    `yaml:"dimensions"`
}

// NewPostgresStore connects a pool and lazily creates the schema (vector
// extension, chunks table, payload and ANN indexes) if absent.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	s := &PostgresStore{pool: pool, dim: cfg.Dimensions}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	schema := fmt.Sprintf(`
	CREATE EXTENSION IF NOT EXISTS vector;

	CREATE TABLE IF NOT EXISTS chunks (
		chunk_id    TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		project_id  TEXT NOT NULL,
		user_id     TEXT,
		content     TEXT NOT NULL,
		page_number INT NOT NULL DEFAULT 0,
		embedding   vector(%d),
		content_tsv tsvector GENERATED ALWAYS AS (to_tsvector('english', content)) STORED
	);

	CREATE INDEX IF NOT EXISTS idx_chunks_embedding ON chunks
		USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);

	CREATE INDEX IF NOT EXISTS idx_chunks_project ON chunks(project_id);
	CREATE INDEX IF NOT EXISTS idx_chunks_project_document ON chunks(project_id, document_id);
	CREATE INDEX IF NOT EXISTS idx_chunks_tsv ON chunks USING GIN (content_tsv);
	`, s.dim)
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *PostgresStore) Type() string         { return ProviderPostgres }
func (s *PostgresStore) SupportsHybrid() bool { return true }

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Upsert writes chunks; the same chunk_id overwrites instead of duplicating.
func (s *PostgresStore) Upsert(ctx context.Context, chunks []*models.Chunk) error {
	query := `
	INSERT INTO chunks (chunk_id, document_id, project_id, user_id, content, page_number, embedding)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (chunk_id) DO UPDATE SET
		document_id = EXCLUDED.document_id,
		project_id  = EXCLUDED.project_id,
		user_id     = EXCLUDED.user_id,
		content     = EXCLUDED.content,
		page_number = EXCLUDED.page_number,
		embedding   = EXCLUDED.embedding
	`
	for _, c := range chunks {
		var userID any
		if c.UserID != "" {
			userID = c.UserID
		}
		_, err := s.pool.Exec(ctx, query,
			c.ChunkID, c.DocumentID, c.ProjectID, userID,
			c.Content, c.PageNumber, pgvector.NewVector(c.Embedding),
		)
		if err != nil {
			return fmt.Errorf("%w: upsert chunk %s: %v", ErrBackendUnavailable, c.ChunkID, err)
		}
	}
	return nil
}

// scopeClause builds the WHERE fragment for the scope filter, appending bind
// parameters after the ones already in args.
func scopeClause(scope models.ScopeFilter, args []any) (string, []any) {
	clause := fmt.Sprintf("project_id = $%d", len(args)+1)
	args = append(args, scope.ProjectID)
	if scope.DocumentID != "" {
		clause += fmt.Sprintf(" AND document_id = $%d", len(args)+1)
		args = append(args, scope.DocumentID)
	}
	if scope.UserID != "" {
		clause += fmt.Sprintf(" AND user_id = $%d", len(args)+1)
		args = append(args, scope.UserID)
	}
	return clause, args
}

// Search returns the top-limit chunks in scope by cosine similarity, ties
// broken by smaller chunk_id.
func (s *PostgresStore) Search(ctx context.Context, queryEmbedding []float32, scope models.ScopeFilter, limit int) ([]models.SearchResult, error) {
	args := []any{pgvector.NewVector(queryEmbedding)}
	clause, args := scopeClause(scope, args)
	query := fmt.Sprintf(`
	SELECT chunk_id, document_id, content, page_number, 1 - (embedding <=> $1) AS score
	FROM chunks
	WHERE %s AND embedding IS NOT NULL
	ORDER BY embedding <=> $1, chunk_id
	LIMIT %d`, clause, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer rows.Close()

	var results []models.SearchResult
	for rows.Next() {
		var r models.SearchResult
		if err := rows.Scan(&r.ChunkID, &r.DocumentID, &r.Content, &r.PageNumber, &r.Score); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return results, nil
}

// HybridSearch pulls vector and lexical candidate sets separately and fuses
// them in-process, so fusion semantics stay identical across adapters.
func (s *PostgresStore) HybridSearch(ctx context.Context, queryEmbedding []float32, queryText string, scope models.ScopeFilter, limit int, vectorWeight, keywordWeight float64) ([]models.SearchResult, error) {
	vw, kw, err := NormalizeWeights(vectorWeight, keywordWeight)
	if err != nil {
		return nil, err
	}
	candidateLimit := limit * 4
	if candidateLimit < 20 {
		candidateLimit = 20
	}

	byID := make(map[string]models.SearchResult)
	vectorScores := make(map[string]float64)
	vecResults, err := s.Search(ctx, queryEmbedding, scope, candidateLimit)
	if err != nil {
		return nil, err
	}
	for _, r := range vecResults {
		byID[r.ChunkID] = r
		vectorScores[r.ChunkID] = r.Score
	}

	keywordScores, err := s.lexicalCandidates(ctx, queryText, scope, candidateLimit, byID)
	if err != nil {
		return nil, err
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

// lexicalCandidates runs full-text ranking over the scope and records chunk
// payloads for candidates the vector pass did not return.
func (s *PostgresStore) lexicalCandidates(ctx context.Context, queryText string, scope models.ScopeFilter, limit int, byID map[string]models.SearchResult) (map[string]float64, error) {
	args := []any{queryText}
	clause, args := scopeClause(scope, args)
	query := fmt.Sprintf(`
	SELECT chunk_id, document_id, content, page_number,
	       ts_rank(content_tsv, plainto_tsquery('english', $1)) AS score
	FROM chunks
	WHERE %s AND content_tsv @@ plainto_tsquery('english', $1)
	ORDER BY score DESC, chunk_id
	LIMIT %d`, clause, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer rows.Close()

	scores := make(map[string]float64)
	for rows.Next() {
		var r models.SearchResult
		if err := rows.Scan(&r.ChunkID, &r.DocumentID, &r.Content, &r.PageNumber, &r.Score); err != nil {
			return nil, fmt.Errorf("scan lexical result: %w", err)
		}
		scores[r.ChunkID] = r.Score
		if _, ok := byID[r.ChunkID]; !ok {
			byID[r.ChunkID] = r
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return scores, nil
}

// DeleteByScope removes every chunk in the scope; zero matches is not an error.
func (s *PostgresStore) DeleteByScope(ctx context.Context, projectID, documentID string) (int, error) {
	query := "DELETE FROM chunks WHERE project_id = $1"
	args := []any{projectID}
	if documentID != "" {
		query += " AND document_id = $2"
		args = append(args, documentID)
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return int(tag.RowsAffected()), nil
}
