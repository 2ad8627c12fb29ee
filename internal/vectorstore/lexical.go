package vectorstore

import (
	"context"
	"fmt"
	"os"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/hyperjump/kotae/internal/models"
)

// lexicalIndex is a Bleve index over chunk content, used as the keyword side
// of hybrid search for backends without native lexical support. Chunks are
// keyed by chunk_id; project/document/user ids are indexed as keyword fields
// so scope filters apply to lexical candidates too.
type lexicalIndex struct {
	index bleve.Index
}

// lexicalChunk is the document shape indexed into Bleve.
type lexicalChunk struct {
	Content    string  `json:"content"`
	ProjectID  string  `json:"project_id"`
	DocumentID string  `json:"document_id"`
	UserID     string  `json:"user_id"`
	PageNumber float64 `json:"page_number"`
}

// newLexicalIndex creates or opens a Bleve index at path. An empty path
// creates a purely in-memory index.
func newLexicalIndex(path string) (*lexicalIndex, error) {
	im := bleve.NewIndexMapping()
	docMapping := bleve.NewDocumentMapping()

	textFieldMapping := bleve.NewTextFieldMapping()
	// Standard analyzer (lowercase + tokenize, no stemming) so exact query
	// terms match exact chunk terms.
	textFieldMapping.Analyzer = standard.Name
	docMapping.AddFieldMappingsAt("content", textFieldMapping)

	keywordFieldMapping := bleve.NewKeywordFieldMapping()
	docMapping.AddFieldMappingsAt("project_id", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("document_id", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("user_id", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("page_number", bleve.NewNumericFieldMapping())

	im.DefaultMapping = docMapping

	if path == "" {
		index, err := bleve.NewMemOnly(im)
		if err != nil {
			return nil, fmt.Errorf("failed to create in-memory lexical index: %w", err)
		}
		return &lexicalIndex{index: index}, nil
	}

	if _, err := os.Stat(path); err == nil {
		index, openErr := bleve.Open(path)
		if openErr != nil {
			return nil, fmt.Errorf("failed to open lexical index: %w", openErr)
		}
		return &lexicalIndex{index: index}, nil
	}
	index, err := bleve.New(path, im)
	if err != nil {
		return nil, fmt.Errorf("failed to create lexical index: %w", err)
	}
	return &lexicalIndex{index: index}, nil
}

// Index upserts a chunk; Bleve replaces documents with the same ID.
func (l *lexicalIndex) Index(c *models.Chunk) error {
	return l.index.Index(c.ChunkID, lexicalChunk{
		Content:    c.Content,
		ProjectID:  c.ProjectID,
		DocumentID: c.DocumentID,
		UserID:     c.UserID,
		PageNumber: float64(c.PageNumber),
	})
}

// Search runs a match query over content restricted to the scope and returns
// chunk payloads with their BM25-style scores, up to limit results.
func (l *lexicalIndex) Search(ctx context.Context, queryText string, scope models.ScopeFilter, limit int) ([]models.SearchResult, error) {
	match := bleve.NewMatchQuery(queryText)
	match.SetField("content")

	conjuncts := bleve.NewConjunctionQuery(match)
	projectTerm := bleve.NewTermQuery(scope.ProjectID)
	projectTerm.SetField("project_id")
	conjuncts.AddQuery(projectTerm)
	if scope.DocumentID != "" {
		docTerm := bleve.NewTermQuery(scope.DocumentID)
		docTerm.SetField("document_id")
		conjuncts.AddQuery(docTerm)
	}
	if scope.UserID != "" {
		userTerm := bleve.NewTermQuery(scope.UserID)
		userTerm.SetField("user_id")
		conjuncts.AddQuery(userTerm)
	}

	req := bleve.NewSearchRequestOptions(conjuncts, limit, 0, false)
	req.Fields = []string{"content", "document_id", "page_number"}
	res, err := l.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("lexical search failed: %w", err)
	}

	out := make([]models.SearchResult, 0, len(res.Hits))
	for _, hit := range res.Hits {
		r := models.SearchResult{ChunkID: hit.ID, Score: hit.Score}
		if v, ok := hit.Fields["content"].(string); ok {
			r.Content = v
		}
		if v, ok := hit.Fields["document_id"].(string); ok {
			r.DocumentID = v
		}
		if v, ok := hit.Fields["page_number"].(float64); ok {
			r.PageNumber = int(v)
		}
		out = append(out, r)
	}
	return out, nil
}

// DeleteByScope removes every chunk in the scope and returns the count.
// Bleve has no filtered delete, so matching IDs are enumerated in pages.
func (l *lexicalIndex) DeleteByScope(ctx context.Context, projectID, documentID string) (int, error) {
	const pageSize = 500
	deleted := 0
	for {
		projectTerm := bleve.NewTermQuery(projectID)
		projectTerm.SetField("project_id")
		conjuncts := bleve.NewConjunctionQuery(projectTerm)
		if documentID != "" {
			docTerm := bleve.NewTermQuery(documentID)
			docTerm.SetField("document_id")
			conjuncts.AddQuery(docTerm)
		}
		req := bleve.NewSearchRequestOptions(conjuncts, pageSize, 0, false)
		res, err := l.index.SearchInContext(ctx, req)
		if err != nil {
			return deleted, fmt.Errorf("lexical scope scan failed: %w", err)
		}
		if len(res.Hits) == 0 {
			return deleted, nil
		}
		batch := l.index.NewBatch()
		for _, hit := range res.Hits {
			batch.Delete(hit.ID)
		}
		if err := l.index.Batch(batch); err != nil {
			return deleted, fmt.Errorf("lexical batch delete failed: %w", err)
		}
		deleted += len(res.Hits)
	}
}

func (l *lexicalIndex) Close() error {
	return l.index.Close()
}
