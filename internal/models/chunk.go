// Package models defines the core data types shared across the engine.
package models

// Chunk is a unit of ingested document text with its embedding.
// Chunks are produced by an external ingestion collaborator and are immutable
// once written; re-ingesting the same ChunkID overwrites rather than duplicates.
type Chunk struct {
	ChunkID    string    `json:"chunk_id"`
	DocumentID string    `json:"document_id"`
	ProjectID  string    `json:"project_id"`
	UserID     string    `json:"user_id,omitempty"`
	Content    string    `json:"content"`
	PageNumber int       `json:"page_number"`
	Embedding  []float32 `json:"embedding,omitempty"`
}

// SearchResult is a single retrieval hit. Ephemeral, produced per query.
type SearchResult struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Content    string  `json:"content"`
	PageNumber int     `json:"page_number"`
	Score      float64 `json:"score"`
}

// ScopeFilter constrains a retrieval call to a project and optionally to a
// single document and/or user. ProjectID is always required.
type ScopeFilter struct {
	ProjectID  string `json:"project_id"`
	DocumentID string `json:"document_id,omitempty"`
	UserID     string `json:"user_id,omitempty"`
}
