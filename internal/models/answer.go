package models

// SourceRef ties one claim in an answer back to a verbatim quote in a
// retrieved chunk, so the UI can locate and highlight the source text.
type SourceRef struct {
	DocumentID string `json:"document_id"`
	PageNumber int    `json:"page_number"`
	Quote      string `json:"quote"`
}

// Answer is the terminal artifact of one chat turn.
type Answer struct {
	Text              string       `json:"text"`
	SourceRefs        []SourceRef  `json:"source_refs"`
	RetrievalFilters  *ScopeFilter `json:"retrieval_filters_used,omitempty"`
	DegradedCitations bool         `json:"degraded_citations"`
	WeakEvidence      bool         `json:"weak_evidence,omitempty"`
}
