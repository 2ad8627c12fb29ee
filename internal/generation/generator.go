// Package generation produces grounded answers with verbatim source quotes
// from the turn's retrieved chunks.
package generation

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/hyperjump/kotae/internal/llm"
	"github.com/hyperjump/kotae/internal/models"
)

const systemPrompt = `You answer questions using only the numbered sources provided.
Ground every factual sentence in a source. If the sources do not contain the
answer, say so plainly instead of guessing.
After your answer, emit a line containing exactly "SOURCES:" followed by one
line per claim in the form: [N] "exact verbatim quote from source N".
The quote must be copied character-for-character from the source text.`

const weakEvidenceNote = `The sources are sparse for this question. Start the answer by noting the
available documents only partially cover it.`

// Generator turns a rewritten query plus retrieved chunks into a validated
// Answer.
type Generator struct {
	client llm.Client
	logger *zap.Logger
}

// NewGenerator creates the stage.
func NewGenerator(client llm.Client, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{client: client, logger: logger}
}

// buildPrompt renders the numbered source list and the question.
func buildPrompt(query string, results []models.SearchResult, weakEvidence bool) string {
	var b strings.Builder
	if weakEvidence {
		b.WriteString(weakEvidenceNote)
		b.WriteString("\n\n")
	}
	if len(results) == 0 {
		b.WriteString("No sources were retrieved for this question.\n\n")
	}
	for i, r := range results {
		fmt.Fprintf(&b, "[%d] (document %s, page %d)\n%s\n\n", i+1, r.DocumentID, r.PageNumber, r.Content)
	}
	fmt.Fprintf(&b, "Question: %s\nAnswer:", query)
	return b.String()
}

// Generate streams the answer through onToken (citation block suppressed)
// and returns the validated Answer. Per-ref validation failures drop the
// offending ref and set DegradedCitations; they never fail the turn.
func (g *Generator) Generate(ctx context.Context, query string, results []models.SearchResult, weakEvidence bool, onToken func(string) error) (*models.Answer, error) {
	req := llm.Request{
		System: systemPrompt,
		Prompt: buildPrompt(query, results, weakEvidence),
	}

	filter := newDelimiterFilter(sourcesDelimiter, onToken)
	raw, err := g.client.GenerateStream(ctx, req, filter.feed)
	if err != nil {
		return nil, fmt.Errorf("generation failed: %w", err)
	}
	if err := filter.flush(); err != nil {
		return nil, err
	}

	text, refs := splitAnswer(raw)
	valid, degraded := validateRefs(refs, results)
	if len(refs) > 0 && len(valid) == 0 {
		// Every citation failed validation; the answer ships uncited and
		// flagged so the behavior is visible downstream.
		g.logger.Warn("all citations failed validation",
			zap.Int("attempted", len(refs)),
			zap.String("query", query))
	}

	return &models.Answer{
		Text:              text,
		SourceRefs:        valid,
		DegradedCitations: degraded,
		WeakEvidence:      weakEvidence,
	}, nil
}

// delimiterFilter forwards streamed tokens up to a delimiter and swallows
// everything after it, holding back a tail so a delimiter split across
// tokens is still caught.
type delimiterFilter struct {
	delimiter string
	onToken   func(string) error
	buf       strings.Builder
	emitted   int
	done      bool
}

func newDelimiterFilter(delimiter string, onToken func(string) error) *delimiterFilter {
	return &delimiterFilter{delimiter: delimiter, onToken: onToken}
}

func (f *delimiterFilter) feed(token string) error {
	if f.done || f.onToken == nil {
		return nil
	}
	f.buf.WriteString(token)
	text := f.buf.String()
	if i := strings.Index(text, f.delimiter); i >= 0 {
		f.done = true
		return f.emitTo(strings.TrimRight(text[:i], " \n"))
	}
	// Hold back enough characters that a partially streamed delimiter is
	// never shown.
	safe := len(text) - len(f.delimiter)
	if safe > f.emitted {
		return f.emitTo(text[:safe])
	}
	return nil
}

func (f *delimiterFilter) emitTo(text string) error {
	if len(text) <= f.emitted {
		return nil
	}
	out := text[f.emitted:]
	f.emitted = len(text)
	return f.onToken(out)
}

// flush emits any held-back text when the stream ended without a delimiter.
func (f *delimiterFilter) flush() error {
	if f.done || f.onToken == nil {
		return nil
	}
	return f.emitTo(strings.TrimRight(f.buf.String(), " \n"))
}
