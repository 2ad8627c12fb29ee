package eval

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/hyperjump/kotae/internal/models"
)

func TestScoreFaithfulAnswer(t *testing.T) {
	in := Input{
		Query: "how did revenue do this quarter",
		Answer: &models.Answer{
			Text: "Revenue grew twelve percent this quarter.",
			SourceRefs: []models.SourceRef{
				{DocumentID: "doc-1", PageNumber: 1, Quote: "revenue grew twelve percent"},
			},
		},
		Retrieved: []models.SearchResult{
			{ChunkID: "c1", DocumentID: "doc-1", Content: "revenue grew twelve percent"},
		},
	}
	m := Score(in)
	if m.Faithfulness < 0.5 {
		t.Errorf("supported answer should score high faithfulness, got %f", m.Faithfulness)
	}
	if m.ContextPrecision != 1.0 {
		t.Errorf("all retrieved chunks cited, precision should be 1.0, got %f", m.ContextPrecision)
	}
	if m.AnswerRelevancy <= 0 {
		t.Errorf("on-topic answer should have positive relevancy, got %f", m.AnswerRelevancy)
	}
}

func TestScoreUncitedAnswer(t *testing.T) {
	in := Input{
		Query:  "anything",
		Answer: &models.Answer{Text: "A claim with no citations at all."},
		Retrieved: []models.SearchResult{
			{ChunkID: "c1", DocumentID: "doc-1", Content: "unrelated"},
		},
	}
	m := Score(in)
	if m.Faithfulness != 0 {
		t.Errorf("uncited answer faithfulness should be 0, got %f", m.Faithfulness)
	}
	if m.ContextPrecision != 0 {
		t.Errorf("nothing cited, precision should be 0, got %f", m.ContextPrecision)
	}
}

type recordingSink struct {
	mu   sync.Mutex
	recs []*Record
}

func (r *recordingSink) Write(ctx context.Context, rec *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, rec)
	return nil
}

func TestMaybeEvaluateSampling(t *testing.T) {
	sink := &recordingSink{}
	e := NewEvaluator(0.5, sink, nil)

	values := []float64{0.9, 0.1, 0.7, 0.2}
	i := 0
	e.randFn = func() float64 {
		v := values[i%len(values)]
		i++
		return v
	}

	in := Input{ProjectID: "p1", TurnID: "t", Answer: &models.Answer{Text: "x"}}
	for range values {
		e.MaybeEvaluate(in)
	}
	e.Wait()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.recs) != 2 {
		t.Errorf("expected 2 sampled evaluations, got %d", len(sink.recs))
	}
}

func TestMaybeEvaluateDisabled(t *testing.T) {
	sink := &recordingSink{}
	e := NewEvaluator(0, sink, nil)
	e.MaybeEvaluate(Input{ProjectID: "p1", TurnID: "t1"})
	e.Wait()
	if len(sink.recs) != 0 {
		t.Error("rate 0 must never evaluate")
	}
}

func TestSQLiteSinkRoundTrip(t *testing.T) {
	sink, err := NewSQLiteSink(filepath.Join(t.TempDir(), "eval.db"))
	if err != nil {
		t.Fatalf("failed to create sink: %v", err)
	}
	defer sink.Close()

	ctx := context.Background()
	rec := &Record{
		ProjectID: "p1",
		TurnID:    "t1",
		Metrics:   Metrics{Faithfulness: 0.8, AnswerRelevancy: 0.6, ContextPrecision: 0.5},
	}
	if err := sink.Write(ctx, rec); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	recs, err := sink.ListByProject(ctx, "p1", 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	if recs[0].Metrics.Faithfulness != 0.8 {
		t.Errorf("metrics not round-tripped: %+v", recs[0].Metrics)
	}

	if recs, _ := sink.ListByProject(ctx, "other", 10); len(recs) != 0 {
		t.Error("records must be keyed by project")
	}
}
