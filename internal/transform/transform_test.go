package transform

import (
	"context"
	"strings"
	"testing"

	"github.com/hyperjump/kotae/internal/llm"
	"github.com/hyperjump/kotae/internal/models"
	"github.com/hyperjump/kotae/internal/session"
)

func newTurnManager(t *testing.T) *session.Manager {
	t.Helper()
	m := session.NewManager("s1", nil, 0, nil)
	m.BeginTurn()
	return m
}

func TestTransformChitchatSkipsRetrieval(t *testing.T) {
	tr := NewTransformer(nil, nil)
	for _, msg := range []string{"hi", "Hello!", "thanks", "how are you?"} {
		res, err := tr.Transform(context.Background(), newTurnManager(t), msg)
		if err != nil {
			t.Fatalf("transform failed: %v", err)
		}
		if res.NeedsRetrieval {
			t.Errorf("%q should skip retrieval", msg)
		}
	}
}

func TestTransformNoReferenceSearchesWholeProject(t *testing.T) {
	tr := NewTransformer(nil, nil)
	mgr := newTurnManager(t)
	mgr.RegisterEntityWithID(models.EntityTypeDocument, "Q3 Report", "doc-1")

	res, err := tr.Transform(context.Background(), mgr, "What's the summary?")
	if err != nil {
		t.Fatal(err)
	}
	if !res.NeedsRetrieval {
		t.Error("a real question needs retrieval")
	}
	if res.DocumentID != "" {
		t.Errorf("no reference expression means whole-project scope, got %s", res.DocumentID)
	}
	if res.RewrittenQuery != "What's the summary?" {
		t.Errorf("query should pass through, got %q", res.RewrittenQuery)
	}
}

func TestTransformResolvesDemonstrative(t *testing.T) {
	tr := NewTransformer(nil, nil)
	mgr := newTurnManager(t)
	mgr.RegisterEntityWithID(models.EntityTypeDocument, "Q3 Report", "doc-1")
	mgr.BeginTurn()

	res, err := tr.Transform(context.Background(), mgr, "What about the numbers in this document?")
	if err != nil {
		t.Fatal(err)
	}
	if res.ClarificationNeeded {
		t.Fatal("reference should resolve")
	}
	if res.DocumentID != "doc-1" {
		t.Errorf("scope should be doc-1, got %q", res.DocumentID)
	}
	if !strings.Contains(res.RewrittenQuery, "Q3 Report") {
		t.Errorf("rewritten query should name the referent: %q", res.RewrittenQuery)
	}
	if mgr.Context().CurrentFocus != "doc-1" {
		t.Error("successful resolution should set focus")
	}
}

func TestTransformFollowUpKeepsFocusScope(t *testing.T) {
	tr := NewTransformer(nil, nil)
	mgr := newTurnManager(t)
	id := mgr.RegisterEntityWithID(models.EntityTypeDocument, "Q3 Report", "doc-1")
	mgr.SetFocus(id)
	mgr.BeginTurn()

	res, err := tr.Transform(context.Background(), mgr, "what about page 5")
	if err != nil {
		t.Fatal(err)
	}
	if res.DocumentID != "doc-1" {
		t.Errorf("follow-up should inherit the focus scope, got %q", res.DocumentID)
	}
}

func TestTransformTypeHintResolution(t *testing.T) {
	tr := NewTransformer(nil, nil)
	mgr := newTurnManager(t)
	mgr.RegisterEntityWithID(models.EntityTypeDocument, "doc A", "doc-a")
	mgr.BeginTurn()
	mgr.RegisterEntityWithID(models.EntityTypeVideo, "video B", "vid-b")
	mgr.BeginTurn()

	res, err := tr.Transform(context.Background(), mgr, "summarize this video")
	if err != nil {
		t.Fatal(err)
	}
	if res.DocumentID != "vid-b" {
		t.Errorf("video hint should resolve to vid-b, got %q", res.DocumentID)
	}
}

func TestTransformAmbiguousAsksForClarification(t *testing.T) {
	tr := NewTransformer(nil, nil)
	mgr := newTurnManager(t)
	mgr.RegisterEntityWithID(models.EntityTypeDocument, "doc A", "doc-a")
	mgr.RegisterEntityWithID(models.EntityTypeDocument, "doc B", "doc-b")

	res, err := tr.Transform(context.Background(), mgr, "what does this document say?")
	if err != nil {
		t.Fatal(err)
	}
	if !res.ClarificationNeeded {
		t.Fatal("two equally recent documents must trigger clarification")
	}
	if !strings.Contains(res.Question, "document") {
		t.Errorf("clarifying question should name the type: %q", res.Question)
	}
}

func TestTransformPluralStaysUnscoped(t *testing.T) {
	tr := NewTransformer(nil, nil)
	mgr := newTurnManager(t)
	mgr.RegisterEntityWithID(models.EntityTypeDocument, "doc A", "doc-a")
	mgr.RegisterEntityWithID(models.EntityTypeDocument, "doc B", "doc-b")

	res, err := tr.Transform(context.Background(), mgr, "compare the two")
	if err != nil {
		t.Fatal(err)
	}
	if res.ClarificationNeeded {
		t.Fatal("explicit plural is not ambiguous single-entity resolution")
	}
	if res.DocumentID != "" {
		t.Errorf("plural comparison must stay unscoped, got %q", res.DocumentID)
	}
	if !strings.Contains(res.RewrittenQuery, "doc A") || !strings.Contains(res.RewrittenQuery, "doc B") {
		t.Errorf("both names should surface in the rewritten query: %q", res.RewrittenQuery)
	}
}

func TestTransformAssistRewrite(t *testing.T) {
	fake := llm.NewFakeClient("numbers in Q3 Report financial summary")
	tr := NewTransformer(fake, nil)
	mgr := newTurnManager(t)
	mgr.RegisterEntityWithID(models.EntityTypeDocument, "Q3 Report", "doc-1")
	mgr.BeginTurn()

	res, err := tr.Transform(context.Background(), mgr, "show the numbers in this document")
	if err != nil {
		t.Fatal(err)
	}
	if res.RewrittenQuery != "numbers in Q3 Report financial summary" {
		t.Errorf("assist output should be used when available: %q", res.RewrittenQuery)
	}
	if res.DocumentID != "doc-1" {
		t.Error("scope must come from deterministic resolution, not the model")
	}
}

func TestTransformScenarioFocusCarryover(t *testing.T) {
	tr := NewTransformer(nil, nil)
	mgr := newTurnManager(t)
	mgr.RegisterEntityWithID(models.EntityTypeDocument, "doc-1", "doc-1")
	ctx := context.Background()

	// Turn 1: no reference, whole-project search.
	res, _ := tr.Transform(ctx, mgr, "What's the summary?")
	if res.DocumentID != "" {
		t.Fatalf("turn 1 should be unscoped, got %q", res.DocumentID)
	}

	// Turn 2: demonstrative resolves to doc-1 and sets focus.
	mgr.BeginTurn()
	res, _ = tr.Transform(ctx, mgr, "What about the numbers in this document?")
	if res.DocumentID != "doc-1" {
		t.Fatalf("turn 2 should scope to doc-1, got %q", res.DocumentID)
	}

	// Turn 3: no doc mention; focus still applies.
	mgr.BeginTurn()
	res, _ = tr.Transform(ctx, mgr, "what about page 5")
	if res.DocumentID != "doc-1" {
		t.Fatalf("turn 3 should keep doc-1 via focus, got %q", res.DocumentID)
	}
}
