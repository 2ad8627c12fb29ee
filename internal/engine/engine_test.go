package engine

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/hyperjump/kotae/internal/embedding"
	"github.com/hyperjump/kotae/internal/eval"
	"github.com/hyperjump/kotae/internal/generation"
	"github.com/hyperjump/kotae/internal/llm"
	"github.com/hyperjump/kotae/internal/models"
	"github.com/hyperjump/kotae/internal/retrieval"
	"github.com/hyperjump/kotae/internal/session"
	"github.com/hyperjump/kotae/internal/transform"
	"github.com/hyperjump/kotae/internal/vectorstore"
)

type testHarness struct {
	engine  *Engine
	store   *session.Store
	factory *vectorstore.Factory
	llm     *llm.FakeClient
}

func newHarness(t *testing.T, responses ...string) *testHarness {
	t.Helper()
	store, err := session.NewStore(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("failed to open session store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	factory := vectorstore.NewFactory(vectorstore.Config{Provider: vectorstore.ProviderMemory})
	fake := llm.NewFakeClient(responses...)

	e := New(
		store,
		transform.NewTransformer(nil, nil),
		retrieval.NewRetriever(factory, embedding.NewMockEmbedder(16), retrieval.Options{}, nil),
		generation.NewGenerator(fake, nil),
		nil,
		session.DefaultMaxIdleTurns,
		nil,
	)
	return &testHarness{engine: e, store: store, factory: factory, llm: fake}
}

func (h *testHarness) seedChunk(t *testing.T, chunk *models.Chunk) {
	t.Helper()
	store, err := h.factory.Get(context.Background(), "")
	if err != nil {
		t.Fatalf("failed to get store: %v", err)
	}
	emb, _ := embedding.NewMockEmbedder(16).Embed(context.Background(), chunk.Content)
	chunk.Embedding = emb
	if err := store.Upsert(context.Background(), []*models.Chunk{chunk}); err != nil {
		t.Fatalf("failed to seed chunk: %v", err)
	}
}

func hasState(trace []State, s State) bool {
	for _, st := range trace {
		if st == s {
			return true
		}
	}
	return false
}

func TestRunTurnAnsweredEndToEnd(t *testing.T) {
	h := newHarness(t, `Revenue grew twelve percent. SOURCES: [1] "revenue grew twelve percent"`)
	h.seedChunk(t, &models.Chunk{
		ChunkID: "c1", DocumentID: "doc-1", ProjectID: "p1",
		Content: "quarterly revenue grew twelve percent year over year",
	})

	var events []models.TurnEvent
	req := &models.TurnRequest{SessionID: "s1", ProjectID: "p1", Message: "how did revenue grow this quarter?"}
	res, err := h.engine.RunTurn(context.Background(), req, func(ev models.TurnEvent) error {
		events = append(events, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	if res.Final != StateEnd {
		t.Fatalf("expected End, got %s (trace %v)", res.Final, res.Trace)
	}
	for _, s := range []State{StateTransformQuery, StateRetrieve, StateGenerate, StateValidateCitations} {
		if !hasState(res.Trace, s) {
			t.Errorf("trace missing %s: %v", s, res.Trace)
		}
	}
	if res.Answer == nil || len(res.Answer.SourceRefs) != 1 {
		t.Fatalf("expected 1 validated source ref, got %+v", res.Answer)
	}
	if res.Answer.SourceRefs[0].DocumentID != "doc-1" {
		t.Errorf("ref should cite the retrieved document: %+v", res.Answer.SourceRefs[0])
	}

	var sawPartial, sawAnswer bool
	for _, ev := range events {
		switch ev.Type {
		case models.TurnEventPartial:
			sawPartial = true
			if strings.Contains(ev.PartialText, "SOURCES") {
				t.Errorf("citation block leaked into stream: %q", ev.PartialText)
			}
		case models.TurnEventAnswer:
			sawAnswer = true
			if ev.Answer == nil {
				t.Error("terminal event must carry the answer")
			}
		}
	}
	if !sawPartial || !sawAnswer {
		t.Errorf("expected partial and answer events, got %+v", events)
	}
}

func TestRunTurnChitchatSkipsRetrieval(t *testing.T) {
	h := newHarness(t, "Hello! How can I help?")
	req := &models.TurnRequest{SessionID: "s1", ProjectID: "p1", Message: "hello!"}
	res, err := h.engine.RunTurn(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	if hasState(res.Trace, StateRetrieve) {
		t.Errorf("chitchat must not hit the retrieval backend: %v", res.Trace)
	}
	if res.Answer == nil || res.Answer.RetrievalFilters != nil {
		t.Errorf("chitchat answer should carry no retrieval filters: %+v", res.Answer)
	}
}

func TestRunTurnClarificationLeavesContextUnchanged(t *testing.T) {
	h := newHarness(t)

	// Seed a persisted context with two documents tied on recency.
	seeded := models.NewConversationContext("s1")
	seeded.TurnCount = 2
	seeded.Entities["doc-1"] = &models.Entity{EntityID: "doc-1", Type: models.EntityTypeDocument, DisplayName: "report A", LastReferencedTurn: 2}
	seeded.Entities["doc-2"] = &models.Entity{EntityID: "doc-2", Type: models.EntityTypeDocument, DisplayName: "report B", LastReferencedTurn: 2}
	if err := h.store.AppendMessage(context.Background(), &models.ChatMessage{
		SessionID: "s1", TurnID: "t0", Role: "assistant", Content: "seed", Context: seeded,
	}); err != nil {
		t.Fatal(err)
	}

	var events []models.TurnEvent
	req := &models.TurnRequest{SessionID: "s1", ProjectID: "p1", Message: "summarize this document"}
	res, err := h.engine.RunTurn(context.Background(), req, func(ev models.TurnEvent) error {
		events = append(events, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	if res.Final != StateEnd || !hasState(res.Trace, StateClarificationNeeded) {
		t.Fatalf("expected clarification end, got %s (trace %v)", res.Final, res.Trace)
	}
	if res.Question == "" {
		t.Error("clarification turn must carry a question")
	}
	if len(events) != 1 || events[0].Type != models.TurnEventClarification {
		t.Errorf("expected a single clarification event, got %+v", events)
	}

	// The persisted context must be the pre-turn snapshot.
	cc, err := h.store.LoadContext(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if cc.TurnCount != 2 || len(cc.Entities) != 2 {
		t.Errorf("clarification must not mutate persisted context: %+v", cc)
	}
}

func TestRunTurnExplicitDocumentScopesRetrieval(t *testing.T) {
	h := newHarness(t, "It covers onboarding.")
	req := &models.TurnRequest{
		SessionID: "s1", ProjectID: "p1", Message: "summarize this document",
		ExplicitDocumentID: "doc-9",
	}
	res, err := h.engine.RunTurn(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	if res.Answer == nil || res.Answer.RetrievalFilters == nil {
		t.Fatalf("expected scoped retrieval filters, got %+v", res.Answer)
	}
	if res.Answer.RetrievalFilters.DocumentID != "doc-9" {
		t.Errorf("explicit document must scope retrieval, got %+v", res.Answer.RetrievalFilters)
	}
}

func TestRunTurnExplicitDocumentScopesPlainQuery(t *testing.T) {
	h := newHarness(t, "Onboarding takes three steps.")

	// No reference phrase in the message, so the transform resolves no
	// document; the request's explicit id must still scope retrieval.
	req := &models.TurnRequest{
		SessionID: "s1", ProjectID: "p1", Message: "summarize the onboarding steps",
		ExplicitDocumentID: "doc-9",
	}
	res, err := h.engine.RunTurn(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	if res.Answer == nil || res.Answer.RetrievalFilters == nil {
		t.Fatalf("expected scoped retrieval filters, got %+v", res.Answer)
	}
	if res.Answer.RetrievalFilters.DocumentID != "doc-9" {
		t.Errorf("explicit document id ignored, got %+v", res.Answer.RetrievalFilters)
	}
}

type downStore struct{}

func (d *downStore) Type() string { return "down" }
func (d *downStore) Upsert(ctx context.Context, chunks []*models.Chunk) error {
	return vectorstore.ErrBackendUnavailable
}
func (d *downStore) Search(ctx context.Context, queryEmbedding []float32, scope models.ScopeFilter, limit int) ([]models.SearchResult, error) {
	return nil, vectorstore.ErrBackendUnavailable
}
func (d *downStore) HybridSearch(ctx context.Context, queryEmbedding []float32, queryText string, scope models.ScopeFilter, limit int, vectorWeight, keywordWeight float64) ([]models.SearchResult, error) {
	return nil, vectorstore.ErrBackendUnavailable
}
func (d *downStore) SupportsHybrid() bool { return true }
func (d *downStore) DeleteByScope(ctx context.Context, projectID, documentID string) (int, error) {
	return 0, vectorstore.ErrBackendUnavailable
}
func (d *downStore) Close() error { return nil }

func TestRunTurnBackendUnavailableFailsTurn(t *testing.T) {
	h := newHarness(t)
	h.factory.Register(vectorstore.ProviderMemory, func(ctx context.Context, cfg vectorstore.Config) (vectorstore.VectorStore, error) {
		return &downStore{}, nil
	})

	var events []models.TurnEvent
	req := &models.TurnRequest{SessionID: "s1", ProjectID: "p1", Message: "what does the report say about revenue?"}
	res, err := h.engine.RunTurn(context.Background(), req, func(ev models.TurnEvent) error {
		events = append(events, ev)
		return nil
	})
	if err == nil {
		t.Fatal("expected turn to fail")
	}
	if res.Final != StateFailed {
		t.Errorf("expected Failed, got %s", res.Final)
	}
	if len(events) != 1 || events[0].Type != models.TurnEventError || events[0].Error != RetrievalUnavailableMessage {
		t.Errorf("expected an explicit unavailable message, got %+v", events)
	}

	// Nothing is persisted for a failed turn.
	msgs, err := h.store.History(context.Background(), "s1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("failed turn must not persist messages, got %d", len(msgs))
	}
}

func TestRunTurnPersistsBothMessages(t *testing.T) {
	h := newHarness(t, "The report covers revenue.")
	req := &models.TurnRequest{SessionID: "s1", ProjectID: "p1", Message: "what is in the report?"}
	if _, err := h.engine.RunTurn(context.Background(), req, nil); err != nil {
		t.Fatalf("turn failed: %v", err)
	}

	msgs, err := h.store.History(context.Background(), "s1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected user and assistant messages, got %d", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Errorf("unexpected roles: %s, %s", msgs[0].Role, msgs[1].Role)
	}
	if msgs[1].Context == nil || msgs[1].Context.TurnCount != 1 {
		t.Errorf("assistant message must carry the post-turn context snapshot: %+v", msgs[1].Context)
	}
	if msgs[0].TurnID != msgs[1].TurnID {
		t.Error("both messages must share the turn id")
	}
}

type memorySink struct {
	mu   sync.Mutex
	recs []*eval.Record
}

func (m *memorySink) Write(ctx context.Context, rec *eval.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

func TestRunTurnTriggersEvaluation(t *testing.T) {
	h := newHarness(t, "An answer.")
	sink := &memorySink{}
	evaluator := eval.NewEvaluator(1.0, sink, nil)
	h.engine.evaluator = evaluator

	req := &models.TurnRequest{SessionID: "s1", ProjectID: "p1", Message: "what is in the report?"}
	res, err := h.engine.RunTurn(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	evaluator.Wait()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.recs) != 1 {
		t.Fatalf("rate 1.0 must evaluate every turn, got %d records", len(sink.recs))
	}
	if sink.recs[0].ProjectID != "p1" || sink.recs[0].TurnID != res.TurnID {
		t.Errorf("record must be keyed by project and turn: %+v", sink.recs[0])
	}
}

func TestRunTurnRejectsInvalidRequest(t *testing.T) {
	h := newHarness(t)
	if _, err := h.engine.RunTurn(context.Background(), &models.TurnRequest{SessionID: "s1", ProjectID: "p1"}, nil); err == nil {
		t.Error("empty message must be rejected")
	}
	if _, err := h.engine.RunTurn(context.Background(), &models.TurnRequest{Message: "hi"}, nil); err == nil {
		t.Error("missing session and project must be rejected")
	}
}

func TestSessionTurnsAreSerialized(t *testing.T) {
	h := newHarness(t, "Answer one.", "Answer two.")

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := &models.TurnRequest{SessionID: "s1", ProjectID: "p1", Message: "what does the report cover?"}
			if _, err := h.engine.RunTurn(context.Background(), req, nil); err != nil {
				t.Errorf("turn failed: %v", err)
			}
		}()
	}
	wg.Wait()

	// Serialized turns interleave as complete user/assistant pairs and the
	// turn counter advances once per turn.
	cc, err := h.store.LoadContext(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if cc.TurnCount != 2 {
		t.Errorf("expected 2 completed turns, got count %d", cc.TurnCount)
	}
	msgs, _ := h.store.History(context.Background(), "s1", 10)
	if len(msgs) != 4 {
		t.Errorf("expected 4 persisted messages, got %d", len(msgs))
	}
}
