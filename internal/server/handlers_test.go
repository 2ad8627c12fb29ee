package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/hyperjump/kotae/internal/config"
	"github.com/hyperjump/kotae/internal/embedding"
	"github.com/hyperjump/kotae/internal/engine"
	"github.com/hyperjump/kotae/internal/generation"
	"github.com/hyperjump/kotae/internal/llm"
	"github.com/hyperjump/kotae/internal/models"
	"github.com/hyperjump/kotae/internal/retrieval"
	"github.com/hyperjump/kotae/internal/session"
	"github.com/hyperjump/kotae/internal/transform"
	"github.com/hyperjump/kotae/internal/vectorstore"
)

func newTestServer(t *testing.T, responses ...string) http.Handler {
	t.Helper()
	store, err := session.NewStore(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("failed to open session store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	factory := vectorstore.NewFactory(vectorstore.Config{Provider: vectorstore.ProviderMemory})
	eng := engine.New(
		store,
		transform.NewTransformer(nil, nil),
		retrieval.NewRetriever(factory, embedding.NewMockEmbedder(16), retrieval.Options{}, nil),
		generation.NewGenerator(llm.NewFakeClient(responses...), nil),
		nil,
		session.DefaultMaxIdleTurns,
		nil,
	)
	s := NewServer(eng, factory, nil, &config.ServerConfig{Host: "localhost", Port: 0}, zap.NewNop())
	return s.Router()
}

func postJSON(t *testing.T, handler http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	handler := newTestServer(t)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("health returned %d", rec.Code)
	}
}

func TestChatRejectsInvalidRequest(t *testing.T) {
	handler := newTestServer(t)

	rec := postJSON(t, handler, "/api/v1/chat", map[string]string{"message": "hi"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing session/project should be 400, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", strings.NewReader("{not json"))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body should be 400, got %d", rec.Code)
	}
}

func TestChatStreamsEvents(t *testing.T) {
	handler := newTestServer(t, "The report covers revenue growth.")
	rec := postJSON(t, handler, "/api/v1/chat", models.TurnRequest{
		SessionID: "s1", ProjectID: "p1", Message: "what does the report cover?",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("chat returned %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected SSE content type, got %s", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "event: partial_text") {
		t.Errorf("expected streamed partial events:\n%s", body)
	}
	if !strings.Contains(body, "event: answer") {
		t.Errorf("expected a terminal answer event:\n%s", body)
	}
}

func TestChatChitchatAnswers(t *testing.T) {
	handler := newTestServer(t, "Hello! How can I help?")
	rec := postJSON(t, handler, "/api/v1/chat", models.TurnRequest{
		SessionID: "s1", ProjectID: "p1", Message: "hello!",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("chitchat turn returned %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "event: answer") {
		t.Errorf("chitchat should still produce an answer event:\n%s", rec.Body.String())
	}
}

func TestUpsertChunksValidation(t *testing.T) {
	handler := newTestServer(t)

	rec := postJSON(t, handler, "/api/v1/chunks", upsertChunksRequest{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty chunks should be 400, got %d", rec.Code)
	}

	rec = postJSON(t, handler, "/api/v1/chunks", upsertChunksRequest{Chunks: []*models.Chunk{
		{ChunkID: "c1", DocumentID: "d1", ProjectID: "p1", Content: "text"},
	}})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing embedding should be 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestUpsertAndDeleteChunks(t *testing.T) {
	handler := newTestServer(t)

	chunks := []*models.Chunk{
		{ChunkID: "c1", DocumentID: "d1", ProjectID: "p1", Content: "alpha", Embedding: []float32{1, 0}},
		{ChunkID: "c2", DocumentID: "d1", ProjectID: "p1", Content: "beta", Embedding: []float32{0, 1}},
	}
	rec := postJSON(t, handler, "/api/v1/chunks", upsertChunksRequest{Chunks: chunks})
	if rec.Code != http.StatusCreated {
		t.Fatalf("upsert returned %d: %s", rec.Code, rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/chunks?project_id=p1&document_id=d1", nil)
	del := httptest.NewRecorder()
	handler.ServeHTTP(del, req)
	if del.Code != http.StatusOK {
		t.Fatalf("delete returned %d: %s", del.Code, del.Body.String())
	}
	var resp struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(del.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 2 {
		t.Errorf("expected 2 deleted chunks, got %d", resp.Count)
	}
}

func TestDeleteChunksRequiresProject(t *testing.T) {
	handler := newTestServer(t)
	req := httptest.NewRequest(http.MethodDelete, "/api/v1/chunks?document_id=d1", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing project_id should be 400, got %d", rec.Code)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	handler := newTestServer(t, "An answer.")
	rec := postJSON(t, handler, "/api/v1/chat", models.TurnRequest{
		SessionID: "s-hist", ProjectID: "p1", Message: "what does the report cover?",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("chat returned %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/s-hist/history", nil)
	hist := httptest.NewRecorder()
	handler.ServeHTTP(hist, req)
	if hist.Code != http.StatusOK {
		t.Fatalf("history returned %d", hist.Code)
	}
	var resp struct {
		Messages []models.ChatMessage `json:"messages"`
	}
	if err := json.NewDecoder(hist.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Messages) != 2 {
		t.Fatalf("expected user and assistant messages, got %d", len(resp.Messages))
	}
	if resp.Messages[0].Role != "user" || resp.Messages[1].Role != "assistant" {
		t.Errorf("unexpected roles: %s, %s", resp.Messages[0].Role, resp.Messages[1].Role)
	}
}

func TestEvalsNotEnabled(t *testing.T) {
	handler := newTestServer(t)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/projects/p1/evals", nil))
	if rec.Code != http.StatusNotImplemented {
		t.Errorf("evals without a sink should be 501, got %d", rec.Code)
	}
}

func TestStatus(t *testing.T) {
	handler := newTestServer(t)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status returned %d", rec.Code)
	}
	var resp map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["provider"] != vectorstore.ProviderMemory {
		t.Errorf("status should report the active provider, got %v", resp["provider"])
	}
}
