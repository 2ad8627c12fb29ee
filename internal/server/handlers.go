package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/kotae/internal/models"
)

// handleChat runs one turn and streams its events to the client as
// server-sent events: partial_text while the answer generates, then a single
// terminal answer, clarification, or error event.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req models.TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	s.logger.Debug("chat request",
		zap.String("session_id", req.SessionID),
		zap.String("project_id", req.ProjectID))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	terminal := false
	writeEvent := func(ev models.TurnEvent) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if ev.Type != models.TurnEventPartial {
			terminal = true
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	_, err := s.engine.RunTurn(r.Context(), &req, writeEvent)
	if err != nil {
		s.logger.Error("turn failed", zap.String("session_id", req.SessionID), zap.Error(err))
		if !terminal {
			_ = writeEvent(models.TurnEvent{Type: models.TurnEventError, Error: "failed to process your question"})
		}
	}
}

type upsertChunksRequest struct {
	Chunks []*models.Chunk `json:"chunks"`
}

// handleUpsertChunks writes pre-embedded chunks from the ingestion pipeline
// into the active vector store. Re-sending a chunk_id overwrites it.
func (s *Server) handleUpsertChunks(w http.ResponseWriter, r *http.Request) {
	var req upsertChunksRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Chunks) == 0 {
		s.respondError(w, http.StatusBadRequest, "chunks is required")
		return
	}
	for i, c := range req.Chunks {
		switch {
		case c.ChunkID == "", c.DocumentID == "", c.ProjectID == "":
			s.respondError(w, http.StatusBadRequest, fmt.Sprintf("chunk %d: chunk_id, document_id and project_id are required", i))
			return
		case c.Content == "":
			s.respondError(w, http.StatusBadRequest, fmt.Sprintf("chunk %d: content is required", i))
			return
		case len(c.Embedding) == 0:
			s.respondError(w, http.StatusBadRequest, fmt.Sprintf("chunk %d: embedding is required", i))
			return
		}
	}

	store, err := s.factory.Get(r.Context(), "")
	if err != nil {
		s.logger.Error("upsert: store unavailable", zap.Error(err))
		s.respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if err := store.Upsert(r.Context(), req.Chunks); err != nil {
		s.logger.Error("upsert failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Debug("chunks upserted", zap.Int("count", len(req.Chunks)))
	s.respondJSON(w, http.StatusCreated, map[string]interface{}{"status": "upserted", "count": len(req.Chunks)})
}

// handleDeleteChunks removes all chunks in a scope, typically on document
// deletion.
func (s *Server) handleDeleteChunks(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project_id")
	if projectID == "" {
		s.respondError(w, http.StatusBadRequest, "project_id is required")
		return
	}
	documentID := r.URL.Query().Get("document_id")

	store, err := s.factory.Get(r.Context(), "")
	if err != nil {
		s.logger.Error("delete: store unavailable", zap.Error(err))
		s.respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	deleted, err := store.DeleteByScope(r.Context(), projectID, documentID)
	if err != nil {
		s.logger.Error("delete failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Debug("chunks deleted",
		zap.String("project_id", projectID),
		zap.String("document_id", documentID),
		zap.Int("count", deleted))
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"status": "deleted", "count": deleted})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	msgs, err := s.engine.History(r.Context(), sessionID, limit)
	if err != nil {
		s.logger.Error("history failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if msgs == nil {
		msgs = []*models.ChatMessage{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
}

func (s *Server) handleEvals(w http.ResponseWriter, r *http.Request) {
	if s.evalSink == nil {
		s.respondError(w, http.StatusNotImplemented, "evaluation not enabled")
		return
	}
	projectID := chi.URLParam(r, "id")
	recs, err := s.evalSink.ListByProject(r.Context(), projectID, 100)
	if err != nil {
		s.logger.Error("eval list failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"results": recs})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"provider":     s.factory.Resolve(""),
		"eval_enabled": s.evalSink != nil,
		"streaming":    true,
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
