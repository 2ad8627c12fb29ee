// Package engine orchestrates one chat turn as an explicit state machine:
// transform, retrieve, generate, validate, with a clarification branch and a
// sampled evaluation hook after the turn ends.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/kotae/internal/eval"
	"github.com/hyperjump/kotae/internal/generation"
	"github.com/hyperjump/kotae/internal/models"
	"github.com/hyperjump/kotae/internal/retrieval"
	"github.com/hyperjump/kotae/internal/session"
	"github.com/hyperjump/kotae/internal/transform"
	"github.com/hyperjump/kotae/internal/vectorstore"
)

// State names one node of the per-turn state machine.
type State string

const (
	StateStart               State = "start"
	StateTransformQuery      State = "transform_query"
	StateClarificationNeeded State = "clarification_needed"
	StateRetrieve            State = "retrieve"
	StateGenerate            State = "generate"
	StateValidateCitations   State = "validate_citations"
	StateEnd                 State = "end"
	StateFailed              State = "failed"
)

// RetrievalUnavailableMessage is the user-visible text for a turn that fails
// because the backend is unreachable. Never silently degraded to a guess.
const RetrievalUnavailableMessage = "I'm temporarily unable to search your documents. Please try again in a moment."

// TurnResult is the outcome of one turn.
type TurnResult struct {
	TurnID string
	// Final is End for answered or clarification turns, Failed otherwise.
	Final State
	// Trace lists the states visited, in order. Exposed for transition tests.
	Trace []State
	// Answer is set when the turn produced one.
	Answer *models.Answer
	// Question is set when the turn ended asking for clarification.
	Question string
}

// Engine wires the pipeline stages together. Turns of the same session are
// serialized internally; distinct sessions run concurrently.
type Engine struct {
	store        *session.Store
	transformer  *transform.Transformer
	retriever    *retrieval.Retriever
	generator    *generation.Generator
	evaluator    *eval.Evaluator
	maxIdleTurns int
	logger       *zap.Logger

	sessionLocks sync.Map // session id -> *sync.Mutex
}

// New creates the engine.
func New(
	store *session.Store,
	transformer *transform.Transformer,
	retriever *retrieval.Retriever,
	generator *generation.Generator,
	evaluator *eval.Evaluator,
	maxIdleTurns int,
	logger *zap.Logger,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:        store,
		transformer:  transformer,
		retriever:    retriever,
		generator:    generator,
		evaluator:    evaluator,
		maxIdleTurns: maxIdleTurns,
		logger:       logger,
	}
}

func (e *Engine) lockSession(sessionID string) func() {
	v, _ := e.sessionLocks.LoadOrStore(sessionID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// RunTurn executes one turn. onEvent receives streamed partial text and the
// terminal event; it may be nil. Context mutations and persistence only
// happen on paths the state machine defines: a clarification turn leaves the
// persisted context unchanged, and a failed turn persists nothing.
func (e *Engine) RunTurn(ctx context.Context, req *models.TurnRequest, onEvent func(models.TurnEvent) error) (*TurnResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	unlock := e.lockSession(req.SessionID)
	defer unlock()

	result := &TurnResult{TurnID: uuid.NewString(), Trace: []State{StateStart}}
	emit := func(ev models.TurnEvent) error {
		if onEvent == nil {
			return nil
		}
		return onEvent(ev)
	}

	loaded, err := e.store.LoadContext(ctx, req.SessionID)
	if err != nil {
		result.Final = StateFailed
		result.Trace = append(result.Trace, StateFailed)
		return result, fmt.Errorf("load session context: %w", err)
	}
	var preTurn *models.ConversationContext
	if loaded != nil {
		preTurn = loaded.Clone()
	}

	mgr := session.NewManager(req.SessionID, loaded, e.maxIdleTurns, e.store)
	mgr.BeginTurn()

	if req.ExplicitDocumentID != "" {
		id := mgr.RegisterEntityWithID(models.EntityTypeDocument, req.ExplicitDocumentID, req.ExplicitDocumentID)
		mgr.SetFocus(id)
	}

	// Transform.
	result.Trace = append(result.Trace, StateTransformQuery)
	tres, err := e.transformer.Transform(ctx, mgr, req.Message)
	if err != nil {
		result.Final = StateFailed
		result.Trace = append(result.Trace, StateFailed)
		return result, fmt.Errorf("transform failed: %w", err)
	}

	if tres.ClarificationNeeded {
		result.Trace = append(result.Trace, StateClarificationNeeded, StateEnd)
		result.Final = StateEnd
		result.Question = tres.Question
		// The ambiguity is recoverable and the context stays as it was
		// before the turn.
		e.persistTurn(ctx, req, result.TurnID, tres.Question, preTurn, nil)
		if err := emit(models.TurnEvent{Type: models.TurnEventClarification, Question: tres.Question}); err != nil {
			return result, err
		}
		return result, nil
	}

	// Retrieve, unless the transform decided the turn needs no document
	// context.
	var retrieved []models.SearchResult
	weakEvidence := false
	var filters *models.ScopeFilter
	if tres.NeedsRetrieval {
		result.Trace = append(result.Trace, StateRetrieve)
		scope := models.ScopeFilter{
			ProjectID:  req.ProjectID,
			DocumentID: tres.DocumentID,
			UserID:     req.UserID,
		}
		// An explicit document id on the request outranks whatever the
		// transform resolved from conversation state.
		if req.ExplicitDocumentID != "" {
			scope.DocumentID = req.ExplicitDocumentID
		}
		filters = &scope
		rres, err := e.retriever.Retrieve(ctx, tres.RewrittenQuery, scope)
		if err != nil {
			result.Final = StateFailed
			result.Trace = append(result.Trace, StateFailed)
			if errors.Is(err, vectorstore.ErrBackendUnavailable) {
				_ = emit(models.TurnEvent{Type: models.TurnEventError, Error: RetrievalUnavailableMessage})
				e.logger.Error("retrieval backend unavailable",
					zap.String("turn_id", result.TurnID), zap.Error(err))
				return result, err
			}
			_ = emit(models.TurnEvent{Type: models.TurnEventError, Error: "failed to process your question"})
			return result, err
		}
		retrieved = rres.Results
		weakEvidence = rres.WeakEvidence
	}

	// Generate and validate citations.
	result.Trace = append(result.Trace, StateGenerate)
	answer, err := e.generator.Generate(ctx, tres.RewrittenQuery, retrieved, weakEvidence, func(tok string) error {
		return emit(models.TurnEvent{Type: models.TurnEventPartial, PartialText: tok})
	})
	if err != nil {
		// Includes cancellation mid-stream: nothing is persisted, so no
		// partial, non-validated refs ever become visible.
		result.Final = StateFailed
		result.Trace = append(result.Trace, StateFailed)
		return result, err
	}
	result.Trace = append(result.Trace, StateValidateCitations)
	answer.RetrievalFilters = filters

	result.Trace = append(result.Trace, StateEnd)
	result.Final = StateEnd
	result.Answer = answer

	e.persistTurn(ctx, req, result.TurnID, answer.Text, mgr.Context(), answer)

	if err := emit(models.TurnEvent{Type: models.TurnEventAnswer, Answer: answer}); err != nil {
		return result, err
	}

	if e.evaluator != nil {
		e.evaluator.MaybeEvaluate(eval.Input{
			ProjectID: req.ProjectID,
			TurnID:    result.TurnID,
			Query:     tres.RewrittenQuery,
			Answer:    answer,
			Retrieved: retrieved,
		})
	}
	return result, nil
}

// persistTurn writes the user message and the assistant reply with the given
// context snapshot. Persistence failures are logged, not surfaced; the user
// already has the answer.
func (e *Engine) persistTurn(ctx context.Context, req *models.TurnRequest, turnID, reply string, snapshot *models.ConversationContext, answer *models.Answer) {
	var snap *models.ConversationContext
	if snapshot != nil {
		snap = snapshot.Clone()
	}
	userMsg := &models.ChatMessage{
		SessionID: req.SessionID, TurnID: turnID, Role: "user", Content: req.Message,
	}
	assistantMsg := &models.ChatMessage{
		SessionID: req.SessionID, TurnID: turnID, Role: "assistant", Content: reply,
		Context: snap, Answer: answer,
	}
	if err := e.store.AppendMessage(ctx, userMsg); err != nil {
		e.logger.Warn("failed to persist user message", zap.String("turn_id", turnID), zap.Error(err))
		return
	}
	if err := e.store.AppendMessage(ctx, assistantMsg); err != nil {
		e.logger.Warn("failed to persist assistant message", zap.String("turn_id", turnID), zap.Error(err))
	}
}

// History returns a session's persisted messages.
func (e *Engine) History(ctx context.Context, sessionID string, limit int) ([]*models.ChatMessage, error) {
	return e.store.History(ctx, sessionID, limit)
}
