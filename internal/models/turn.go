package models

import "fmt"

// TurnRequest is one user turn submitted to the chat API.
type TurnRequest struct {
	SessionID          string `json:"session_id" validate:"required"`
	ProjectID          string `json:"project_id" validate:"required"`
	UserID             string `json:"user_id,omitempty"`
	Message            string `json:"message" validate:"required"`
	ExplicitDocumentID string `json:"explicit_document_id,omitempty"`
}

// Validate normalizes the request beyond struct-tag validation.
func (r *TurnRequest) Validate() error {
	if r.Message == "" {
		return fmt.Errorf("message cannot be empty")
	}
	if r.SessionID == "" || r.ProjectID == "" {
		return fmt.Errorf("session_id and project_id are required")
	}
	return nil
}

// TurnEventType identifies a streamed chat event.
type TurnEventType string

const (
	// TurnEventPartial carries an incremental piece of answer text.
	TurnEventPartial TurnEventType = "partial_text"
	// TurnEventAnswer is the terminal event with the validated answer.
	TurnEventAnswer TurnEventType = "answer"
	// TurnEventClarification asks the user to disambiguate a reference.
	TurnEventClarification TurnEventType = "clarification"
	// TurnEventError reports a turn-fatal failure.
	TurnEventError TurnEventType = "error"
)

// TurnEvent is one streamed event of a chat turn.
type TurnEvent struct {
	Type        TurnEventType `json:"type"`
	PartialText string        `json:"partial_text,omitempty"`
	Answer      *Answer       `json:"answer,omitempty"`
	Question    string        `json:"question,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// ChatMessage is one persisted message of a session, with the context
// snapshot taken after the turn that produced it.
type ChatMessage struct {
	SessionID string               `json:"session_id"`
	TurnID    string               `json:"turn_id"`
	Role      string               `json:"role"`
	Content   string               `json:"content"`
	Context   *ConversationContext `json:"context,omitempty"`
	Answer    *Answer              `json:"answer,omitempty"`
}
