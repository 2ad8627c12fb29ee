package models

// EntityType classifies the things a conversation can refer back to.
type EntityType string

const (
	EntityTypeDocument EntityType = "document"
	EntityTypeVideo    EntityType = "video"
	EntityTypeConcept  EntityType = "concept"
)

// Entity is an item mentioned in a conversation (a document, video, or named
// concept). Entities are never hard-deleted; they age out of the in-memory map
// after a configurable number of turns without a reference.
type Entity struct {
	EntityID           string     `json:"entity_id"`
	Type               EntityType `json:"type"`
	DisplayName        string     `json:"display_name"`
	LastReferencedTurn int        `json:"last_referenced_turn"`
}

// ConversationContext holds the entities tracked for one session and the
// current focus (the default referent of unresolved "it"/"this" mentions).
// It is owned exclusively by its session and mutated only while processing
// that session's current turn.
type ConversationContext struct {
	SessionID    string             `json:"session_id"`
	Entities     map[string]*Entity `json:"entities"`
	CurrentFocus string             `json:"current_focus,omitempty"`
	TurnCount    int                `json:"turn_count"`
}

// NewConversationContext returns an empty context for a session.
func NewConversationContext(sessionID string) *ConversationContext {
	return &ConversationContext{
		SessionID: sessionID,
		Entities:  make(map[string]*Entity),
	}
}

// Clone returns a deep copy, used when snapshotting context onto a persisted
// chat message.
func (c *ConversationContext) Clone() *ConversationContext {
	out := &ConversationContext{
		SessionID:    c.SessionID,
		Entities:     make(map[string]*Entity, len(c.Entities)),
		CurrentFocus: c.CurrentFocus,
		TurnCount:    c.TurnCount,
	}
	for id, e := range c.Entities {
		copied := *e
		out.Entities[id] = &copied
	}
	return out
}
