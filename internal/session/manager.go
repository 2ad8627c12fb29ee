// Package session tracks conversation entities and focus for reference
// resolution, and persists context snapshots alongside chat messages.
package session

import (
	"strings"

	"github.com/google/uuid"

	"github.com/hyperjump/kotae/internal/models"
)

// DefaultMaxIdleTurns is how many turns an entity survives without being
// referenced before it is evicted from the in-memory map.
const DefaultMaxIdleTurns = 20

// Recoverer looks up an evicted entity in persisted chat-message metadata by
// exact display name. Returns nil when no such entity was ever recorded.
type Recoverer interface {
	RecoverEntity(sessionID string, entityType models.EntityType, displayName string) *models.Entity
}

// Manager owns one session's ConversationContext for the duration of a turn.
// It is not safe for concurrent use; the caller serializes turns per session.
type Manager struct {
	ctx          *models.ConversationContext
	maxIdleTurns int
	recoverer    Recoverer
}

// NewManager wraps a context. A nil context starts a fresh session context.
func NewManager(sessionID string, ctx *models.ConversationContext, maxIdleTurns int, recoverer Recoverer) *Manager {
	if ctx == nil {
		ctx = models.NewConversationContext(sessionID)
	}
	if maxIdleTurns <= 0 {
		maxIdleTurns = DefaultMaxIdleTurns
	}
	return &Manager{ctx: ctx, maxIdleTurns: maxIdleTurns, recoverer: recoverer}
}

// Context returns the managed context.
func (m *Manager) Context() *models.ConversationContext { return m.ctx }

// BeginTurn advances the turn counter and evicts entities that have not been
// referenced for more than maxIdleTurns. Evicted entities stay recoverable by
// exact name through the Recoverer.
func (m *Manager) BeginTurn() {
	m.ctx.TurnCount++
	for id, e := range m.ctx.Entities {
		if m.ctx.TurnCount-e.LastReferencedTurn > m.maxIdleTurns {
			delete(m.ctx.Entities, id)
			if m.ctx.CurrentFocus == id {
				m.ctx.CurrentFocus = ""
			}
		}
	}
}

// RegisterEntity records a mention of (type, displayName). Idempotent within
// a session: re-registering the same pair returns the existing entity id and
// refreshes its last-referenced turn. An entity evicted by GC is recovered
// with its original id when re-registered by exact name.
func (m *Manager) RegisterEntity(entityType models.EntityType, displayName string) string {
	key := strings.ToLower(strings.TrimSpace(displayName))
	for id, e := range m.ctx.Entities {
		if e.Type == entityType && strings.ToLower(e.DisplayName) == key {
			e.LastReferencedTurn = m.ctx.TurnCount
			return id
		}
	}

	if m.recoverer != nil {
		if recovered := m.recoverer.RecoverEntity(m.ctx.SessionID, entityType, displayName); recovered != nil {
			e := *recovered
			e.LastReferencedTurn = m.ctx.TurnCount
			m.ctx.Entities[e.EntityID] = &e
			return e.EntityID
		}
	}

	id := uuid.NewString()
	m.ctx.Entities[id] = &models.Entity{
		EntityID:           id,
		Type:               entityType,
		DisplayName:        strings.TrimSpace(displayName),
		LastReferencedTurn: m.ctx.TurnCount,
	}
	return id
}

// RegisterEntityWithID is RegisterEntity for items whose id is assigned
// outside the conversation (uploaded documents and videos keep their document
// id as entity id, so scope filters can use it directly). Idempotent by id
// and by (type, name).
func (m *Manager) RegisterEntityWithID(entityType models.EntityType, displayName, entityID string) string {
	if e, ok := m.ctx.Entities[entityID]; ok {
		e.LastReferencedTurn = m.ctx.TurnCount
		return entityID
	}
	key := strings.ToLower(strings.TrimSpace(displayName))
	for id, e := range m.ctx.Entities {
		if e.Type == entityType && strings.ToLower(e.DisplayName) == key {
			e.LastReferencedTurn = m.ctx.TurnCount
			return id
		}
	}
	m.ctx.Entities[entityID] = &models.Entity{
		EntityID:           entityID,
		Type:               entityType,
		DisplayName:        strings.TrimSpace(displayName),
		LastReferencedTurn: m.ctx.TurnCount,
	}
	return entityID
}

// Touch refreshes an entity's last-referenced turn.
func (m *Manager) Touch(entityID string) {
	if e, ok := m.ctx.Entities[entityID]; ok {
		e.LastReferencedTurn = m.ctx.TurnCount
	}
}

// SetFocus marks an entity as the default referent for unresolved mentions.
func (m *Manager) SetFocus(entityID string) {
	if _, ok := m.ctx.Entities[entityID]; ok {
		m.ctx.CurrentFocus = entityID
	}
}

// Focus returns the current focus entity, or nil.
func (m *Manager) Focus() *models.Entity {
	if m.ctx.CurrentFocus == "" {
		return nil
	}
	return m.ctx.Entities[m.ctx.CurrentFocus]
}

// ResolveReference resolves a pronoun or demonstrative mention to an entity
// id. A type hint in the mention ("this video" vs "that document") restricts
// resolution to entities of that type first, falling back to the globally
// most recent entity only when no typed match exists. A bare "it"/"this"
// defaults to the current focus. Returns ok=false when the mention is
// ambiguous or matches nothing; callers treat that as "ask for clarification"
// rather than guessing.
func (m *Manager) ResolveReference(mention string) (string, bool) {
	hinted, hasHint := typeHint(mention)

	if hasHint {
		id, ok, hasCandidates := m.mostRecentOfType(hinted)
		if ok {
			return id, true
		}
		if hasCandidates {
			// Several entities of the hinted type tied on recency: ambiguous,
			// never fall back across types.
			return "", false
		}
		return m.mostRecentAny()
	}

	if m.ctx.CurrentFocus != "" {
		if _, ok := m.ctx.Entities[m.ctx.CurrentFocus]; ok {
			return m.ctx.CurrentFocus, true
		}
	}
	return m.mostRecentAny()
}

// typeHint extracts an entity type mentioned inside the reference phrase.
func typeHint(mention string) (models.EntityType, bool) {
	lower := strings.ToLower(mention)
	switch {
	case strings.Contains(lower, "video"):
		return models.EntityTypeVideo, true
	case strings.Contains(lower, "document"), strings.Contains(lower, "doc"),
		strings.Contains(lower, "file"), strings.Contains(lower, "report"),
		strings.Contains(lower, "pdf"), strings.Contains(lower, "paper"):
		return models.EntityTypeDocument, true
	case strings.Contains(lower, "concept"), strings.Contains(lower, "topic"), strings.Contains(lower, "idea"):
		return models.EntityTypeConcept, true
	}
	return "", false
}

// mostRecentOfType returns the entity of the given type with the highest
// last-referenced turn. Two entities of the type tied on recency are
// ambiguous and resolve to nothing; hasCandidates reports whether any entity
// of the type exists at all.
func (m *Manager) mostRecentOfType(entityType models.EntityType) (id string, ok bool, hasCandidates bool) {
	var best *models.Entity
	tied := false
	for _, e := range m.ctx.Entities {
		if e.Type != entityType {
			continue
		}
		hasCandidates = true
		switch {
		case best == nil || e.LastReferencedTurn > best.LastReferencedTurn:
			best = e
			tied = false
		case e.LastReferencedTurn == best.LastReferencedTurn:
			tied = true
		}
	}
	if best == nil || tied {
		return "", false, hasCandidates
	}
	return best.EntityID, true, hasCandidates
}

// mostRecentAny returns the most recently referenced entity of any type,
// refusing to pick when the most recent turn is shared by several entities.
func (m *Manager) mostRecentAny() (string, bool) {
	var best *models.Entity
	tied := false
	for _, e := range m.ctx.Entities {
		switch {
		case best == nil || e.LastReferencedTurn > best.LastReferencedTurn:
			best = e
			tied = false
		case e.LastReferencedTurn == best.LastReferencedTurn:
			tied = true
		}
	}
	if best == nil || tied {
		return "", false
	}
	return best.EntityID, true
}

// Entity returns the tracked entity for id, or nil.
func (m *Manager) Entity(id string) *models.Entity {
	return m.ctx.Entities[id]
}
