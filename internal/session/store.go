package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/kotae/internal/models"
)

// Store persists chat messages with their context snapshots in SQLite, so a
// session's conversation context survives process restarts.
type Store struct {
	db *sql.DB
}

// NewStore opens or creates the database at dbPath and initializes the
// schema. Parent directories are created if they do not exist.
func NewStore(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		turn_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		context TEXT,
		answer TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);
	`
	_, err := db.Exec(schema)
	return err
}

// AppendMessage persists one message. The context snapshot and answer are
// stored as JSON metadata on the row.
func (s *Store) AppendMessage(ctx context.Context, msg *models.ChatMessage) error {
	var contextJSON, answerJSON sql.NullString
	if msg.Context != nil {
		data, err := json.Marshal(msg.Context)
		if err != nil {
			return fmt.Errorf("failed to marshal context snapshot: %w", err)
		}
		contextJSON = sql.NullString{String: string(data), Valid: true}
	}
	if msg.Answer != nil {
		data, err := json.Marshal(msg.Answer)
		if err != nil {
			return fmt.Errorf("failed to marshal answer: %w", err)
		}
		answerJSON = sql.NullString{String: string(data), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (session_id, turn_id, role, content, context, answer, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.SessionID, msg.TurnID, msg.Role, msg.Content, contextJSON, answerJSON, time.Now(),
	)
	return err
}

// LoadContext returns the most recent context snapshot for a session, or nil
// when the session has no persisted context yet.
func (s *Store) LoadContext(ctx context.Context, sessionID string) (*models.ConversationContext, error) {
	var contextJSON sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT context FROM messages
		 WHERE session_id = ? AND context IS NOT NULL
		 ORDER BY id DESC LIMIT 1`, sessionID,
	).Scan(&contextJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !contextJSON.Valid {
		return nil, nil
	}
	var cc models.ConversationContext
	if err := json.Unmarshal([]byte(contextJSON.String), &cc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal context snapshot: %w", err)
	}
	if cc.Entities == nil {
		cc.Entities = make(map[string]*models.Entity)
	}
	return &cc, nil
}

// History returns up to limit messages for a session, oldest first.
func (s *Store) History(ctx context.Context, sessionID string, limit int) ([]*models.ChatMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, turn_id, role, content, context, answer
		 FROM messages WHERE session_id = ?
		 ORDER BY id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.ChatMessage
	for rows.Next() {
		var msg models.ChatMessage
		var contextJSON, answerJSON sql.NullString
		if err := rows.Scan(&msg.SessionID, &msg.TurnID, &msg.Role, &msg.Content, &contextJSON, &answerJSON); err != nil {
			return nil, err
		}
		if contextJSON.Valid {
			var cc models.ConversationContext
			if err := json.Unmarshal([]byte(contextJSON.String), &cc); err == nil {
				msg.Context = &cc
			}
		}
		if answerJSON.Valid {
			var ans models.Answer
			if err := json.Unmarshal([]byte(answerJSON.String), &ans); err == nil {
				msg.Answer = &ans
			}
		}
		out = append(out, &msg)
	}
	return out, rows.Err()
}

// RecoverEntity scans persisted context snapshots newest-first for an entity
// with the exact (case-insensitive) display name and type. Lets GC-evicted
// entities come back with their original ids when re-mentioned by name.
func (s *Store) RecoverEntity(sessionID string, entityType models.EntityType, displayName string) *models.Entity {
	rows, err := s.db.Query(
		`SELECT context FROM messages
		 WHERE session_id = ? AND context IS NOT NULL
		 ORDER BY id DESC LIMIT 200`, sessionID)
	if err != nil {
		return nil
	}
	defer rows.Close()

	want := strings.ToLower(strings.TrimSpace(displayName))
	for rows.Next() {
		var contextJSON string
		if err := rows.Scan(&contextJSON); err != nil {
			return nil
		}
		var cc models.ConversationContext
		if err := json.Unmarshal([]byte(contextJSON), &cc); err != nil {
			continue
		}
		for _, e := range cc.Entities {
			if e.Type == entityType && strings.ToLower(e.DisplayName) == want {
				found := *e
				return &found
			}
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
