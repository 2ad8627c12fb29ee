package eval

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteSink writes evaluation records to a SQLite table that dashboards can
// query directly.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens or creates the database at dbPath and initializes the
// schema.
func NewSQLiteSink(dbPath string) (*SQLiteSink, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create eval log directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open eval log: %w", err)
	}
	schema := `
	CREATE TABLE IF NOT EXISTS eval_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id TEXT NOT NULL,
		turn_id TEXT NOT NULL,
		faithfulness REAL NOT NULL,
		answer_relevancy REAL NOT NULL,
		context_precision REAL NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_eval_project ON eval_results(project_id, created_at);
	`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize eval schema: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

// Write appends one record.
func (s *SQLiteSink) Write(ctx context.Context, rec *Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO eval_results (project_id, turn_id, faithfulness, answer_relevancy, context_precision, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ProjectID, rec.TurnID,
		rec.Metrics.Faithfulness, rec.Metrics.AnswerRelevancy, rec.Metrics.ContextPrecision,
		rec.Timestamp,
	)
	return err
}

// ListByProject returns up to limit records for a project, newest first.
func (s *SQLiteSink) ListByProject(ctx context.Context, projectID string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT project_id, turn_id, faithfulness, answer_relevancy, context_precision, created_at
		 FROM eval_results WHERE project_id = ?
		 ORDER BY id DESC LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ProjectID, &rec.TurnID,
			&rec.Metrics.Faithfulness, &rec.Metrics.AnswerRelevancy, &rec.Metrics.ContextPrecision,
			&rec.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteSink) Close() error { return s.db.Close() }
