// Package sqlite provides the embedded storage backend used when no
// PostgreSQL connection is configured. It implements the same repository
// contracts as the postgres package against a single local database file.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.uber.org/zap"
)

// Store wraps the SQLite connection shared by the repositories.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (creating if needed) the SQLite database at path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY churn from the persist worker pool.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	logger.Info("sqlite store opened", zap.String("path", path))
	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.logger.Info("closing sqlite store")
	return s.db.Close()
}

// HealthCheck verifies the store is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	var result int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("sqlite health check failed: %w", err)
	}
	return nil
}

// InitSchema creates the tables and indexes if they do not exist.
func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			audit_id TEXT NOT NULL,
			agent_type TEXT NOT NULL,
			event_type TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			payload TEXT,
			message TEXT,
			UNIQUE(audit_id, sequence)
		);
		CREATE INDEX IF NOT EXISTS idx_audit_events_stream
			ON audit_events(audit_id, sequence);

		CREATE TABLE IF NOT EXISTS audit_sessions (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			audit_type TEXT NOT NULL,
			status TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			errors TEXT,
			config TEXT,
			report TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);

		CREATE TABLE IF NOT EXISTS findings (
			id TEXT PRIMARY KEY,
			audit_id TEXT NOT NULL,
			vulnerability_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			confidence REAL NOT NULL DEFAULT 0,
			title TEXT NOT NULL,
			description TEXT,
			file_path TEXT,
			line_number INTEGER NOT NULL DEFAULT 0,
			code_snippet TEXT,
			remediation TEXT,
			agent_found TEXT,
			created_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_findings_audit ON findings(audit_id);

		CREATE TABLE IF NOT EXISTS llm_configs (
			id TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			api_key TEXT NOT NULL,
			api_endpoint TEXT,
			is_default INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMP NOT NULL
		);
	`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize sqlite schema: %w", err)
	}

	s.logger.Info("sqlite schema initialized")
	return nil
}
