package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/upb/audit-control-plane/config"
	"go.uber.org/zap"
)

// DB wraps the sql.DB connection pool
type DB struct {
	*sql.DB
	logger *zap.Logger
}

// NewDB creates a new database connection pool
func NewDB(cfg config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connection established",
		zap.String("connection", cfg.LogString()))

	return &DB{
		DB:     db,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (db *DB) Close() error {
	db.logger.Info("closing database connection")
	return db.DB.Close()
}

// HealthCheck performs a health check on the database
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query check failed: %w", err)
	}

	return nil
}

// Stats returns database connection pool statistics
func (db *DB) Stats() sql.DBStats {
	return db.DB.Stats()
}

// InitSchema initializes the database schema
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
		-- Durable append-only event log
		CREATE TABLE IF NOT EXISTS audit_events (
			id UUID PRIMARY KEY,
			audit_id VARCHAR(64) NOT NULL,
			agent_type VARCHAR(32) NOT NULL,
			event_type VARCHAR(64) NOT NULL,
			sequence BIGINT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			payload JSONB,
			message TEXT,
			UNIQUE(audit_id, sequence)
		);
		CREATE INDEX IF NOT EXISTS idx_audit_events_stream
			ON audit_events(audit_id, sequence);

		-- Audit sessions
		CREATE TABLE IF NOT EXISTS audit_sessions (
			id VARCHAR(64) PRIMARY KEY,
			project_id VARCHAR(64) NOT NULL,
			audit_type VARCHAR(32) NOT NULL,
			status VARCHAR(32) NOT NULL,
			retry_count INT NOT NULL DEFAULT 0,
			errors JSONB,
			config JSONB,
			report JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		-- Vulnerability findings
		CREATE TABLE IF NOT EXISTS findings (
			id UUID PRIMARY KEY,
			audit_id VARCHAR(64) NOT NULL,
			vulnerability_type VARCHAR(128) NOT NULL,
			severity VARCHAR(16) NOT NULL,
			confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
			title TEXT NOT NULL,
			description TEXT,
			file_path TEXT,
			line_number INT NOT NULL DEFAULT 0,
			code_snippet TEXT,
			remediation TEXT,
			agent_found VARCHAR(32),
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_findings_audit ON findings(audit_id);

		-- Stored LLM provider configurations
		CREATE TABLE IF NOT EXISTS llm_configs (
			id VARCHAR(64) PRIMARY KEY,
			provider VARCHAR(64) NOT NULL,
			model VARCHAR(128) NOT NULL,
			api_key TEXT NOT NULL,
			api_endpoint TEXT,
			is_default BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	db.logger.Info("database schema initialized")
	return nil
}
