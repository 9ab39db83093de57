package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/upb/audit-control-plane/models"
	"github.com/upb/audit-control-plane/repositories"
	"go.uber.org/zap"
)

// SessionRepository implements repositories.SessionRepository
type SessionRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(db *DB, logger *zap.Logger) repositories.SessionRepository {
	return &SessionRepository{
		db:     db,
		logger: logger,
	}
}

// Create inserts a new session row
func (r *SessionRepository) Create(ctx context.Context, session *models.AuditSession) error {
	query := `
		INSERT INTO audit_sessions (
			id, project_id, audit_type, status, retry_count, errors, config, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9
		)
	`

	errorsJSON, err := json.Marshal(session.Errors)
	if err != nil {
		return fmt.Errorf("failed to marshal session errors: %w", err)
	}

	_, err = r.db.ExecContext(ctx, query,
		session.AuditID,
		session.ProjectID,
		session.AuditType,
		session.Status,
		session.RetryCount,
		string(errorsJSON),
		nullJSON(session.Config),
		session.CreatedAt,
		session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit session: %w", err)
	}

	r.logger.Debug("audit session created", zap.String("audit_id", session.AuditID))
	return nil
}

// GetByID retrieves a session by audit ID
func (r *SessionRepository) GetByID(ctx context.Context, auditID string) (*models.AuditSession, error) {
	query := `
		SELECT id, project_id, audit_type, status, retry_count, errors, config, report, created_at, updated_at
		FROM audit_sessions
		WHERE id = $1
	`

	session := &models.AuditSession{}
	var errorsJSON, configJSON, reportJSON sql.NullString
	var createdAt, updatedAt time.Time

	err := r.db.QueryRowContext(ctx, query, auditID).Scan(
		&session.AuditID,
		&session.ProjectID,
		&session.AuditType,
		&session.Status,
		&session.RetryCount,
		&errorsJSON,
		&configJSON,
		&reportJSON,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, repositories.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get audit session: %w", err)
	}

	session.CreatedAt = createdAt
	session.UpdatedAt = updatedAt
	if errorsJSON.Valid && errorsJSON.String != "" {
		if err := json.Unmarshal([]byte(errorsJSON.String), &session.Errors); err != nil {
			return nil, fmt.Errorf("failed to unmarshal session errors: %w", err)
		}
	}
	if configJSON.Valid {
		session.Config = []byte(configJSON.String)
	}
	if reportJSON.Valid {
		session.Report = []byte(reportJSON.String)
	}
	return session, nil
}

// UpdateStatus sets the session status
func (r *SessionRepository) UpdateStatus(ctx context.Context, auditID string, status models.AuditStatus) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE audit_sessions SET status = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2`,
		status, auditID,
	)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return repositories.ErrNotFound
	}
	return nil
}

// SaveOutcome stores the final report and errors alongside the terminal status
func (r *SessionRepository) SaveOutcome(ctx context.Context, session *models.AuditSession) error {
	errorsJSON, err := json.Marshal(session.Errors)
	if err != nil {
		return fmt.Errorf("failed to marshal session errors: %w", err)
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE audit_sessions
		SET status = $1, retry_count = $2, errors = $3, report = $4, updated_at = CURRENT_TIMESTAMP
		WHERE id = $5
	`,
		session.Status,
		session.RetryCount,
		string(errorsJSON),
		nullJSON(session.Report),
		session.AuditID,
	)
	if err != nil {
		return fmt.Errorf("failed to save session outcome: %w", err)
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return repositories.ErrNotFound
	}

	r.logger.Debug("audit session outcome saved",
		zap.String("audit_id", session.AuditID),
		zap.String("status", string(session.Status)))
	return nil
}
