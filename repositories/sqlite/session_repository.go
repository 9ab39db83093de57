package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/upb/audit-control-plane/models"
	"github.com/upb/audit-control-plane/repositories"
)

// SessionRepository implements repositories.SessionRepository on SQLite.
type SessionRepository struct {
	store *Store
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(store *Store) repositories.SessionRepository {
	return &SessionRepository{store: store}
}

// Create inserts a new session row
func (r *SessionRepository) Create(ctx context.Context, session *models.AuditSession) error {
	errorsJSON, err := json.Marshal(session.Errors)
	if err != nil {
		return fmt.Errorf("failed to marshal session errors: %w", err)
	}

	var config any
	if len(session.Config) > 0 {
		config = string(session.Config)
	}

	_, err = r.store.db.ExecContext(ctx, `
		INSERT INTO audit_sessions (id, project_id, audit_type, status, retry_count, errors, config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		session.AuditID, session.ProjectID, string(session.AuditType), string(session.Status),
		session.RetryCount, string(errorsJSON), config, session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit session: %w", err)
	}
	return nil
}

// GetByID retrieves a session by audit ID
func (r *SessionRepository) GetByID(ctx context.Context, auditID string) (*models.AuditSession, error) {
	session := &models.AuditSession{}
	var errorsJSON, configJSON, reportJSON sql.NullString
	var createdAt, updatedAt time.Time

	err := r.store.db.QueryRowContext(ctx, `
		SELECT id, project_id, audit_type, status, retry_count, errors, config, report, created_at, updated_at
		FROM audit_sessions WHERE id = ?
	`, auditID).Scan(
		&session.AuditID, &session.ProjectID, &session.AuditType, &session.Status,
		&session.RetryCount, &errorsJSON, &configJSON, &reportJSON, &createdAt, &updatedAt,
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
	result, err := r.store.db.ExecContext(ctx,
		`UPDATE audit_sessions SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), auditID,
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

	var report any
	if len(session.Report) > 0 {
		report = string(session.Report)
	}

	result, err := r.store.db.ExecContext(ctx, `
		UPDATE audit_sessions
		SET status = ?, retry_count = ?, errors = ?, report = ?, updated_at = ?
		WHERE id = ?
	`,
		string(session.Status), session.RetryCount, string(errorsJSON), report,
		time.Now().UTC(), session.AuditID,
	)
	if err != nil {
		return fmt.Errorf("failed to save session outcome: %w", err)
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return repositories.ErrNotFound
	}
	return nil
}
