package repositories

import (
	"context"
	"errors"

	"github.com/upb/audit-control-plane/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// EventQuery filters a historical event log read.
type EventQuery struct {
	AuditID       string
	AfterSequence int64
	Limit         int
	EventTypes    []models.EventType
}

// EventLogRepository is the durable append-only event log, keyed by
// (audit_id, sequence) unique.
type EventLogRepository interface {
	// Insert appends one event to the log
	Insert(ctx context.Context, event *models.AuditEvent) error

	// List returns events matching the query in sequence order
	List(ctx context.Context, q EventQuery) ([]*models.AuditEvent, error)

	// LatestSequence returns the highest persisted sequence for an audit,
	// or 0 when the audit has no events
	LatestSequence(ctx context.Context, auditID string) (int64, error)

	// Statistics summarizes the persisted stream for an audit
	Statistics(ctx context.Context, auditID string) (*models.EventStatistics, error)
}

// SessionRepository stores the derived audit_sessions row per audit.
type SessionRepository interface {
	// Create inserts a new session row
	Create(ctx context.Context, session *models.AuditSession) error

	// GetByID retrieves a session, ErrNotFound when absent
	GetByID(ctx context.Context, auditID string) (*models.AuditSession, error)

	// UpdateStatus sets the session status
	UpdateStatus(ctx context.Context, auditID string, status models.AuditStatus) error

	// SaveOutcome stores the final report and accumulated errors alongside
	// the terminal status
	SaveOutcome(ctx context.Context, session *models.AuditSession) error
}

// FindingRepository stores vulnerability findings per audit.
type FindingRepository interface {
	// InsertBatch stores findings produced by a pipeline run
	InsertBatch(ctx context.Context, findings []*models.VulnerabilityFinding) error

	// ListByAudit returns all findings for an audit
	ListByAudit(ctx context.Context, auditID string) ([]*models.VulnerabilityFinding, error)
}

// LLMConfigRepository stores provider configurations referenced by audits.
type LLMConfigRepository interface {
	// GetByID retrieves a stored config, ErrNotFound when absent
	GetByID(ctx context.Context, id string) (*models.LLMConfig, error)

	// GetDefault retrieves the current default config, ErrNotFound when none
	GetDefault(ctx context.Context) (*models.LLMConfig, error)

	// Upsert creates or replaces a stored config
	Upsert(ctx context.Context, cfg *models.LLMConfig) error

	// List returns all stored configs, most recently updated first
	List(ctx context.Context) ([]*models.LLMConfig, error)

	// SetDefault marks one config as the default and clears the flag on
	// every other config, ErrNotFound when the id does not exist
	SetDefault(ctx context.Context, id string) error

	// Delete removes a stored config, ErrNotFound when absent
	Delete(ctx context.Context, id string) error
}
