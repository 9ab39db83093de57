package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/upb/audit-control-plane/models"
	"github.com/upb/audit-control-plane/repositories"
	"go.uber.org/zap"
)

// EventLogRepository implements repositories.EventLogRepository
type EventLogRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewEventLogRepository creates a new event log repository
func NewEventLogRepository(db *DB, logger *zap.Logger) repositories.EventLogRepository {
	return &EventLogRepository{
		db:     db,
		logger: logger,
	}
}

// Insert appends one event to the log.
// The UNIQUE(audit_id, sequence) constraint guards against a sequence
// ever being reused for an audit.
func (r *EventLogRepository) Insert(ctx context.Context, event *models.AuditEvent) error {
	query := `
		INSERT INTO audit_events (
			id, audit_id, agent_type, event_type, sequence, timestamp, payload, message
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)
	`

	_, err := r.db.ExecContext(ctx, query,
		event.EventID,
		event.AuditID,
		event.AgentType,
		event.EventType,
		event.Sequence,
		event.Timestamp,
		nullJSON(event.Payload),
		nullString(event.Message),
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}

	r.logger.Debug("audit event inserted",
		zap.String("audit_id", event.AuditID),
		zap.Int64("sequence", event.Sequence),
		zap.String("event_type", string(event.EventType)))
	return nil
}

// List returns events matching the query in sequence order
func (r *EventLogRepository) List(ctx context.Context, q repositories.EventQuery) ([]*models.AuditEvent, error) {
	query := `
		SELECT id, audit_id, agent_type, event_type, sequence, timestamp, payload, message
		FROM audit_events
		WHERE audit_id = $1 AND sequence > $2
	`
	args := []any{q.AuditID, q.AfterSequence}

	if len(q.EventTypes) > 0 {
		placeholders := make([]string, 0, len(q.EventTypes))
		for _, et := range q.EventTypes {
			args = append(args, string(et))
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		}
		query += fmt.Sprintf(" AND event_type IN (%s)", strings.Join(placeholders, ", "))
	}

	args = append(args, q.Limit)
	query += fmt.Sprintf(" ORDER BY sequence ASC LIMIT $%d", len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	var events []*models.AuditEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit events: %w", err)
	}
	return events, nil
}

// LatestSequence returns the highest persisted sequence for an audit
func (r *EventLogRepository) LatestSequence(ctx context.Context, auditID string) (int64, error) {
	var latest int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM audit_events WHERE audit_id = $1`,
		auditID,
	).Scan(&latest)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest sequence: %w", err)
	}
	return latest, nil
}

// Statistics summarizes the persisted stream for an audit
func (r *EventLogRepository) Statistics(ctx context.Context, auditID string) (*models.EventStatistics, error) {
	stats := &models.EventStatistics{
		ByEventType: make(map[string]int64),
		ByAgentType: make(map[string]int64),
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT event_type, agent_type, COUNT(*) FROM audit_events WHERE audit_id = $1 GROUP BY event_type, agent_type`,
		auditID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query event statistics: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var eventType, agentType string
		var count int64
		if err := rows.Scan(&eventType, &agentType, &count); err != nil {
			return nil, fmt.Errorf("failed to scan event statistics: %w", err)
		}
		stats.ByEventType[eventType] += count
		stats.ByAgentType[agentType] += count
		stats.TotalEvents += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate event statistics: %w", err)
	}

	var first, last sql.NullTime
	err = r.db.QueryRowContext(ctx,
		`SELECT MIN(timestamp), MAX(timestamp) FROM audit_events WHERE audit_id = $1`,
		auditID,
	).Scan(&first, &last)
	if err != nil {
		return nil, fmt.Errorf("failed to query event time range: %w", err)
	}
	if first.Valid {
		stats.FirstEventAt = &first.Time
	}
	if last.Valid {
		stats.LastEventAt = &last.Time
	}

	return stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*models.AuditEvent, error) {
	event := &models.AuditEvent{}
	var payload sql.NullString
	var message sql.NullString
	var ts time.Time

	err := row.Scan(
		&event.EventID,
		&event.AuditID,
		&event.AgentType,
		&event.EventType,
		&event.Sequence,
		&ts,
		&payload,
		&message,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan audit event: %w", err)
	}

	event.Timestamp = ts
	if payload.Valid {
		event.Payload = []byte(payload.String)
	}
	if message.Valid {
		event.Message = message.String
	}
	return event, nil
}

func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
