package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/upb/audit-control-plane/models"
	"github.com/upb/audit-control-plane/repositories"
)

// EventLogRepository implements repositories.EventLogRepository on SQLite.
type EventLogRepository struct {
	store *Store
}

// NewEventLogRepository creates a new event log repository
func NewEventLogRepository(store *Store) repositories.EventLogRepository {
	return &EventLogRepository{store: store}
}

// Insert appends one event to the log
func (r *EventLogRepository) Insert(ctx context.Context, event *models.AuditEvent) error {
	var payload any
	if len(event.Payload) > 0 {
		payload = string(event.Payload)
	}
	_, err := r.store.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, audit_id, agent_type, event_type, sequence, timestamp, payload, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.EventID, event.AuditID, string(event.AgentType), string(event.EventType),
		event.Sequence, event.Timestamp, payload, emptyToNull(event.Message),
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// List returns events matching the query in sequence order
func (r *EventLogRepository) List(ctx context.Context, q repositories.EventQuery) ([]*models.AuditEvent, error) {
	query := `
		SELECT id, audit_id, agent_type, event_type, sequence, timestamp, payload, message
		FROM audit_events
		WHERE audit_id = ? AND sequence > ?
	`
	args := []any{q.AuditID, q.AfterSequence}

	if len(q.EventTypes) > 0 {
		query += fmt.Sprintf(" AND event_type IN (%s)",
			strings.TrimSuffix(strings.Repeat("?, ", len(q.EventTypes)), ", "))
		for _, et := range q.EventTypes {
			args = append(args, string(et))
		}
	}

	query += " ORDER BY sequence ASC LIMIT ?"
	args = append(args, q.Limit)

	rows, err := r.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	var events []*models.AuditEvent
	for rows.Next() {
		event := &models.AuditEvent{}
		var payload, message sql.NullString
		var ts time.Time
		if err := rows.Scan(
			&event.EventID, &event.AuditID, &event.AgentType, &event.EventType,
			&event.Sequence, &ts, &payload, &message,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		event.Timestamp = ts
		if payload.Valid {
			event.Payload = []byte(payload.String)
		}
		if message.Valid {
			event.Message = message.String
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
	err := r.store.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM audit_events WHERE audit_id = ?`, auditID,
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

	rows, err := r.store.db.QueryContext(ctx,
		`SELECT event_type, agent_type, COUNT(*) FROM audit_events WHERE audit_id = ? GROUP BY event_type, agent_type`,
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
	err = r.store.db.QueryRowContext(ctx,
		`SELECT MIN(timestamp), MAX(timestamp) FROM audit_events WHERE audit_id = ?`, auditID,
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

func emptyToNull(s string) any {
	if s == "" {
		return nil
	}
	return s
}
