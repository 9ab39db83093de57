package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AgentType identifies which part of the system produced an event.
type AgentType string

const (
	AgentSystem       AgentType = "system"
	AgentOrchestrator AgentType = "orchestrator"
	AgentRecon        AgentType = "recon"
	AgentScan         AgentType = "scan"
	AgentAnalysis     AgentType = "analysis"
	AgentVerification AgentType = "verification"
)

// EventType tags an audit event. Most tags are free-form; the reserved
// terminal tags below end a subscription stream.
type EventType string

const (
	EventStatus        EventType = "status"
	EventStageStart    EventType = "stage_start"
	EventStageComplete EventType = "stage_complete"
	EventStageError    EventType = "stage_error"
	EventThinking      EventType = "thinking"
	EventHeartbeat     EventType = "heartbeat"
	EventShutdown      EventType = "shutdown"
	EventConnected     EventType = "connected"

	// Terminal tags: a subscription ends after delivering one of these.
	EventComplete  EventType = "complete"
	EventError     EventType = "error"
	EventCancelled EventType = "cancelled"
)

// IsTerminal reports whether the event type ends a subscription stream.
func (t EventType) IsTerminal() bool {
	return t == EventComplete || t == EventError || t == EventCancelled
}

// AuditEvent is one immutable entry in an audit's event stream.
// Sequence is assigned at publish time and is unique and strictly
// increasing per audit. Heartbeats carry sequence 0 and are never persisted.
type AuditEvent struct {
	EventID   string          `json:"id" db:"id"`
	AuditID   string          `json:"audit_id" db:"audit_id"`
	AgentType AgentType       `json:"agent_type" db:"agent_type"`
	EventType EventType       `json:"event_type" db:"event_type"`
	Sequence  int64           `json:"sequence" db:"sequence"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
	Payload   json.RawMessage `json:"data,omitempty" db:"payload"`
	Message   string          `json:"message,omitempty" db:"message"`
}

// NewAuditEvent creates an event with a fresh ID and timestamp.
// The payload is marshalled once here; a payload that cannot be
// marshalled is recorded as null rather than failing publication.
func NewAuditEvent(auditID string, agent AgentType, eventType EventType, payload any, message string) *AuditEvent {
	var raw json.RawMessage
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			raw = data
		}
	}
	return &AuditEvent{
		EventID:   uuid.New().String(),
		AuditID:   auditID,
		AgentType: agent,
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
		Message:   message,
	}
}

// NewHeartbeatEvent creates the synthetic keep-alive event a subscription
// yields when no real event arrives within the heartbeat interval.
// It is unsequenced and must never reach the event log.
func NewHeartbeatEvent(auditID string) *AuditEvent {
	return &AuditEvent{
		EventID:   uuid.New().String(),
		AuditID:   auditID,
		AgentType: AgentSystem,
		EventType: EventHeartbeat,
		Timestamp: time.Now().UTC(),
	}
}

// StatusPayload is the payload of a "status" event and of terminal events.
type StatusPayload struct {
	Status  AuditStatus `json:"status"`
	Message string      `json:"message,omitempty"`
}

// StagePayload is the payload of stage lifecycle events.
type StagePayload struct {
	Stage    string `json:"stage"`
	Outcome  string `json:"outcome,omitempty"`
	Error    string `json:"error,omitempty"`
	Duration int64  `json:"duration_ms,omitempty"`
}

// EventStatistics summarizes an audit's persisted event stream.
type EventStatistics struct {
	TotalEvents  int64            `json:"total_events"`
	ByEventType  map[string]int64 `json:"by_event_type"`
	ByAgentType  map[string]int64 `json:"by_agent_type"`
	FirstEventAt *time.Time       `json:"first_event_at,omitempty"`
	LastEventAt  *time.Time       `json:"last_event_at,omitempty"`
}
