package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditStatus is the lifecycle state of an audit session.
// Transitions are monotone: pending -> running -> {completed | failed | cancelled},
// with paused reachable only from running and returning to running or cancelled.
type AuditStatus string

const (
	StatusPending   AuditStatus = "pending"
	StatusRunning   AuditStatus = "running"
	StatusPaused    AuditStatus = "paused"
	StatusCompleted AuditStatus = "completed"
	StatusFailed    AuditStatus = "failed"
	StatusCancelled AuditStatus = "cancelled"
)

// IsTerminal reports whether the session can no longer change state.
func (s AuditStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// AuditType selects which stages a plan includes.
type AuditType string

const (
	AuditFull     AuditType = "full"
	AuditQuick    AuditType = "quick"
	AuditTargeted AuditType = "targeted"
)

// StageKind enumerates the concrete stage runners.
type StageKind string

const (
	StageRecon        StageKind = "recon"
	StageScan         StageKind = "scan"
	StageAnalysis     StageKind = "analysis"
	StageVerification StageKind = "verification"
)

// AgentType returns the event agent tag for events emitted by this stage.
func (k StageKind) AgentType() AgentType {
	switch k {
	case StageRecon:
		return AgentRecon
	case StageScan:
		return AgentScan
	case StageAnalysis:
		return AgentAnalysis
	case StageVerification:
		return AgentVerification
	}
	return AgentOrchestrator
}

// Stage is one planned unit of pipeline work. Immutable once the plan is built.
type Stage struct {
	Name    string          `json:"name"`
	Kind    StageKind       `json:"kind"`
	Enabled bool            `json:"enabled"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// StageResult is the outcome of one stage invocation, consumed exactly once
// by the pipeline to update the session and build the next event.
type StageResult struct {
	StageName   string          `json:"stage_name"`
	Outcome     string          `json:"outcome"` // success | error
	Data        json.RawMessage `json:"data,omitempty"`
	ErrorDetail string          `json:"error_detail,omitempty"`
}

// Success reports whether the stage produced usable output.
func (r *StageResult) Success() bool {
	return r != nil && r.Outcome == "success"
}

// AuditSession is the mutable state of one end-to-end audit run.
// Mutated only by the pipeline driving that audit.
type AuditSession struct {
	AuditID    string          `json:"audit_id" db:"id"`
	ProjectID  string          `json:"project_id" db:"project_id"`
	AuditType  AuditType       `json:"audit_type" db:"audit_type"`
	Status     AuditStatus     `json:"status" db:"status"`
	Stages     []Stage         `json:"stages"`
	RetryCount int             `json:"retry_count" db:"retry_count"`
	Errors     []string        `json:"errors"`
	Config     json.RawMessage `json:"config,omitempty" db:"config"`
	Report     json.RawMessage `json:"report,omitempty" db:"report"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
}

// NewAuditSession creates a pending session with a fresh audit ID.
func NewAuditSession(projectID string, auditType AuditType, config json.RawMessage) *AuditSession {
	now := time.Now().UTC()
	return &AuditSession{
		AuditID:   fmt.Sprintf("audit_%s", uuid.New().String()[:12]),
		ProjectID: projectID,
		AuditType: auditType,
		Status:    StatusPending,
		Config:    config,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// FinalReport summarizes a completed pipeline run.
type FinalReport struct {
	StagesCompleted []string `json:"stages_completed"`
	StagesFailed    []string `json:"stages_failed"`
	TotalFindings   int      `json:"total_findings"`
	Errors          []string `json:"errors,omitempty"`
}
