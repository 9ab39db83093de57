package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAuditSession(t *testing.T) {
	session := NewAuditSession("proj-1", AuditFull, json.RawMessage(`{"depth":2}`))

	assert.True(t, len(session.AuditID) > len("audit_"))
	assert.Contains(t, session.AuditID, "audit_")
	assert.Equal(t, "proj-1", session.ProjectID)
	assert.Equal(t, AuditFull, session.AuditType)
	assert.Equal(t, StatusPending, session.Status)
	assert.False(t, session.CreatedAt.IsZero())
	assert.Equal(t, session.CreatedAt, session.UpdatedAt)
}

func TestAuditStatusIsTerminal(t *testing.T) {
	terminal := []AuditStatus{StatusCompleted, StatusFailed, StatusCancelled}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), string(s))
	}

	active := []AuditStatus{StatusPending, StatusRunning, StatusPaused}
	for _, s := range active {
		assert.False(t, s.IsTerminal(), string(s))
	}
}

func TestEventTypeIsTerminal(t *testing.T) {
	assert.True(t, EventComplete.IsTerminal())
	assert.True(t, EventError.IsTerminal())
	assert.True(t, EventCancelled.IsTerminal())

	assert.False(t, EventStatus.IsTerminal())
	assert.False(t, EventHeartbeat.IsTerminal())
	assert.False(t, EventStageError.IsTerminal())
	assert.False(t, EventShutdown.IsTerminal())
}

func TestNewAuditEvent(t *testing.T) {
	event := NewAuditEvent("audit_1", AgentScan, EventStageComplete,
		StagePayload{Stage: "scan", Outcome: "success"}, "scan finished")

	assert.NotEmpty(t, event.EventID)
	assert.Equal(t, "audit_1", event.AuditID)
	assert.Zero(t, event.Sequence, "sequence is assigned at publish time")
	assert.False(t, event.Timestamp.IsZero())

	var payload StagePayload
	require.NoError(t, json.Unmarshal(event.Payload, &payload))
	assert.Equal(t, "scan", payload.Stage)
}

func TestNewAuditEventUnmarshalablePayload(t *testing.T) {
	event := NewAuditEvent("audit_1", AgentSystem, EventStatus, func() {}, "")
	assert.Nil(t, event.Payload)
}

func TestNewHeartbeatEvent(t *testing.T) {
	hb := NewHeartbeatEvent("audit_1")
	assert.Equal(t, EventHeartbeat, hb.EventType)
	assert.Equal(t, AgentSystem, hb.AgentType)
	assert.Zero(t, hb.Sequence)
}

func TestStageKindAgentType(t *testing.T) {
	assert.Equal(t, AgentRecon, StageRecon.AgentType())
	assert.Equal(t, AgentScan, StageScan.AgentType())
	assert.Equal(t, AgentAnalysis, StageAnalysis.AgentType())
	assert.Equal(t, AgentVerification, StageVerification.AgentType())
	assert.Equal(t, AgentOrchestrator, StageKind("unknown").AgentType())
}

func TestStageResultSuccess(t *testing.T) {
	assert.True(t, (&StageResult{Outcome: "success"}).Success())
	assert.False(t, (&StageResult{Outcome: "error"}).Success())

	var nilResult *StageResult
	assert.False(t, nilResult.Success())
}

func TestNormalizeSeverity(t *testing.T) {
	tests := map[string]Severity{
		"critical": SeverityCritical,
		"HIGH":     SeverityHigh,
		" Medium ": SeverityMedium,
		"low":      SeverityLow,
		"info":     SeverityInfo,
		"bogus":    SeverityInfo,
		"":         SeverityInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeSeverity(in), in)
	}
}

func TestNewFinding(t *testing.T) {
	f := NewFinding("audit_1", "sqli", "CRITICAL", "raw query")

	assert.NotEmpty(t, f.ID)
	assert.Equal(t, "audit_1", f.AuditID)
	assert.Equal(t, SeverityCritical, f.Severity)
	assert.False(t, f.CreatedAt.IsZero())
}

func TestGroupBySeverity(t *testing.T) {
	findings := []*VulnerabilityFinding{
		NewFinding("a", "sqli", "critical", "one"),
		NewFinding("a", "xss", "medium", "two"),
		NewFinding("a", "misc", "weird", "three"),
	}

	grouped := GroupBySeverity(findings)
	assert.Len(t, grouped, 5, "every bucket present")
	assert.Equal(t, 1, grouped[SeverityCritical])
	assert.Equal(t, 1, grouped[SeverityMedium])
	assert.Equal(t, 1, grouped[SeverityInfo])
	assert.Equal(t, 0, grouped[SeverityHigh])
	assert.Equal(t, 0, grouped[SeverityLow])
}

func TestGroupBySeverityEmpty(t *testing.T) {
	grouped := GroupBySeverity(nil)
	assert.Len(t, grouped, 5)
	for _, count := range grouped {
		assert.Zero(t, count)
	}
}

func TestLLMConfigAPIKeyNeverSerialized(t *testing.T) {
	cfg := LLMConfig{ID: "cfg-1", Provider: "openai", APIKey: "sk-secret"}

	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "sk-secret")
}
