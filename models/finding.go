package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Severity buckets are fixed; anything unrecognized folds into info.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// NormalizeSeverity maps a free-form severity string onto the fixed buckets.
func NormalizeSeverity(s string) Severity {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case SeverityCritical:
		return SeverityCritical
	case SeverityHigh:
		return SeverityHigh
	case SeverityMedium:
		return SeverityMedium
	case SeverityLow:
		return SeverityLow
	default:
		return SeverityInfo
	}
}

// VulnerabilityFinding is one finding produced by the analysis or
// verification stages.
type VulnerabilityFinding struct {
	ID                string    `json:"id" db:"id"`
	AuditID           string    `json:"audit_id" db:"audit_id"`
	VulnerabilityType string    `json:"vulnerability_type" db:"vulnerability_type"`
	Severity          Severity  `json:"severity" db:"severity"`
	Confidence        float64   `json:"confidence" db:"confidence"`
	Title             string    `json:"title" db:"title"`
	Description       string    `json:"description" db:"description"`
	FilePath          string    `json:"file_path" db:"file_path"`
	LineNumber        int       `json:"line_number" db:"line_number"`
	CodeSnippet       string    `json:"code_snippet,omitempty" db:"code_snippet"`
	Remediation       string    `json:"remediation,omitempty" db:"remediation"`
	AgentFound        string    `json:"agent_found,omitempty" db:"agent_found"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
}

// NewFinding creates a finding with a fresh ID and normalized severity.
func NewFinding(auditID, vulnType, severity, title string) *VulnerabilityFinding {
	return &VulnerabilityFinding{
		ID:                uuid.New().String(),
		AuditID:           auditID,
		VulnerabilityType: vulnType,
		Severity:          NormalizeSeverity(severity),
		Title:             title,
		CreatedAt:         time.Now().UTC(),
	}
}

// GroupBySeverity counts findings per fixed severity bucket.
// Every bucket is present in the result, zero or not.
func GroupBySeverity(findings []*VulnerabilityFinding) map[Severity]int {
	grouped := map[Severity]int{
		SeverityCritical: 0,
		SeverityHigh:     0,
		SeverityMedium:   0,
		SeverityLow:      0,
		SeverityInfo:     0,
	}
	for _, f := range findings {
		grouped[NormalizeSeverity(string(f.Severity))]++
	}
	return grouped
}
