package sqlite

import (
	"context"
	"fmt"

	"github.com/upb/audit-control-plane/models"
	"github.com/upb/audit-control-plane/repositories"
)

// FindingRepository implements repositories.FindingRepository on SQLite.
type FindingRepository struct {
	store *Store
}

// NewFindingRepository creates a new finding repository
func NewFindingRepository(store *Store) repositories.FindingRepository {
	return &FindingRepository{store: store}
}

// InsertBatch stores findings produced by a pipeline run
func (r *FindingRepository) InsertBatch(ctx context.Context, findings []*models.VulnerabilityFinding) error {
	if len(findings) == 0 {
		return nil
	}

	tx, err := r.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, f := range findings {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO findings (
				id, audit_id, vulnerability_type, severity, confidence, title,
				description, file_path, line_number, code_snippet, remediation,
				agent_found, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			f.ID, f.AuditID, f.VulnerabilityType, string(f.Severity), f.Confidence, f.Title,
			f.Description, f.FilePath, f.LineNumber, f.CodeSnippet, f.Remediation,
			f.AgentFound, f.CreatedAt,
		); err != nil {
			return fmt.Errorf("failed to insert finding %s: %w", f.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit findings: %w", err)
	}
	return nil
}

// ListByAudit returns all findings for an audit
func (r *FindingRepository) ListByAudit(ctx context.Context, auditID string) ([]*models.VulnerabilityFinding, error) {
	rows, err := r.store.db.QueryContext(ctx, `
		SELECT id, audit_id, vulnerability_type, severity, confidence, title,
		       description, file_path, line_number, code_snippet, remediation,
		       agent_found, created_at
		FROM findings WHERE audit_id = ? ORDER BY created_at ASC
	`, auditID)
	if err != nil {
		return nil, fmt.Errorf("failed to list findings: %w", err)
	}
	defer rows.Close()

	var findings []*models.VulnerabilityFinding
	for rows.Next() {
		f := &models.VulnerabilityFinding{}
		if err := rows.Scan(
			&f.ID, &f.AuditID, &f.VulnerabilityType, &f.Severity, &f.Confidence, &f.Title,
			&f.Description, &f.FilePath, &f.LineNumber, &f.CodeSnippet, &f.Remediation,
			&f.AgentFound, &f.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan finding: %w", err)
		}
		findings = append(findings, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate findings: %w", err)
	}
	return findings, nil
}
