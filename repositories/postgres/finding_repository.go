package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/upb/audit-control-plane/models"
	"github.com/upb/audit-control-plane/repositories"
	"go.uber.org/zap"
)

// FindingRepository implements repositories.FindingRepository
type FindingRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewFindingRepository creates a new finding repository
func NewFindingRepository(db *DB, logger *zap.Logger) repositories.FindingRepository {
	return &FindingRepository{
		db:     db,
		logger: logger,
	}
}

// InsertBatch stores findings produced by a pipeline run
func (r *FindingRepository) InsertBatch(ctx context.Context, findings []*models.VulnerabilityFinding) error {
	if len(findings) == 0 {
		return nil
	}

	err := r.db.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO findings (
				id, audit_id, vulnerability_type, severity, confidence, title,
				description, file_path, line_number, code_snippet, remediation,
				agent_found, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare finding insert: %w", err)
		}
		defer stmt.Close()

		for _, f := range findings {
			if _, err := stmt.ExecContext(ctx,
				f.ID, f.AuditID, f.VulnerabilityType, f.Severity, f.Confidence, f.Title,
				f.Description, f.FilePath, f.LineNumber, f.CodeSnippet, f.Remediation,
				f.AgentFound, f.CreatedAt,
			); err != nil {
				return fmt.Errorf("failed to insert finding %s: %w", f.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.Debug("findings inserted", zap.Int("count", len(findings)))
	return nil
}

// ListByAudit returns all findings for an audit
func (r *FindingRepository) ListByAudit(ctx context.Context, auditID string) ([]*models.VulnerabilityFinding, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, audit_id, vulnerability_type, severity, confidence, title,
		       description, file_path, line_number, code_snippet, remediation,
		       agent_found, created_at
		FROM findings
		WHERE audit_id = $1
		ORDER BY created_at ASC
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
