package agents

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/upb/audit-control-plane/internal/scanner"
	"github.com/upb/audit-control-plane/models"
	"github.com/upb/audit-control-plane/services/pipeline"
	"go.uber.org/zap"
)

// ScanOutput is the scan stage's contribution to the audit context.
type ScanOutput struct {
	Matches      []scanner.RuleMatch `json:"matches"`
	FilesScanned int                 `json:"files_scanned"`
}

// ScanRunner runs the rule scanner against the project.
type ScanRunner struct {
	scanner *scanner.Client
	bus     Publisher
	logger  *zap.Logger
}

// NewScanRunner creates the scan stage runner.
func NewScanRunner(sc *scanner.Client, bus Publisher, logger *zap.Logger) *ScanRunner {
	return &ScanRunner{scanner: sc, bus: bus, logger: logger}
}

func (r *ScanRunner) Kind() models.StageKind           { return models.StageScan }
func (r *ScanRunner) Dependencies() []models.StageKind { return nil }

func (r *ScanRunner) Run(ctx context.Context, in *pipeline.Input) (*models.StageResult, error) {
	auditID := in.Session.AuditID
	r.bus.Publish(auditID, models.AgentScan, models.EventThinking, nil, "running rule scan")

	var cfg struct {
		TargetTypes []string `json:"target_types"`
	}
	if len(in.Stage.Config) > 0 {
		_ = json.Unmarshal(in.Stage.Config, &cfg)
	}

	result, err := r.scanner.Scan(ctx, in.Session.ProjectID, cfg.TargetTypes)
	if err != nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	r.logger.Info("scan finished",
		zap.String("audit_id", auditID),
		zap.Int("matches", len(result.Matches)),
		zap.Int("files_scanned", result.FilesScanned))
	r.bus.Publish(auditID, models.AgentScan, models.EventThinking, nil,
		fmt.Sprintf("rule scan matched %d locations in %d files", len(result.Matches), result.FilesScanned))

	return successResult(ScanOutput{Matches: result.Matches, FilesScanned: result.FilesScanned})
}
