package agents

import (
	"context"
	"fmt"

	"github.com/upb/audit-control-plane/internal/scanner"
	"github.com/upb/audit-control-plane/models"
	"github.com/upb/audit-control-plane/services/pipeline"
	"go.uber.org/zap"
)

// ReconOutput is the recon stage's contribution to the audit context.
type ReconOutput struct {
	Structure     *scanner.ProjectStructure `json:"structure"`
	AttackSurface []string                  `json:"attack_surface"`
}

// ReconRunner surveys the project: file layout, languages, and the
// entry points that make up the attack surface.
type ReconRunner struct {
	scanner *scanner.Client
	bus     Publisher
	logger  *zap.Logger
}

// NewReconRunner creates the recon stage runner.
func NewReconRunner(sc *scanner.Client, bus Publisher, logger *zap.Logger) *ReconRunner {
	return &ReconRunner{scanner: sc, bus: bus, logger: logger}
}

func (r *ReconRunner) Kind() models.StageKind           { return models.StageRecon }
func (r *ReconRunner) Dependencies() []models.StageKind { return nil }

func (r *ReconRunner) Run(ctx context.Context, in *pipeline.Input) (*models.StageResult, error) {
	auditID := in.Session.AuditID
	r.bus.Publish(auditID, models.AgentRecon, models.EventThinking, nil, "surveying project structure")

	structure, err := r.scanner.Structure(ctx, in.Session.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("recon failed: %w", err)
	}

	surface := make([]string, 0, len(structure.EntryFiles))
	surface = append(surface, structure.EntryFiles...)

	r.logger.Info("recon finished",
		zap.String("audit_id", auditID),
		zap.Int("files", structure.FileCount),
		zap.Int("entry_points", len(surface)))
	r.bus.Publish(auditID, models.AgentRecon, models.EventThinking, nil,
		fmt.Sprintf("found %d files, %d entry points", structure.FileCount, len(surface)))

	return successResult(ReconOutput{Structure: structure, AttackSurface: surface})
}
