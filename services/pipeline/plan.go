package pipeline

import (
	"encoding/json"
	"time"

	"github.com/upb/audit-control-plane/models"
)

// PlanRequest carries the caller's choices that shape a stage plan.
type PlanRequest struct {
	AuditType   models.AuditType
	TargetTypes []string
	Verify      bool
}

// stageConfig is the options bag attached to scan and analysis stages.
type stageConfig struct {
	TargetTypes []string `json:"target_types,omitempty"`
	UseRAG      bool     `json:"use_rag"`
}

// BuildPlan assembles the ordered stage list for an audit. Recon and
// scan run for every audit type; analysis is added for full and
// targeted audits; verification only when requested. Target types
// narrow both the rule scan and the analysis prompt.
func BuildPlan(req PlanRequest) []models.Stage {
	scan := models.Stage{Name: "scan", Kind: models.StageScan, Enabled: true}
	if len(req.TargetTypes) > 0 {
		scan.Config, _ = json.Marshal(stageConfig{TargetTypes: req.TargetTypes})
	}

	plan := []models.Stage{
		{Name: "recon", Kind: models.StageRecon, Enabled: true},
		scan,
	}

	if req.AuditType == models.AuditFull || req.AuditType == models.AuditTargeted {
		cfg, _ := json.Marshal(stageConfig{TargetTypes: req.TargetTypes, UseRAG: true})
		plan = append(plan, models.Stage{
			Name:    "analysis",
			Kind:    models.StageAnalysis,
			Enabled: true,
			Config:  cfg,
		})
	}

	if req.Verify {
		plan = append(plan, models.Stage{
			Name:    "verification",
			Kind:    models.StageVerification,
			Enabled: true,
		})
	}

	return plan
}

var stageEstimates = map[models.StageKind]time.Duration{
	models.StageRecon:        30 * time.Second,
	models.StageScan:         120 * time.Second,
	models.StageAnalysis:     180 * time.Second,
	models.StageVerification: 300 * time.Second,
}

// EstimateDuration predicts wall-clock time for a plan: a fixed base
// plus a per-stage allowance for every enabled stage.
func EstimateDuration(plan []models.Stage) time.Duration {
	total := 60 * time.Second
	for _, stage := range plan {
		if !stage.Enabled {
			continue
		}
		if est, ok := stageEstimates[stage.Kind]; ok {
			total += est
		} else {
			total += 60 * time.Second
		}
	}
	return total
}
