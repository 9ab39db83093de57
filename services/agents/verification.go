package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/upb/audit-control-plane/internal/llm"
	"github.com/upb/audit-control-plane/internal/redact"
	"github.com/upb/audit-control-plane/models"
	"github.com/upb/audit-control-plane/services/pipeline"
	"go.uber.org/zap"
)

const verificationSystemPrompt = `You are reviewing candidate security findings
for false positives. For each finding decide whether it is a genuine issue.
Respond with JSON only: {"verdicts": [{"id": "<finding id>", "genuine": true|false,
"confidence": 0.0-1.0, "reason": "<short reason>"}]}.`

// VerificationOutput is the verification stage's contribution to the
// audit context. Findings carries the verified subset.
type VerificationOutput struct {
	Findings []*models.VulnerabilityFinding `json:"findings"`
	Verified int                            `json:"verified"`
	Rejected int                            `json:"rejected"`
}

// VerificationRunner asks the LLM to confirm or reject the analysis
// stage's findings, filtering false positives.
type VerificationRunner struct {
	llm    *llm.Client
	bus    Publisher
	logger *zap.Logger
}

// NewVerificationRunner creates the verification stage runner.
func NewVerificationRunner(client *llm.Client, bus Publisher, logger *zap.Logger) *VerificationRunner {
	return &VerificationRunner{llm: client, bus: bus, logger: logger}
}

func (r *VerificationRunner) Kind() models.StageKind { return models.StageVerification }

func (r *VerificationRunner) Dependencies() []models.StageKind {
	return []models.StageKind{models.StageAnalysis}
}

func (r *VerificationRunner) Run(ctx context.Context, in *pipeline.Input) (*models.StageResult, error) {
	auditID := in.Session.AuditID

	var analysis AnalysisOutput
	if !decodeStageOutput(in, "analysis", &analysis) {
		return nil, fmt.Errorf("verification requires analysis output")
	}
	if len(analysis.Findings) == 0 {
		return successResult(VerificationOutput{Findings: nil})
	}

	r.bus.Publish(auditID, models.AgentVerification, models.EventThinking, nil,
		fmt.Sprintf("verifying %d candidate findings", len(analysis.Findings)))

	// Snippets in candidate findings came from the audited codebase
	// and get the same pre-prompt scrub as scan output.
	safe := make([]*models.VulnerabilityFinding, len(analysis.Findings))
	for i, f := range analysis.Findings {
		copied := *f
		copied.CodeSnippet = redact.Sanitize(copied.CodeSnippet)
		safe[i] = &copied
	}

	candidates, _ := json.Marshal(safe)
	resp, err := r.llm.Complete(ctx, []llm.Message{
		{Role: "system", Content: verificationSystemPrompt},
		{Role: "user", Content: string(candidates)},
	})
	if err != nil {
		return nil, fmt.Errorf("verification failed: %w", err)
	}

	verdicts := parseVerdicts(resp.Content)
	out := VerificationOutput{}
	for _, finding := range analysis.Findings {
		verdict, ok := verdicts[finding.ID]
		if !ok {
			// No verdict for this finding: keep it rather than silently
			// discarding a candidate vulnerability.
			out.Findings = append(out.Findings, finding)
			continue
		}
		if verdict.Genuine {
			finding.Confidence = verdict.Confidence
			finding.AgentFound = string(models.AgentVerification)
			out.Findings = append(out.Findings, finding)
			out.Verified++
		} else {
			out.Rejected++
		}
	}

	r.logger.Info("verification finished",
		zap.String("audit_id", auditID),
		zap.Int("verified", out.Verified),
		zap.Int("rejected", out.Rejected))
	r.bus.Publish(auditID, models.AgentVerification, models.EventThinking, nil,
		fmt.Sprintf("verification kept %d findings, rejected %d", len(out.Findings), out.Rejected))

	return successResult(out)
}

type verdict struct {
	ID         string  `json:"id"`
	Genuine    bool    `json:"genuine"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

func parseVerdicts(content string) map[string]verdict {
	content = strings.TrimSpace(content)
	if idx := strings.Index(content, "```"); idx >= 0 {
		content = strings.TrimPrefix(content[idx+3:], "json")
		if end := strings.Index(content, "```"); end >= 0 {
			content = content[:end]
		}
	}

	var wire struct {
		Verdicts []verdict `json:"verdicts"`
	}
	if err := json.Unmarshal([]byte(content), &wire); err != nil {
		return nil
	}
	out := make(map[string]verdict, len(wire.Verdicts))
	for _, v := range wire.Verdicts {
		out[v.ID] = v
	}
	return out
}
