package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/upb/audit-control-plane/internal/knowledge"
	"github.com/upb/audit-control-plane/internal/llm"
	"github.com/upb/audit-control-plane/internal/redact"
	"github.com/upb/audit-control-plane/internal/scanner"
	"github.com/upb/audit-control-plane/models"
	"github.com/upb/audit-control-plane/services/pipeline"
	"go.uber.org/zap"
)

const analysisSystemPrompt = `You are a security auditor reviewing a codebase.
Given the project survey and rule-scan hits, identify real vulnerabilities.
Respond with JSON only: {"findings": [{"vulnerability_type", "severity",
"confidence", "title", "description", "file_path", "line_number",
"remediation"}]}. Severity is one of critical/high/medium/low/info.`

// AnalysisOutput is the analysis stage's contribution to the audit context.
type AnalysisOutput struct {
	Findings   []*models.VulnerabilityFinding `json:"findings"`
	TokensUsed int                            `json:"tokens_used"`
	Model      string                         `json:"model"`
}

// AnalysisRunner asks the LLM to turn the recon survey and scan hits
// into concrete vulnerability findings. It requires recon output but
// degrades gracefully when the scan stage produced nothing.
type AnalysisRunner struct {
	llm    *llm.Client
	bus    Publisher
	kb     knowledge.Retriever
	logger *zap.Logger
}

// NewAnalysisRunner creates the analysis stage runner.
func NewAnalysisRunner(client *llm.Client, bus Publisher, kb knowledge.Retriever, logger *zap.Logger) *AnalysisRunner {
	return &AnalysisRunner{llm: client, bus: bus, kb: kb, logger: logger}
}

func (r *AnalysisRunner) Kind() models.StageKind { return models.StageAnalysis }

// Dependencies: recon only. A failed scan degrades analysis quality
// but does not block it.
func (r *AnalysisRunner) Dependencies() []models.StageKind {
	return []models.StageKind{models.StageRecon}
}

func (r *AnalysisRunner) Run(ctx context.Context, in *pipeline.Input) (*models.StageResult, error) {
	auditID := in.Session.AuditID

	var recon ReconOutput
	if !decodeStageOutput(in, "recon", &recon) {
		return nil, fmt.Errorf("analysis requires recon output")
	}
	var scan ScanOutput
	decodeStageOutput(in, "scan", &scan)

	r.bus.Publish(auditID, models.AgentAnalysis, models.EventThinking, nil,
		fmt.Sprintf("analyzing %d scan hits across %d files", len(scan.Matches), recon.Structure.FileCount))

	scrubbed := 0
	for i := range scan.Matches {
		if clean := redact.Sanitize(scan.Matches[i].Snippet); clean != scan.Matches[i].Snippet {
			scan.Matches[i].Snippet = clean
			scrubbed++
		}
	}
	if scrubbed > 0 {
		r.bus.Publish(auditID, models.AgentAnalysis, models.EventThinking, nil,
			fmt.Sprintf("scrubbed sensitive content from %d snippets", scrubbed))
	}

	notes := r.retrieveGuidance(ctx, in, &scan)

	resp, err := r.llm.Complete(ctx, []llm.Message{
		{Role: "system", Content: analysisSystemPrompt},
		{Role: "user", Content: r.buildPrompt(&recon, &scan, notes)},
	})
	if err != nil {
		return nil, fmt.Errorf("analysis failed: %w", err)
	}

	findings := r.parseFindings(auditID, resp.Content)
	if len(findings) == 0 && len(scan.Matches) > 0 {
		// Unusable model output: fall back to promoting scan hits so
		// the audit still surfaces what the rules found.
		r.logger.Warn("model output yielded no findings, promoting scan matches",
			zap.String("audit_id", auditID))
		findings = promoteScanMatches(auditID, scan.Matches)
	}

	r.bus.Publish(auditID, models.AgentAnalysis, models.EventThinking, nil,
		fmt.Sprintf("analysis produced %d findings", len(findings)))

	return successResult(AnalysisOutput{
		Findings:   findings,
		TokensUsed: resp.TotalTokens,
		Model:      resp.Model,
	})
}

// retrieveGuidance pulls reference notes for the vulnerability classes
// the scan surfaced. Skipped when the stage config opts out.
func (r *AnalysisRunner) retrieveGuidance(ctx context.Context, in *pipeline.Input, scan *ScanOutput) []knowledge.Note {
	var opts struct {
		TargetTypes []string `json:"target_types"`
		UseRAG      bool     `json:"use_rag"`
	}
	if len(in.Stage.Config) > 0 {
		_ = json.Unmarshal(in.Stage.Config, &opts)
	}
	if !opts.UseRAG || r.kb == nil {
		return nil
	}

	terms := append([]string{}, opts.TargetTypes...)
	for _, m := range scan.Matches {
		terms = append(terms, m.Type)
	}
	notes, err := r.kb.Retrieve(ctx, strings.Join(terms, " "), knowledge.Options{TopK: 3})
	if err != nil {
		r.logger.Warn("guidance retrieval failed", zap.Error(err))
		return nil
	}
	return notes
}

func (r *AnalysisRunner) buildPrompt(recon *ReconOutput, scan *ScanOutput, notes []knowledge.Note) string {
	var b strings.Builder
	survey, _ := json.Marshal(recon.Structure)
	b.WriteString("Project survey:\n")
	b.Write(survey)
	b.WriteString("\n\nRule-scan hits:\n")
	if len(scan.Matches) == 0 {
		b.WriteString("(none available)\n")
	} else {
		hits, _ := json.Marshal(scan.Matches)
		b.Write(hits)
	}
	if len(notes) > 0 {
		b.WriteString("\n\nReference guidance:\n")
		for _, n := range notes {
			b.WriteString("- ")
			b.WriteString(n.Content)
			b.WriteString("\n")
		}
	}
	return b.String()
}

// parseFindings extracts findings from the model's reply. Replies
// wrapped in markdown fences are unwrapped first.
func (r *AnalysisRunner) parseFindings(auditID, content string) []*models.VulnerabilityFinding {
	content = strings.TrimSpace(content)
	if idx := strings.Index(content, "```"); idx >= 0 {
		content = strings.TrimPrefix(content[idx+3:], "json")
		if end := strings.Index(content, "```"); end >= 0 {
			content = content[:end]
		}
	}

	var wire struct {
		Findings []struct {
			VulnerabilityType string  `json:"vulnerability_type"`
			Severity          string  `json:"severity"`
			Confidence        float64 `json:"confidence"`
			Title             string  `json:"title"`
			Description       string  `json:"description"`
			FilePath          string  `json:"file_path"`
			LineNumber        int     `json:"line_number"`
			Remediation       string  `json:"remediation"`
		} `json:"findings"`
	}
	if err := json.Unmarshal([]byte(content), &wire); err != nil {
		return nil
	}

	out := make([]*models.VulnerabilityFinding, 0, len(wire.Findings))
	for _, f := range wire.Findings {
		finding := models.NewFinding(auditID, f.VulnerabilityType, f.Severity, f.Title)
		finding.Confidence = f.Confidence
		finding.Description = f.Description
		finding.FilePath = f.FilePath
		finding.LineNumber = f.LineNumber
		finding.Remediation = f.Remediation
		finding.AgentFound = string(models.AgentAnalysis)
		out = append(out, finding)
	}
	return out
}

func promoteScanMatches(auditID string, matches []scanner.RuleMatch) []*models.VulnerabilityFinding {
	out := make([]*models.VulnerabilityFinding, 0, len(matches))
	for _, m := range matches {
		finding := models.NewFinding(auditID, m.Type, m.Severity, m.Message)
		finding.Confidence = 0.5
		finding.Description = fmt.Sprintf("rule %s matched", m.RuleID)
		finding.FilePath = m.FilePath
		finding.LineNumber = m.LineNumber
		finding.CodeSnippet = m.Snippet
		finding.AgentFound = string(models.AgentScan)
		out = append(out, finding)
	}
	return out
}
