// Package audit owns the audit lifecycle: it accepts start requests,
// resolves the LLM configuration, builds the stage plan, and runs each
// audit's pipeline on its own goroutine.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/upb/audit-control-plane/config"
	"github.com/upb/audit-control-plane/models"
	"github.com/upb/audit-control-plane/repositories"
	"github.com/upb/audit-control-plane/services/agents"
	"github.com/upb/audit-control-plane/services/eventbus"
	"github.com/upb/audit-control-plane/services/pipeline"
	"go.uber.org/zap"
)

var (
	// ErrUnknownLLMConfig rejects a start request naming a config that
	// does not exist. Raised before any session state is created.
	ErrUnknownLLMConfig = errors.New("unknown llm config")

	// ErrAuditNotFound is returned for operations on unknown audits.
	ErrAuditNotFound = errors.New("audit not found")

	// ErrAuditNotActive is returned when pause/resume targets an audit
	// with no running pipeline.
	ErrAuditNotActive = errors.New("audit is not active")
)

// streamRetention is how long a finished audit's in-memory stream
// stays subscribable before its replay buffer is reclaimed.
const streamRetention = 5 * time.Minute

// StartRequest is the caller's audit submission.
type StartRequest struct {
	ProjectID   string          `json:"project_id" validate:"required"`
	AuditType   string          `json:"audit_type" validate:"omitempty,oneof=full quick targeted"`
	TargetTypes []string        `json:"target_types,omitempty"`
	LLMConfigID string          `json:"llm_config_id,omitempty"`
	Verify      bool            `json:"verify,omitempty"`
	Config      json.RawMessage `json:"config,omitempty"`
}

// StartResponse acknowledges an accepted audit.
type StartResponse struct {
	AuditID       string `json:"audit_id"`
	Status        string `json:"status"`
	EstimatedTime int    `json:"estimated_time"` // seconds
}

// StatusResponse reports audit progress.
type StatusResponse struct {
	AuditID     string                  `json:"audit_id"`
	Status      models.AuditStatus      `json:"status"`
	Progress    float64                 `json:"progress"`
	AgentStatus map[string]int64        `json:"agent_status"`
	Stats       *models.EventStatistics `json:"stats"`
}

// ResultResponse is the final (or partial) audit outcome. Always
// well-formed; callers read Status to detect failure.
type ResultResponse struct {
	AuditID         string                         `json:"audit_id"`
	Status          models.AuditStatus             `json:"status"`
	Summary         ResultSummary                  `json:"summary"`
	Vulnerabilities []*models.VulnerabilityFinding `json:"vulnerabilities"`
	Errors          []string                       `json:"errors,omitempty"`
}

// ResultSummary buckets findings by severity.
type ResultSummary struct {
	Total      int                     `json:"total"`
	BySeverity map[models.Severity]int `json:"by_severity"`
}

// RunnerBuilder assembles the stage runner registry for one audit,
// bound to the LLM configuration resolved for it. cfg is nil when no
// stored config applies and the provider defaults (or mock mode) rule.
type RunnerBuilder func(cfg *models.LLMConfig) *pipeline.Registry

// Manager coordinates all running audits. Safe for concurrent use.
type Manager struct {
	cfg          config.PipelineConfig
	logger       *zap.Logger
	bus          *eventbus.Bus
	sessions     repositories.SessionRepository
	findings     repositories.FindingRepository
	events       repositories.EventLogRepository
	llmConfigs   repositories.LLMConfigRepository
	buildRunners RunnerBuilder
	validate     *validator.Validate

	mu     sync.Mutex
	active map[string]*pipeline.Pipeline
	wg     sync.WaitGroup
}

// Deps bundles the manager's collaborators.
type Deps struct {
	Pipeline   config.PipelineConfig
	Logger     *zap.Logger
	Bus        *eventbus.Bus
	Sessions   repositories.SessionRepository
	Findings   repositories.FindingRepository
	Events     repositories.EventLogRepository
	LLMConfigs repositories.LLMConfigRepository
	Runners    RunnerBuilder
}

// NewManager creates an audit manager.
func NewManager(deps Deps) *Manager {
	return &Manager{
		cfg:          deps.Pipeline,
		logger:       deps.Logger,
		bus:          deps.Bus,
		sessions:     deps.Sessions,
		findings:     deps.Findings,
		events:       deps.Events,
		llmConfigs:   deps.LLMConfigs,
		buildRunners: deps.Runners,
		validate:     validator.New(),
		active:       make(map[string]*pipeline.Pipeline),
	}
}

// StartAudit validates the request, resolves the LLM configuration,
// creates the session, and schedules the pipeline asynchronously.
// A request naming an unknown llm_config_id is rejected before any
// session row exists.
func (m *Manager) StartAudit(ctx context.Context, req *StartRequest) (*StartResponse, error) {
	if err := m.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid start request: %w", err)
	}
	auditType := models.AuditType(req.AuditType)
	if auditType == "" {
		auditType = models.AuditFull
	}

	llmCfg, err := m.resolveLLMConfig(ctx, req.LLMConfigID)
	if err != nil {
		return nil, err
	}

	plan := pipeline.BuildPlan(pipeline.PlanRequest{
		AuditType:   auditType,
		TargetTypes: req.TargetTypes,
		Verify:      req.Verify,
	})

	session := models.NewAuditSession(req.ProjectID, auditType, req.Config)
	session.Stages = plan
	if err := m.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create audit session: %w", err)
	}

	p := pipeline.New(session, plan, m.buildRunners(llmCfg), m.bus, m.sessions, m.cfg, m.logger)

	m.mu.Lock()
	m.active[session.AuditID] = p
	m.mu.Unlock()

	m.bus.Publish(session.AuditID, models.AgentOrchestrator, models.EventStatus,
		models.StatusPayload{Status: models.StatusPending}, "audit accepted")

	m.wg.Add(1)
	go m.run(session.AuditID, p)

	m.logger.Info("audit started",
		zap.String("audit_id", session.AuditID),
		zap.String("project_id", req.ProjectID),
		zap.String("audit_type", string(auditType)),
		zap.Int("stages", len(plan)))

	return &StartResponse{
		AuditID:       session.AuditID,
		Status:        string(models.StatusPending),
		EstimatedTime: int(pipeline.EstimateDuration(plan).Seconds()),
	}, nil
}

// resolveLLMConfig maps an optional config ID onto a stored config.
// An explicit unknown ID is a hard reject; with no ID the stored
// default applies when present, otherwise nil selects provider
// defaults (mock mode without credentials). Never silently downgrades
// an explicit choice.
func (m *Manager) resolveLLMConfig(ctx context.Context, id string) (*models.LLMConfig, error) {
	if id != "" {
		cfg, err := m.llmConfigs.GetByID(ctx, id)
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownLLMConfig, id)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load llm config %s: %w", id, err)
		}
		return cfg, nil
	}

	cfg, err := m.llmConfigs.GetDefault(ctx)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load default llm config: %w", err)
	}
	return cfg, nil
}

func (m *Manager) run(auditID string, p *pipeline.Pipeline) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		delete(m.active, auditID)
		m.mu.Unlock()
	}()

	outcome := p.Run(context.Background())
	m.persistFindings(auditID, outcome)

	// Keep the in-memory stream around so reconnecting clients can
	// still replay the finished audit, then reclaim it. The durable
	// event log remains queryable forever.
	time.AfterFunc(streamRetention, func() {
		m.bus.RemoveStream(auditID)
	})
}

// persistFindings extracts findings from the pipeline outcome and
// stores them. Verification output wins over raw analysis output.
func (m *Manager) persistFindings(auditID string, outcome pipeline.Outcome) {
	findings := extractFindings(outcome.Results)
	if len(findings) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.findings.InsertBatch(ctx, findings); err != nil {
		m.logger.Error("failed to persist findings",
			zap.String("audit_id", auditID),
			zap.Int("count", len(findings)),
			zap.Error(err))
		return
	}
	m.logger.Info("findings persisted",
		zap.String("audit_id", auditID),
		zap.Int("count", len(findings)))
}

func extractFindings(results map[string]json.RawMessage) []*models.VulnerabilityFinding {
	if raw, ok := results["verification"]; ok {
		var out agents.VerificationOutput
		if json.Unmarshal(raw, &out) == nil {
			return out.Findings
		}
	}
	if raw, ok := results["analysis"]; ok {
		var out agents.AnalysisOutput
		if json.Unmarshal(raw, &out) == nil {
			return out.Findings
		}
	}
	return nil
}

// Pause requests a cooperative pause of a running audit.
func (m *Manager) Pause(auditID string) error {
	p, ok := m.lookup(auditID)
	if !ok {
		return ErrAuditNotActive
	}
	p.Pause()
	return nil
}

// Resume lifts a pause.
func (m *Manager) Resume(auditID string) error {
	p, ok := m.lookup(auditID)
	if !ok {
		return ErrAuditNotActive
	}
	p.Resume()
	return nil
}

// Cancel requests cancellation. Idempotent: cancelling an already
// terminal audit succeeds without touching its state or publishing
// another terminal event.
func (m *Manager) Cancel(ctx context.Context, auditID string) (models.AuditStatus, error) {
	if p, ok := m.lookup(auditID); ok {
		p.Cancel()
		return models.StatusCancelled, nil
	}

	session, err := m.sessions.GetByID(ctx, auditID)
	if errors.Is(err, repositories.ErrNotFound) {
		return "", ErrAuditNotFound
	}
	if err != nil {
		return "", err
	}
	if session.Status.IsTerminal() {
		return session.Status, nil
	}
	// Session exists but no pipeline runs it (e.g. process restart
	// mid-audit). Mark it cancelled so clients are not stuck.
	if err := m.sessions.UpdateStatus(ctx, auditID, models.StatusCancelled); err != nil {
		return "", err
	}
	m.bus.Publish(auditID, models.AgentOrchestrator, models.EventCancelled,
		models.StatusPayload{Status: models.StatusCancelled}, "audit cancelled")
	return models.StatusCancelled, nil
}

// Status reports an audit's current state and stream statistics.
func (m *Manager) Status(ctx context.Context, auditID string) (*StatusResponse, error) {
	session, err := m.sessions.GetByID(ctx, auditID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, ErrAuditNotFound
	}
	if err != nil {
		return nil, err
	}

	stats, err := m.events.Statistics(ctx, auditID)
	if err != nil {
		m.logger.Warn("failed to load event statistics",
			zap.String("audit_id", auditID), zap.Error(err))
		stats = &models.EventStatistics{}
	}

	return &StatusResponse{
		AuditID:     auditID,
		Status:      session.Status,
		Progress:    progress(session, stats),
		AgentStatus: stats.ByAgentType,
		Stats:       stats,
	}, nil
}

// progress estimates completion as finished stages over enabled stages.
func progress(session *models.AuditSession, stats *models.EventStatistics) float64 {
	if session.Status == models.StatusCompleted {
		return 1
	}
	// Failed and cancelled audits report how far they got.
	enabled := 0
	for _, stage := range session.Stages {
		if stage.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		return 0
	}
	done := stats.ByEventType[string(models.EventStageComplete)] +
		stats.ByEventType[string(models.EventStageError)]
	p := float64(done) / float64(enabled)
	if p > 1 {
		p = 1
	}
	return p
}

// Result assembles the audit outcome: summary buckets plus the full
// finding list. Well-formed for every terminal state.
func (m *Manager) Result(ctx context.Context, auditID string) (*ResultResponse, error) {
	session, err := m.sessions.GetByID(ctx, auditID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, ErrAuditNotFound
	}
	if err != nil {
		return nil, err
	}

	findings, err := m.findings.ListByAudit(ctx, auditID)
	if err != nil {
		return nil, fmt.Errorf("failed to load findings: %w", err)
	}
	if findings == nil {
		findings = []*models.VulnerabilityFinding{}
	}

	return &ResultResponse{
		AuditID: auditID,
		Status:  session.Status,
		Summary: ResultSummary{
			Total:      len(findings),
			BySeverity: models.GroupBySeverity(findings),
		},
		Vulnerabilities: findings,
		Errors:          session.Errors,
	}, nil
}

// ActiveCount reports how many pipelines are currently running.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Shutdown cancels every active pipeline and waits for them to wind
// down, bounded by the context.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	for _, p := range m.active {
		p.Cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("all audits wound down")
	case <-ctx.Done():
		m.logger.Warn("shutdown timed out waiting for audits")
	}
}

func (m *Manager) lookup(auditID string) (*pipeline.Pipeline, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.active[auditID]
	return p, ok
}
