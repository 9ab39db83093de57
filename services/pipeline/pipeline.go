// Package pipeline drives one audit through its ordered stage plan,
// turning stage transitions into bus events and bounded retry
// accounting into terminal session states.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/upb/audit-control-plane/config"
	"github.com/upb/audit-control-plane/models"
	"github.com/upb/audit-control-plane/repositories"
	"go.uber.org/zap"
)

// EventPublisher is the slice of the event bus the pipeline needs.
type EventPublisher interface {
	Publish(auditID string, agent models.AgentType, eventType models.EventType, payload any, message string) string
}

// Outcome is the result of a finished pipeline run.
type Outcome struct {
	Status  models.AuditStatus
	Report  *models.FinalReport
	Results map[string]json.RawMessage
}

// Pipeline executes a single audit session. Stages run strictly in
// plan order; pause and cancel requests take effect between stage
// invocations, never during one. A Pipeline runs exactly once.
type Pipeline struct {
	session  *models.AuditSession
	plan     []models.Stage
	registry *Registry
	bus      EventPublisher
	sessions repositories.SessionRepository
	cfg      config.PipelineConfig
	logger   *zap.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	desired  models.AuditStatus
	finished bool
}

// New creates a pipeline for the given session and plan.
func New(session *models.AuditSession, plan []models.Stage, registry *Registry, bus EventPublisher, sessions repositories.SessionRepository, cfg config.PipelineConfig, logger *zap.Logger) *Pipeline {
	p := &Pipeline{
		session:  session,
		plan:     plan,
		registry: registry,
		bus:      bus,
		sessions: sessions,
		cfg:      cfg,
		logger:   logger.With(zap.String("audit_id", session.AuditID)),
		desired:  models.StatusRunning,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Pause requests a cooperative pause. The in-flight stage finishes
// first. No-op after the pipeline reached a terminal state.
func (p *Pipeline) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished || p.desired == models.StatusCancelled {
		return
	}
	p.desired = models.StatusPaused
	p.cond.Broadcast()
}

// Resume lifts a pause. No-op unless the pipeline is pause-requested.
func (p *Pipeline) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished || p.desired != models.StatusPaused {
		return
	}
	p.desired = models.StatusRunning
	p.cond.Broadcast()
}

// Cancel requests a cooperative cancel. Idempotent: repeated calls
// after the terminal event leave state untouched and publish nothing.
func (p *Pipeline) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return
	}
	p.desired = models.StatusCancelled
	p.cond.Broadcast()
}

// Run drives the plan to a terminal state. It blocks until the audit
// completes, fails, or is cancelled, and returns the outcome. The
// context bounds individual stage invocations; pause and cancel arrive
// through the control methods above.
func (p *Pipeline) Run(ctx context.Context) Outcome {
	p.transition(ctx, models.StatusRunning)
	p.bus.Publish(p.session.AuditID, models.AgentOrchestrator, models.EventStatus,
		models.StatusPayload{Status: models.StatusRunning}, "audit started")

	results := make(map[string]json.RawMessage)
	report := &models.FinalReport{}
	aborted := false

	for _, stage := range p.plan {
		if !stage.Enabled {
			continue
		}
		if cancelled := p.checkpoint(ctx); cancelled {
			return p.finish(ctx, models.StatusCancelled, report, results)
		}

		agent := stage.Kind.AgentType()

		runner, err := p.registry.Lookup(stage.Kind)
		if err != nil {
			p.recordFailure(stage.Name, err.Error(), report)
			p.bus.Publish(p.session.AuditID, agent, models.EventStageError,
				models.StagePayload{Stage: stage.Name, Outcome: "error", Error: err.Error()}, "")
			if p.session.RetryCount >= p.cfg.RetryThreshold {
				aborted = true
				break
			}
			continue
		}

		if missing, ok := p.missingDependency(runner, results); ok {
			p.logger.Info("skipping stage, dependency produced no output",
				zap.String("stage", stage.Name),
				zap.String("dependency", string(missing)))
			p.bus.Publish(p.session.AuditID, agent, models.EventStatus, nil,
				fmt.Sprintf("stage %s skipped: no output from %s", stage.Name, missing))
			continue
		}

		p.bus.Publish(p.session.AuditID, agent, models.EventStageStart,
			models.StagePayload{Stage: stage.Name}, fmt.Sprintf("stage %s started", stage.Name))
		started := time.Now()

		result := p.invoke(ctx, runner, stage, results)

		elapsed := time.Since(started).Milliseconds()
		if result.Success() {
			results[stage.Name] = result.Data
			report.StagesCompleted = append(report.StagesCompleted, stage.Name)
			p.bus.Publish(p.session.AuditID, agent, models.EventStageComplete,
				models.StagePayload{Stage: stage.Name, Outcome: "success", Duration: elapsed},
				fmt.Sprintf("stage %s completed", stage.Name))
			continue
		}

		p.recordFailure(stage.Name, result.ErrorDetail, report)
		p.bus.Publish(p.session.AuditID, agent, models.EventStageError,
			models.StagePayload{Stage: stage.Name, Outcome: "error", Error: result.ErrorDetail, Duration: elapsed}, "")
		if p.session.RetryCount >= p.cfg.RetryThreshold {
			p.logger.Warn("retry threshold reached, aborting remaining stages",
				zap.Int("retry_count", p.session.RetryCount))
			aborted = true
			break
		}
	}

	final := models.StatusCompleted
	if aborted {
		final = models.StatusFailed
	} else if cancelled := p.checkpoint(ctx); cancelled {
		final = models.StatusCancelled
	}
	return p.finish(ctx, final, report, results)
}

// checkpoint is the between-stages control point. It blocks while a
// pause is in effect and reports whether the pipeline was cancelled.
func (p *Pipeline) checkpoint(ctx context.Context) bool {
	p.mu.Lock()
	desired := p.desired
	p.mu.Unlock()

	switch desired {
	case models.StatusCancelled:
		return true
	case models.StatusPaused:
		p.transition(ctx, models.StatusPaused)
		p.bus.Publish(p.session.AuditID, models.AgentOrchestrator, models.EventStatus,
			models.StatusPayload{Status: models.StatusPaused}, "audit paused")

		p.mu.Lock()
		for p.desired == models.StatusPaused {
			p.cond.Wait()
		}
		cancelled := p.desired == models.StatusCancelled
		p.mu.Unlock()

		if cancelled {
			return true
		}
		p.transition(ctx, models.StatusRunning)
		p.bus.Publish(p.session.AuditID, models.AgentOrchestrator, models.EventStatus,
			models.StatusPayload{Status: models.StatusRunning}, "audit resumed")
	}
	return false
}

// invoke runs one stage, converting every failure mode (error return,
// nil result, panic) into an error StageResult.
func (p *Pipeline) invoke(ctx context.Context, runner Runner, stage models.Stage, results map[string]json.RawMessage) (out *models.StageResult) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("stage runner panicked",
				zap.String("stage", stage.Name),
				zap.Any("panic", r))
			out = &models.StageResult{
				StageName:   stage.Name,
				Outcome:     "error",
				ErrorDetail: fmt.Sprintf("stage panicked: %v", r),
			}
		}
	}()

	sctx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
	defer cancel()

	result, err := runner.Run(sctx, &Input{
		Session: p.session,
		Stage:   stage,
		Results: results,
	})
	if err != nil {
		return &models.StageResult{StageName: stage.Name, Outcome: "error", ErrorDetail: err.Error()}
	}
	if result == nil {
		return &models.StageResult{StageName: stage.Name, Outcome: "error", ErrorDetail: "runner returned no result"}
	}
	result.StageName = stage.Name
	return result
}

// missingDependency reports the first declared dependency whose output
// is absent from the accumulated results.
func (p *Pipeline) missingDependency(runner Runner, results map[string]json.RawMessage) (models.StageKind, bool) {
	for _, dep := range runner.Dependencies() {
		planned := false
		satisfied := false
		for _, stage := range p.plan {
			if stage.Kind != dep || !stage.Enabled {
				continue
			}
			planned = true
			if _, ok := results[stage.Name]; ok {
				satisfied = true
			}
		}
		if planned && !satisfied {
			return dep, true
		}
	}
	return "", false
}

func (p *Pipeline) recordFailure(stageName, detail string, report *models.FinalReport) {
	msg := fmt.Sprintf("%s failed: %s", stageName, detail)
	p.session.Errors = append(p.session.Errors, msg)
	p.session.RetryCount++
	report.StagesFailed = append(report.StagesFailed, stageName)
	p.logger.Warn("stage failed",
		zap.String("stage", stageName),
		zap.String("error", detail),
		zap.Int("retry_count", p.session.RetryCount))
}

// finish seals the pipeline in a terminal state, persists the outcome,
// and publishes the matching terminal event exactly once.
func (p *Pipeline) finish(ctx context.Context, status models.AuditStatus, report *models.FinalReport, results map[string]json.RawMessage) Outcome {
	p.mu.Lock()
	p.finished = true
	p.mu.Unlock()

	report.Errors = p.session.Errors

	p.session.Status = status
	p.session.UpdatedAt = time.Now().UTC()
	if data, err := json.Marshal(report); err == nil {
		p.session.Report = data
	}
	if p.sessions != nil {
		if err := p.sessions.SaveOutcome(ctx, p.session); err != nil {
			p.logger.Error("failed to persist audit outcome", zap.Error(err))
		}
	}

	var tag models.EventType
	var message string
	switch status {
	case models.StatusFailed:
		tag = models.EventError
		message = "audit failed"
	case models.StatusCancelled:
		tag = models.EventCancelled
		message = "audit cancelled"
	default:
		tag = models.EventComplete
		message = "audit completed"
	}
	p.bus.Publish(p.session.AuditID, models.AgentOrchestrator, tag,
		models.StatusPayload{Status: status}, message)

	p.logger.Info("pipeline finished",
		zap.String("status", string(status)),
		zap.Int("stages_completed", len(report.StagesCompleted)),
		zap.Int("stages_failed", len(report.StagesFailed)))

	return Outcome{Status: status, Report: report, Results: results}
}

// transition persists an intermediate status change.
func (p *Pipeline) transition(ctx context.Context, status models.AuditStatus) {
	p.session.Status = status
	p.session.UpdatedAt = time.Now().UTC()
	if p.sessions == nil {
		return
	}
	if err := p.sessions.UpdateStatus(ctx, p.session.AuditID, status); err != nil {
		p.logger.Error("failed to persist status transition",
			zap.String("status", string(status)),
			zap.Error(err))
	}
}
