package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/upb/audit-control-plane/models"
)

// Input is what a stage runner sees: the session being audited, the
// stage's own plan entry, and the outputs of every earlier stage keyed
// by stage name.
type Input struct {
	Session *models.AuditSession
	Stage   models.Stage
	Results map[string]json.RawMessage
}

// Runner executes one kind of pipeline stage. Run reports failures
// through the StageResult outcome or the error return; both are folded
// into the same retry accounting. Runners must be safe for concurrent
// use across audits.
type Runner interface {
	Kind() models.StageKind

	// Dependencies names the stage kinds whose output this runner
	// needs. The stage is skipped when a dependency was planned but
	// produced no output.
	Dependencies() []models.StageKind

	Run(ctx context.Context, in *Input) (*models.StageResult, error)
}

// Registry maps stage kinds to their runners.
type Registry struct {
	mu      sync.RWMutex
	runners map[models.StageKind]Runner
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{runners: make(map[models.StageKind]Runner)}
}

// Register adds a runner, replacing any existing runner of the same kind.
func (r *Registry) Register(runner Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runners[runner.Kind()] = runner
}

// Lookup returns the runner for a stage kind.
func (r *Registry) Lookup(kind models.StageKind) (Runner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runner, ok := r.runners[kind]
	if !ok {
		return nil, fmt.Errorf("no runner registered for stage kind %q", kind)
	}
	return runner, nil
}
