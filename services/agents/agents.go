// Package agents implements the stage runners that do the actual audit
// work: reconnaissance, rule scanning, LLM-driven analysis, and finding
// verification. Each runner plugs into the pipeline registry and
// reports progress through the event bus.
package agents

import (
	"encoding/json"

	"github.com/upb/audit-control-plane/models"
	"github.com/upb/audit-control-plane/services/pipeline"
)

// Publisher is the slice of the event bus the agents need for
// progress events.
type Publisher interface {
	Publish(auditID string, agent models.AgentType, eventType models.EventType, payload any, message string) string
}

// decodeStageOutput unmarshals an earlier stage's output by stage name.
func decodeStageOutput(in *pipeline.Input, stageName string, out any) bool {
	raw, ok := in.Results[stageName]
	if !ok || len(raw) == 0 {
		return false
	}
	return json.Unmarshal(raw, out) == nil
}

// successResult packs data into a success StageResult; a marshal
// failure is reported as an error result instead of losing the stage.
func successResult(data any) (*models.StageResult, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return &models.StageResult{Outcome: "error", ErrorDetail: "failed to encode stage output: " + err.Error()}, nil
	}
	return &models.StageResult{Outcome: "success", Data: raw}, nil
}
