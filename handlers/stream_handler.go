package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/upb/audit-control-plane/app"
	"github.com/upb/audit-control-plane/models"
	"github.com/upb/audit-control-plane/services/eventbus"
	"go.uber.org/zap"
)

// StreamEventsHandler serves the live event stream over SSE. The first
// frame is a synthetic connected event; afterwards the subscription
// contract applies: replay from after_sequence, then live events,
// heartbeats while idle, stream end after a terminal event.
func StreamEventsHandler(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auditID := chi.URLParam(r, "id")

		flusher, ok := w.(http.Flusher)
		if !ok {
			respondError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer does not support streaming")
			return
		}

		afterSequence := parseInt64(r.URL.Query().Get("after_sequence"), 0)
		sub, err := deps.Bus.Subscribe(r.Context(), auditID, afterSequence)
		if err != nil {
			if err == eventbus.ErrNotRunning {
				respondError(w, http.StatusServiceUnavailable, "shutting_down", "event bus is not accepting subscriptions")
				return
			}
			deps.Logger.Error("failed to subscribe",
				zap.String("audit_id", auditID), zap.Error(err))
			respondError(w, http.StatusInternalServerError, "internal_error", "failed to open event stream")
			return
		}
		defer sub.Close()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		connected := models.NewAuditEvent(auditID, models.AgentSystem, models.EventConnected,
			map[string]int64{"after_sequence": afterSequence}, "stream connected")
		if err := writeSSE(w, connected); err != nil {
			return
		}
		flusher.Flush()

		for {
			select {
			case event, open := <-sub.C():
				if !open {
					return
				}
				if err := writeSSE(w, event); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	}
}

// writeSSE frames one event as "event: <type>\ndata: <json>\n\n".
func writeSSE(w http.ResponseWriter, event *models.AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.EventType, data)
	return err
}
