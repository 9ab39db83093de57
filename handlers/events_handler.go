package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/upb/audit-control-plane/app"
	"github.com/upb/audit-control-plane/models"
	"github.com/upb/audit-control-plane/repositories"
	"go.uber.org/zap"
)

// maxEventPageSize caps the events endpoint; larger requests are
// silently clamped, not rejected.
const maxEventPageSize = 1000

const defaultEventPageSize = 100

// ListEventsHandler queries the durable event log.
// Query parameters: after_sequence, limit, event_types (comma-separated).
func ListEventsHandler(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auditID := chi.URLParam(r, "id")

		query := repositories.EventQuery{
			AuditID:       auditID,
			AfterSequence: parseInt64(r.URL.Query().Get("after_sequence"), 0),
			Limit:         int(parseInt64(r.URL.Query().Get("limit"), defaultEventPageSize)),
		}
		if query.Limit <= 0 {
			query.Limit = defaultEventPageSize
		}
		if query.Limit > maxEventPageSize {
			query.Limit = maxEventPageSize
		}
		if raw := r.URL.Query().Get("event_types"); raw != "" {
			for _, t := range strings.Split(raw, ",") {
				if t = strings.TrimSpace(t); t != "" {
					query.EventTypes = append(query.EventTypes, models.EventType(t))
				}
			}
		}

		events, err := deps.Events.List(r.Context(), query)
		if err != nil {
			deps.Logger.Error("failed to list events",
				zap.String("audit_id", auditID), zap.Error(err))
			respondError(w, http.StatusInternalServerError, "internal_error", "failed to list events")
			return
		}
		if events == nil {
			events = []*models.AuditEvent{}
		}

		respondJSON(w, http.StatusOK, map[string]any{
			"audit_id": auditID,
			"events":   events,
			"count":    len(events),
		})
	}
}

// EventStatsHandler summarizes an audit's persisted stream.
func EventStatsHandler(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auditID := chi.URLParam(r, "id")

		latest, err := deps.Events.LatestSequence(r.Context(), auditID)
		if err != nil {
			deps.Logger.Error("failed to load latest sequence",
				zap.String("audit_id", auditID), zap.Error(err))
			respondError(w, http.StatusInternalServerError, "internal_error", "failed to load event stats")
			return
		}

		stats, err := deps.Events.Statistics(r.Context(), auditID)
		if err != nil {
			deps.Logger.Error("failed to load event statistics",
				zap.String("audit_id", auditID), zap.Error(err))
			respondError(w, http.StatusInternalServerError, "internal_error", "failed to load event stats")
			return
		}

		respondJSON(w, http.StatusOK, map[string]any{
			"audit_id":        auditID,
			"latest_sequence": latest,
			"statistics":      stats,
		})
	}
}

func parseInt64(s string, fallback int64) int64 {
	if s == "" {
		return fallback
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
