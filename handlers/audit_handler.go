package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/upb/audit-control-plane/app"
	"github.com/upb/audit-control-plane/services/audit"
	"go.uber.org/zap"
)

// StartAuditHandler accepts a new audit submission.
func StartAuditHandler(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req audit.StartRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "request body must be valid JSON")
			return
		}

		resp, err := deps.Manager.StartAudit(r.Context(), &req)
		if err != nil {
			switch {
			case errors.Is(err, audit.ErrUnknownLLMConfig):
				respondError(w, http.StatusBadRequest, "unknown_llm_config", err.Error())
			default:
				deps.Logger.Error("failed to start audit", zap.Error(err))
				respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
			}
			return
		}

		respondJSON(w, http.StatusAccepted, resp)
	}
}

// AuditStatusHandler reports audit progress.
func AuditStatusHandler(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auditID := chi.URLParam(r, "id")

		status, err := deps.Manager.Status(r.Context(), auditID)
		if err != nil {
			if errors.Is(err, audit.ErrAuditNotFound) {
				respondError(w, http.StatusNotFound, "not_found", "audit does not exist")
				return
			}
			deps.Logger.Error("failed to load audit status", zap.Error(err))
			respondError(w, http.StatusInternalServerError, "internal_error", "failed to load audit status")
			return
		}

		respondJSON(w, http.StatusOK, status)
	}
}

// AuditResultHandler returns the audit outcome. Well-formed for every
// terminal state; clients read the status field, not the HTTP code,
// to detect business failure.
func AuditResultHandler(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auditID := chi.URLParam(r, "id")

		result, err := deps.Manager.Result(r.Context(), auditID)
		if err != nil {
			if errors.Is(err, audit.ErrAuditNotFound) {
				respondError(w, http.StatusNotFound, "not_found", "audit does not exist")
				return
			}
			deps.Logger.Error("failed to load audit result", zap.Error(err))
			respondError(w, http.StatusInternalServerError, "internal_error", "failed to load audit result")
			return
		}

		respondJSON(w, http.StatusOK, result)
	}
}

// PauseAuditHandler pauses a running audit at the next stage boundary.
func PauseAuditHandler(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auditID := chi.URLParam(r, "id")

		if err := deps.Manager.Pause(auditID); err != nil {
			respondError(w, http.StatusConflict, "not_active", "audit has no running pipeline")
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"audit_id": auditID, "status": "pausing"})
	}
}

// ResumeAuditHandler lifts a pause.
func ResumeAuditHandler(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auditID := chi.URLParam(r, "id")

		if err := deps.Manager.Resume(auditID); err != nil {
			respondError(w, http.StatusConflict, "not_active", "audit has no running pipeline")
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"audit_id": auditID, "status": "resuming"})
	}
}

// CancelAuditHandler cancels an audit. Idempotent: repeated calls
// return the same terminal state.
func CancelAuditHandler(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auditID := chi.URLParam(r, "id")

		status, err := deps.Manager.Cancel(r.Context(), auditID)
		if err != nil {
			if errors.Is(err, audit.ErrAuditNotFound) {
				respondError(w, http.StatusNotFound, "not_found", "audit does not exist")
				return
			}
			deps.Logger.Error("failed to cancel audit", zap.Error(err))
			respondError(w, http.StatusInternalServerError, "internal_error", "failed to cancel audit")
			return
		}

		respondJSON(w, http.StatusOK, map[string]string{"audit_id": auditID, "status": string(status)})
	}
}
