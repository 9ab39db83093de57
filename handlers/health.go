package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/upb/audit-control-plane/app"
	"go.uber.org/zap"
)

// HealthCheck returns a simple health check handler
func HealthCheck(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}

// ReadinessCheck performs a more thorough readiness check
func ReadinessCheck(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		checks := map[string]string{}
		status := "ready"

		if err := deps.Store.HealthCheck(ctx); err != nil {
			status = "not_ready"
			checks["storage"] = "unhealthy"
			deps.Logger.Error("storage health check failed", zap.Error(err))
		} else {
			checks["storage"] = "healthy"
		}

		if deps.Bus.Running() {
			checks["event_bus"] = "running"
		} else {
			status = "not_ready"
			checks["event_bus"] = "stopped"
		}

		w.Header().Set("Content-Type", "application/json")
		if status == "ready" {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": status,
			"checks": checks,
		})
	}
}

// StatusHandler returns application status information
func StatusHandler(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]any{
			"version":       "0.1.0",
			"environment":   deps.Config.Environment,
			"active_audits": deps.Manager.ActiveCount(),
			"bus":           deps.Bus.Stats(),
		})
	}
}
