package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/upb/audit-control-plane/app"
	"github.com/upb/audit-control-plane/models"
	"github.com/upb/audit-control-plane/repositories"
	"go.uber.org/zap"
)

var validateConfig = validator.New()

// llmConfigRequest is the create/update body. The API key is accepted
// on write but never echoed back; responses rely on the model's
// serialization which omits it.
type llmConfigRequest struct {
	Provider    string `json:"provider" validate:"required"`
	Model       string `json:"model" validate:"required"`
	APIKey      string `json:"api_key" validate:"required"`
	APIEndpoint string `json:"api_endpoint" validate:"omitempty,url"`
	IsDefault   bool   `json:"is_default"`
}

// ListLLMConfigsHandler returns every stored provider config.
func ListLLMConfigsHandler(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		configs, err := deps.LLMConfigs.List(r.Context())
		if err != nil {
			deps.Logger.Error("failed to list llm configs", zap.Error(err))
			respondError(w, http.StatusInternalServerError, "internal_error", "failed to list llm configs")
			return
		}
		if configs == nil {
			configs = []*models.LLMConfig{}
		}
		respondJSON(w, http.StatusOK, map[string]any{
			"configs": configs,
			"count":   len(configs),
		})
	}
}

// CreateLLMConfigHandler stores a new provider config.
func CreateLLMConfigHandler(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req llmConfigRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "request body must be valid JSON")
			return
		}
		if err := validateConfig.Struct(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}

		cfg := &models.LLMConfig{
			ID:          uuid.New().String(),
			Provider:    req.Provider,
			Model:       req.Model,
			APIKey:      req.APIKey,
			APIEndpoint: req.APIEndpoint,
			IsDefault:   req.IsDefault,
		}
		if err := deps.LLMConfigs.Upsert(r.Context(), cfg); err != nil {
			deps.Logger.Error("failed to store llm config", zap.Error(err))
			respondError(w, http.StatusInternalServerError, "internal_error", "failed to store llm config")
			return
		}
		if req.IsDefault {
			if err := deps.LLMConfigs.SetDefault(r.Context(), cfg.ID); err != nil {
				deps.Logger.Error("failed to set default llm config", zap.Error(err))
				respondError(w, http.StatusInternalServerError, "internal_error", "failed to set default llm config")
				return
			}
		}

		deps.Logger.Info("llm config created",
			zap.String("id", cfg.ID),
			zap.String("provider", cfg.Provider),
			zap.String("model", cfg.Model))
		respondJSON(w, http.StatusCreated, cfg)
	}
}

// GetLLMConfigHandler returns one stored config by ID.
func GetLLMConfigHandler(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		cfg, err := deps.LLMConfigs.GetByID(r.Context(), id)
		if err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				respondError(w, http.StatusNotFound, "not_found", "llm config does not exist")
				return
			}
			deps.Logger.Error("failed to load llm config", zap.Error(err))
			respondError(w, http.StatusInternalServerError, "internal_error", "failed to load llm config")
			return
		}
		respondJSON(w, http.StatusOK, cfg)
	}
}

// UpdateLLMConfigHandler replaces an existing config in place.
func UpdateLLMConfigHandler(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		if _, err := deps.LLMConfigs.GetByID(r.Context(), id); err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				respondError(w, http.StatusNotFound, "not_found", "llm config does not exist")
				return
			}
			deps.Logger.Error("failed to load llm config", zap.Error(err))
			respondError(w, http.StatusInternalServerError, "internal_error", "failed to load llm config")
			return
		}

		var req llmConfigRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "request body must be valid JSON")
			return
		}
		if err := validateConfig.Struct(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}

		cfg := &models.LLMConfig{
			ID:          id,
			Provider:    req.Provider,
			Model:       req.Model,
			APIKey:      req.APIKey,
			APIEndpoint: req.APIEndpoint,
			IsDefault:   req.IsDefault,
		}
		if err := deps.LLMConfigs.Upsert(r.Context(), cfg); err != nil {
			deps.Logger.Error("failed to store llm config", zap.Error(err))
			respondError(w, http.StatusInternalServerError, "internal_error", "failed to store llm config")
			return
		}
		if req.IsDefault {
			if err := deps.LLMConfigs.SetDefault(r.Context(), id); err != nil {
				deps.Logger.Error("failed to set default llm config", zap.Error(err))
				respondError(w, http.StatusInternalServerError, "internal_error", "failed to set default llm config")
				return
			}
		}
		respondJSON(w, http.StatusOK, cfg)
	}
}

// SetDefaultLLMConfigHandler marks one config as the default used when
// an audit submission names no config.
func SetDefaultLLMConfigHandler(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		if err := deps.LLMConfigs.SetDefault(r.Context(), id); err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				respondError(w, http.StatusNotFound, "not_found", "llm config does not exist")
				return
			}
			deps.Logger.Error("failed to set default llm config", zap.Error(err))
			respondError(w, http.StatusInternalServerError, "internal_error", "failed to set default llm config")
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": "default"})
	}
}

// DeleteLLMConfigHandler removes a stored config.
func DeleteLLMConfigHandler(deps *app.Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		if err := deps.LLMConfigs.Delete(r.Context(), id); err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				respondError(w, http.StatusNotFound, "not_found", "llm config does not exist")
				return
			}
			deps.Logger.Error("failed to delete llm config", zap.Error(err))
			respondError(w, http.StatusInternalServerError, "internal_error", "failed to delete llm config")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
