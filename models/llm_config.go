package models

import "time"

// LLMConfig is a stored provider configuration referenced from audit
// requests by ID. The API key never leaves the service.
type LLMConfig struct {
	ID          string    `json:"id" db:"id"`
	Provider    string    `json:"provider" db:"provider"`
	Model       string    `json:"model" db:"model"`
	APIKey      string    `json:"-" db:"api_key"`
	APIEndpoint string    `json:"api_endpoint,omitempty" db:"api_endpoint"`
	IsDefault   bool      `json:"is_default" db:"is_default"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}
