// Package handlers implements the HTTP surface of the audit control
// plane. Every handler is a closure over the dependency container.
package handlers

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the common error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// respondJSON writes a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// respondError writes an error JSON response
func respondError(w http.ResponseWriter, statusCode int, err string, message string) {
	respondJSON(w, statusCode, ErrorResponse{
		Error:   err,
		Message: message,
	})
}
