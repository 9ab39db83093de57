// Package llm is the chat-completion client used by analysis and
// verification stages.
//
// This package provides:
//   - An OpenAI-compatible chat completion call
//   - Retry with exponential backoff for transient failures
//   - Client-side rate limiting across concurrent audits
//   - A deterministic mock mode for development without credentials
package llm
