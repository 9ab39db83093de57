// Package scanner is the HTTP client for the rule-scanning backend
// used by the recon and scan stages.
package scanner
