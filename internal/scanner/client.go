package scanner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
)

// ProjectStructure describes what the backend knows about a project's
// layout, consumed by the recon stage.
type ProjectStructure struct {
	ProjectID  string         `json:"project_id"`
	FileCount  int            `json:"file_count"`
	TotalBytes int64          `json:"total_bytes"`
	Languages  map[string]int `json:"languages"`
	EntryFiles []string       `json:"entry_files"`
}

// RuleMatch is one rule-scan hit.
type RuleMatch struct {
	RuleID     string `json:"rule_id"`
	Severity   string `json:"severity"`
	Type       string `json:"type"`
	FilePath   string `json:"file_path"`
	LineNumber int    `json:"line_number"`
	Snippet    string `json:"snippet"`
	Message    string `json:"message"`
}

// ScanResult is the backend's response to a rule scan.
type ScanResult struct {
	ProjectID    string      `json:"project_id"`
	Matches      []RuleMatch `json:"matches"`
	FilesScanned int         `json:"files_scanned"`
	DurationMS   int64       `json:"duration_ms"`
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
}

// Client talks to the scanning backend. Safe for concurrent use.
type Client struct {
	opts   Options
	http   *http.Client
	logger *zap.Logger
}

// NewClient creates a scanner client.
func NewClient(opts Options, logger *zap.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	return &Client{
		opts:   opts,
		http:   &http.Client{Timeout: opts.Timeout},
		logger: logger,
	}
}

// Structure fetches the project layout summary.
func (c *Client) Structure(ctx context.Context, projectID string) (*ProjectStructure, error) {
	var out ProjectStructure
	path := fmt.Sprintf("/api/projects/%s/structure", projectID)
	if err := c.get(ctx, path, &out); err != nil {
		return nil, fmt.Errorf("failed to fetch project structure: %w", err)
	}
	return &out, nil
}

// Scan runs the rule scanner against a project.
func (c *Client) Scan(ctx context.Context, projectID string, targetTypes []string) (*ScanResult, error) {
	payload, err := json.Marshal(map[string]any{
		"project_id":   projectID,
		"target_types": targetTypes,
	})
	if err != nil {
		return nil, err
	}

	var out ScanResult
	if err := c.post(ctx, "/api/scan", payload, &out); err != nil {
		return nil, fmt.Errorf("rule scan failed: %w", err)
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body []byte, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.opts.MaxRetries))
	return backoff.Retry(func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.opts.BaseURL+path, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			c.logger.Debug("scanner call retry", zap.String("path", path), zap.Error(err))
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
		if err != nil {
			return err
		}
		switch {
		case resp.StatusCode >= http.StatusInternalServerError:
			return fmt.Errorf("scanner returned status %d", resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			return backoff.Permanent(fmt.Errorf("scanner rejected request with status %d", resp.StatusCode))
		}
		if err := json.Unmarshal(data, out); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode scanner response: %w", err))
		}
		return nil
	}, backoff.WithContext(policy, ctx))
}
