package llm

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
	"golang.org/x/time/rate"
)

// Message is a single turn in a chat conversation.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// Request is a chat completion request.
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

// Response is a chat completion response reduced to what the audit
// stages consume.
type Response struct {
	Content      string
	Model        string
	TotalTokens  int
	Latency      time.Duration
	FinishReason string
}

// Options configures a Client.
type Options struct {
	Provider   string
	Model      string
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	RateLimit  float64
	RateBurst  int
}

// Client calls an OpenAI-compatible chat completion endpoint. With no
// API key configured the client runs in mock mode and answers
// deterministically, which keeps audits runnable in development.
// Safe for concurrent use.
type Client struct {
	opts    Options
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewClient creates a chat completion client.
func NewClient(opts Options, logger *zap.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 5
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 10
	}
	return &Client{
		opts:    opts,
		http:    &http.Client{Timeout: opts.Timeout},
		limiter: rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateBurst),
		logger:  logger,
	}
}

// MockMode reports whether the client answers without a real provider.
func (c *Client) MockMode() bool {
	return c.opts.APIKey == ""
}

// Complete performs one chat completion, waiting for rate-limit
// headroom first and retrying transient provider failures with
// exponential backoff.
func (c *Client) Complete(ctx context.Context, messages []Message) (*Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait: %w", err)
	}

	started := time.Now()
	if c.MockMode() {
		return c.mockResponse(messages, started), nil
	}

	req := Request{
		Model:       c.opts.Model,
		Messages:    messages,
		Temperature: 0.1,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode completion request: %w", err)
	}

	var resp *Response
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.opts.MaxRetries))
	err = backoff.Retry(func() error {
		var callErr error
		resp, callErr = c.call(ctx, body)
		if callErr != nil {
			c.logger.Debug("llm call retry", zap.Error(callErr))
		}
		return callErr
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return nil, fmt.Errorf("llm completion failed: %w", err)
	}

	resp.Latency = time.Since(started)
	return resp, nil
}

// wireResponse mirrors the OpenAI chat completion response shape.
type wireResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) call(ctx context.Context, body []byte) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.opts.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.opts.APIKey)

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, 4<<20))
	if err != nil {
		return nil, err
	}

	switch {
	case httpResp.StatusCode == http.StatusTooManyRequests,
		httpResp.StatusCode >= http.StatusInternalServerError:
		return nil, fmt.Errorf("provider returned status %d", httpResp.StatusCode)
	case httpResp.StatusCode != http.StatusOK:
		// Client-side errors do not improve on retry.
		return nil, backoff.Permanent(fmt.Errorf("provider rejected request with status %d: %s",
			httpResp.StatusCode, truncate(data, 200)))
	}

	var wire wireResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to decode provider response: %w", err))
	}
	if wire.Error != nil {
		return nil, backoff.Permanent(fmt.Errorf("provider error: %s", wire.Error.Message))
	}
	if len(wire.Choices) == 0 {
		return nil, fmt.Errorf("provider returned no choices")
	}

	return &Response{
		Content:      wire.Choices[0].Message.Content,
		Model:        wire.Model,
		TotalTokens:  wire.Usage.TotalTokens,
		FinishReason: wire.Choices[0].FinishReason,
	}, nil
}

func (c *Client) mockResponse(messages []Message, started time.Time) *Response {
	last := ""
	if len(messages) > 0 {
		last = messages[len(messages)-1].Content
	}
	return &Response{
		Content:      fmt.Sprintf(`{"mock": true, "analysis": "no provider configured", "prompt_chars": %d}`, len(last)),
		Model:        "mock",
		FinishReason: "stop",
		Latency:      time.Since(started),
	}
}

func truncate(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[:n]) + "..."
}
