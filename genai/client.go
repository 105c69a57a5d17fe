// Package genai is a minimal REST client for the Gemini generateContent
// API. Failures are classified into the sentinel errors the worker loop
// dispatches on: rate limiting, credential problems, and everything
// else.
package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/mindhive/annotad/errors"
)

const (
	// DefaultModel is the default Gemini model.
	DefaultModel = "gemini-2.0-flash"

	// BaseURL is the Gemini API endpoint.
	BaseURL = "https://generativelanguage.googleapis.com/v1beta"
)

// Config holds Gemini client configuration.
type Config struct {
	APIKey     string
	Model      string
	BaseURL    string // overridable for tests
	MaxRetries int    // transient-failure retries per request
	Timeout    time.Duration
}

// Client represents a Gemini API client.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	maxRetries int
	httpClient *http.Client
}

// NewClient creates a Gemini client. The API key must be non-empty.
func NewClient(config Config) (*Client, error) {
	if strings.TrimSpace(config.APIKey) == "" {
		return nil, errors.Wrap(errors.ErrInvalidCredential, "API key cannot be empty")
	}
	if config.Model == "" {
		config.Model = DefaultModel
	}
	if config.BaseURL == "" {
		config.BaseURL = BaseURL
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.Timeout == 0 {
		config.Timeout = 120 * time.Second
	}
	return &Client{
		apiKey:     config.APIKey,
		model:      config.Model,
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		maxRetries: config.MaxRetries,
		httpClient: &http.Client{Timeout: config.Timeout},
	}, nil
}

// SetHTTPClient allows overriding the HTTP client for testing.
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

type generateRequest struct {
	Contents []content `json:"contents"`
}

type content struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []part `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// Generate sends a single-turn prompt and returns the concatenated
// response text. Transient network failures are retried with linear
// backoff; API-level failures are classified and returned immediately.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * time.Second
			select {
			case <-ctx.Done():
				return "", errors.Wrap(ctx.Err(), "generate cancelled")
			case <-time.After(delay):
			}
		}

		text, err := c.generate(ctx, prompt)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !isRetryableError(err) {
			return "", err
		}
	}
	return "", errors.Wrapf(lastErr, "generate failed after %d retries", c.maxRetries)
}

func (c *Client) generate(ctx context.Context, prompt string) (string, error) {
	reqBody, err := json.Marshal(generateRequest{
		Contents: []content{
			{Role: "user", Parts: []part{{Text: prompt}}},
		},
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal request")
	}

	url := c.baseURL + "/models/" + c.model + ":generateContent"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return "", errors.Wrap(err, "failed to create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", errors.Wrap(err, "failed to send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrap(err, "failed to read response")
	}

	if resp.StatusCode != http.StatusOK {
		return "", classifyAPIError(resp.StatusCode, respBody)
	}

	var genResp generateResponse
	if err := json.Unmarshal(respBody, &genResp); err != nil {
		return "", errors.Wrap(err, "failed to unmarshal response")
	}
	if genResp.Error != nil {
		return "", classifyAPIError(genResp.Error.Code, []byte(genResp.Error.Message))
	}

	var text strings.Builder
	for _, cand := range genResp.Candidates {
		for _, p := range cand.Content.Parts {
			text.WriteString(p.Text)
		}
	}
	return text.String(), nil
}

// classifyAPIError maps provider failures onto the sentinels the worker
// loop handles: 429/quota wording means rate limiting, 403/key wording
// means a bad credential, anything else is a plain API error.
func classifyAPIError(status int, body []byte) error {
	msg := strings.ToLower(string(body))

	switch {
	case status == http.StatusTooManyRequests,
		strings.Contains(msg, "quota"),
		strings.Contains(msg, "rate limit"):
		return errors.Wrapf(errors.ErrRateLimited, "API status %d: %s", status, truncate(body))

	case status == http.StatusForbidden,
		strings.Contains(msg, "permission"),
		strings.Contains(msg, "api key"),
		strings.Contains(msg, "invalid") && strings.Contains(msg, "key"):
		return errors.Wrapf(errors.ErrInvalidCredential, "API status %d: %s", status, truncate(body))

	default:
		return errors.Newf("API request failed with status %d: %s", status, truncate(body))
	}
}

func truncate(body []byte) string {
	const max = 512
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}

func isRetryableError(err error) bool {
	if errors.IsAny(err, errors.ErrRateLimited, errors.ErrInvalidCredential) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, transient := range []string{
		"connection reset by peer",
		"connection refused",
		"temporary failure",
		"network is unreachable",
		"i/o timeout",
		"status 500",
		"status 502",
		"status 503",
	} {
		if strings.Contains(errStr, transient) {
			return true
		}
	}
	return false
}
