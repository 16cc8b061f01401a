// Package integrations provides HTTP clients for the payment, calendar and
// video providers that queue tasks act on.
package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/bissquit/booking-dispatch/internal/pkg/metrics"
)

const (
	defaultTimeout   = 10 * time.Second
	defaultRateLimit = 20
	maxErrorBody     = 512
)

// Errors returned by provider clients. They are wrapped in PermanentError or
// RetryableError, use errors.Is to check.
var (
	ErrNotFound      = errors.New("provider resource not found")
	ErrConflict      = errors.New("provider rejected a conflicting request")
	ErrNotConfigured = errors.New("provider is not configured")
)

// Config holds connection settings of one provider.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// RateLimit is the maximum number of requests per second.
	RateLimit float64
}

// client is the JSON-over-HTTP transport shared by provider clients.
type client struct {
	name       string
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
}

func newClient(name string, config Config) *client {
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	if config.RateLimit <= 0 {
		config.RateLimit = defaultRateLimit
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	return &client{
		name:   name,
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(config.RateLimit), 1),
	}
}

// do sends a JSON request and decodes a JSON response into out when out is
// not nil. idempotencyKey is forwarded as the Idempotency-Key header.
func (c *client) do(ctx context.Context, method, path string, in any, idempotencyKey string, out any) (err error) {
	if c.config.BaseURL == "" {
		return &PermanentError{Provider: c.name, Message: "base url is empty", Err: ErrNotConfigured}
	}

	start := time.Now()
	defer func() { metrics.ObserveProviderCall(c.name, start, err) }()

	if err := c.limiter.Wait(ctx); err != nil {
		return &RetryableError{Provider: c.name, Message: fmt.Sprintf("rate limit: %v", err)}
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", c.name, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("create %s request: %w", c.name, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &RetryableError{Provider: c.name, Message: fmt.Sprintf("send request: %v", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	return c.handleResponse(resp, out)
}

func (c *client) handleResponse(resp *http.Response, out any) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &RetryableError{Provider: c.name, Code: resp.StatusCode, Message: fmt.Sprintf("decode response: %v", err)}
		}
		return nil
	}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	message := strings.TrimSpace(string(data))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &PermanentError{Provider: c.name, Code: resp.StatusCode, Message: "not found", Err: ErrNotFound}
	case resp.StatusCode == http.StatusConflict:
		return &PermanentError{Provider: c.name, Code: resp.StatusCode, Message: message, Err: ErrConflict}
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return &PermanentError{Provider: c.name, Code: resp.StatusCode, Message: "invalid credentials"}
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout:
		return &RetryableError{Provider: c.name, Code: resp.StatusCode, Message: "rate limited"}
	case resp.StatusCode >= 500:
		return &RetryableError{Provider: c.name, Code: resp.StatusCode, Message: fmt.Sprintf("server error: %s", message)}
	default:
		return &PermanentError{Provider: c.name, Code: resp.StatusCode, Message: message}
	}
}

// PermanentError indicates a provider error that should not be retried.
type PermanentError struct {
	Provider string
	Code     int
	Message  string
	Err      error
}

func (e *PermanentError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("%s error %d: %s", e.Provider, e.Code, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Provider, e.Message)
}

// IsRetryable returns false as permanent errors should not be retried.
func (e *PermanentError) IsRetryable() bool { return false }

func (e *PermanentError) Unwrap() error { return e.Err }

// RetryableError indicates a temporary provider error.
type RetryableError struct {
	Provider string
	Code     int
	Message  string
}

func (e *RetryableError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("%s error %d: %s", e.Provider, e.Code, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Provider, e.Message)
}

// IsRetryable returns true as these errors are temporary.
func (e *RetryableError) IsRetryable() bool { return true }
