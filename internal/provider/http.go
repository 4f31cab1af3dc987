package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/newpush/coach-sub004/internal/canonical"
	"github.com/newpush/coach-sub004/internal/metrics"
)

const maxErrorBody = 4096

// HTTPClient performs single-shot JSON requests against a provider API and
// maps failures onto the adapter error kinds. It never retries; retry policy
// belongs to whoever scheduled the sync.
type HTTPClient struct {
	Provider canonical.Provider
	BaseURL  string
	Client   *http.Client
	Logger   *slog.Logger

	// Authorize decorates each request with credentials
	Authorize func(req *http.Request, creds Credentials)
	// OnResponse observes every response, e.g. to read rate-limit headers
	OnResponse func(resp *http.Response)
}

// NewHTTPClient creates a client with the default timeout
func NewHTTPClient(p canonical.Provider, baseURL string, authorize func(*http.Request, Credentials)) *HTTPClient {
	return &HTTPClient{
		Provider:  p,
		BaseURL:   baseURL,
		Client:    &http.Client{Timeout: 30 * time.Second},
		Logger:    slog.Default(),
		Authorize: authorize,
	}
}

// GetJSON issues a GET for path and decodes the body into out.
// op names the operation for logs and metrics.
func (c *HTTPClient) GetJSON(ctx context.Context, op, path string, creds Credentials, out any) error {
	body, err := c.Get(ctx, op, path, creds)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &Error{Kind: KindMalformed, Provider: c.Provider, Op: op, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

// Get issues a GET for path and returns the raw body of a 2xx response
func (c *HTTPClient) Get(ctx context.Context, op, path string, creds Credentials) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.Authorize != nil {
		c.Authorize(req, creds)
	}

	start := time.Now()
	resp, err := c.Client.Do(req)
	duration := time.Since(start)
	metrics.ProviderRequestDuration.WithLabelValues(string(c.Provider), op).Observe(duration.Seconds())

	if err != nil {
		metrics.ProviderRequestsTotal.WithLabelValues(string(c.Provider), op, "error").Inc()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		c.Logger.Warn("provider request failed", "provider", c.Provider, "op", op, "error", err)
		return nil, &Error{Kind: KindTransient, Provider: c.Provider, Op: op, Err: err}
	}
	defer resp.Body.Close()

	metrics.ProviderRequestsTotal.WithLabelValues(string(c.Provider), op, strconv.Itoa(resp.StatusCode)).Inc()
	if c.OnResponse != nil {
		c.OnResponse(resp)
	}

	c.Logger.Debug("provider_api_request",
		"provider", c.Provider,
		"op", op,
		"status", resp.StatusCode,
		"duration_ms", duration.Milliseconds(),
		"user_id", creds.UserID)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &Error{Kind: KindTransient, Provider: c.Provider, Op: op, Err: fmt.Errorf("failed to read body: %w", err)}
		}
		return body, nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return nil, ClassifyStatus(c.Provider, op, resp.StatusCode, resp.Header, snippet)
}

// ClassifyStatus maps a non-2xx HTTP response to an adapter error
func ClassifyStatus(p canonical.Provider, op string, status int, header http.Header, body []byte) *Error {
	e := &Error{Provider: p, Op: op, StatusCode: status}
	if len(body) > 0 {
		e.Err = errors.New(string(body))
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = KindAuthExpired
	case status == http.StatusTooManyRequests:
		e.Kind = KindRateLimited
		e.RetryAfter = ParseRetryAfter(header)
	case status >= 500 || status == http.StatusRequestTimeout:
		e.Kind = KindTransient
	default:
		e.Kind = KindMalformed
	}
	return e
}

// ParseRetryAfter reads a Retry-After header given in seconds or as an HTTP date
func ParseRetryAfter(header http.Header) time.Duration {
	v := header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
