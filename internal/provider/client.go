package provider

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
)

const (
	maxErrorBody   = 700
	defaultTimeout = 30 * time.Second
)

// ClientConfig is shared by every vendor adapter.
type ClientConfig struct {
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	HTTPClient *http.Client
	// RequestsPerSecond throttles outbound calls. Zero disables the limit.
	RequestsPerSecond float64
}

// HTTPError is a non-2xx vendor response with its body truncated.
type HTTPError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s status %d: %s", e.Provider, e.StatusCode, e.Message)
}

func (e *HTTPError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == http.StatusUnauthorized ||
		e.StatusCode == http.StatusForbidden ||
		e.StatusCode >= 500
}

// Unwrap classifies the response so callers can use errors.Is with the
// package sentinels.
func (e *HTTPError) Unwrap() error {
	if e.Transient() {
		return ErrProviderUnavailable
	}
	return ErrProviderRejected
}

type request struct {
	method  string
	path    string
	body    any
	headers map[string]string
}

type response struct {
	status      int
	contentType string
	body        []byte
}

type httpClient struct {
	name       string
	baseURL    string
	timeout    time.Duration
	maxRetries int
	httpClient *http.Client
	limiter    *rate.Limiter
	authorize  func(*http.Request)
}

// MaxCallDuration is how long one adapter call may take once every retry and
// backoff is spent. Rate limiter waits are not included.
func (c ClientConfig) MaxCallDuration() time.Duration {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retries := max(c.MaxRetries, 0)
	total := timeout * time.Duration(retries+1)
	for attempt := 0; attempt < retries; attempt++ {
		total += retryBackoff(attempt)
	}
	return total
}

func retryBackoff(attempt int) time.Duration {
	return time.Duration(350*(attempt+1)) * time.Millisecond
}

func newHTTPClient(name, defaultBaseURL string, config ClientConfig, authorize func(*http.Request)) *httpClient {
	if strings.TrimSpace(config.BaseURL) == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if config.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), max(1, int(config.RequestsPerSecond)))
	}

	return &httpClient{
		name:       name,
		baseURL:    strings.TrimSuffix(config.BaseURL, "/"),
		timeout:    config.Timeout,
		maxRetries: config.MaxRetries,
		httpClient: config.HTTPClient,
		limiter:    limiter,
		authorize:  authorize,
	}
}

func bearer(apiKey string) func(*http.Request) {
	apiKey = strings.TrimSpace(apiKey)
	return func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer "+apiKey)
	}
}

func headerKey(header, apiKey string) func(*http.Request) {
	apiKey = strings.TrimSpace(apiKey)
	return func(r *http.Request) {
		r.Header.Set(header, apiKey)
	}
}

// doJSON sends req and decodes a JSON response into out when out is not nil.
func (c *httpClient) doJSON(ctx context.Context, req request, out any) (int, error) {
	resp, err := c.do(ctx, req)
	if err != nil {
		return 0, err
	}
	if out == nil || len(bytes.TrimSpace(resp.body)) == 0 {
		return resp.status, nil
	}
	if err := json.Unmarshal(resp.body, out); err != nil {
		return resp.status, fmt.Errorf("decode %s response: %w", c.name, errors.Join(err, ErrProviderUnavailable))
	}
	return resp.status, nil
}

func (c *httpClient) do(ctx context.Context, req request) (response, error) {
	var payload []byte
	if req.body != nil {
		encoded, err := json.Marshal(req.body)
		if err != nil {
			return response{}, fmt.Errorf("marshal %s payload: %w", c.name, err)
		}
		payload = encoded
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return response{}, fmt.Errorf("%s rate limit wait: %w", c.name, errors.Join(err, ErrProviderUnavailable))
		}

		resp, callErr := c.call(ctx, req, payload)
		if callErr == nil {
			return resp, nil
		}
		lastErr = callErr

		if !isRetryable(callErr) || attempt == c.maxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return response{}, fmt.Errorf("%s: %w", c.name, errors.Join(ctx.Err(), ErrProviderUnavailable))
		case <-time.After(retryBackoff(attempt)):
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("unknown %s error: %w", c.name, ErrProviderUnavailable)
	}
	return response{}, lastErr
}

func (c *httpClient) call(ctx context.Context, req request, payload []byte) (response, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpRequest, err := http.NewRequestWithContext(timeoutCtx, req.method, c.baseURL+req.path, body)
	if err != nil {
		return response{}, fmt.Errorf("create %s request: %w", c.name, err)
	}
	if payload != nil {
		httpRequest.Header.Set("Content-Type", "application/json")
	}
	httpRequest.Header.Set("Accept", "application/json")
	if c.authorize != nil {
		c.authorize(httpRequest)
	}
	for key, value := range req.headers {
		httpRequest.Header.Set(key, value)
	}

	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			return response{}, fmt.Errorf("%s timeout: %w", c.name, errors.Join(err, ErrProviderUnavailable))
		}
		return response{}, fmt.Errorf("%s transport error: %w", c.name, errors.Join(err, ErrProviderUnavailable))
	}
	defer httpResponse.Body.Close()

	raw, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return response{}, fmt.Errorf("read %s body: %w", c.name, errors.Join(err, ErrProviderUnavailable))
	}

	if httpResponse.StatusCode < 200 || httpResponse.StatusCode > 299 {
		message := strings.TrimSpace(string(raw))
		if len(message) > maxErrorBody {
			message = message[:maxErrorBody]
		}
		return response{}, &HTTPError{
			Provider:   c.name,
			StatusCode: httpResponse.StatusCode,
			Message:    message,
		}
	}

	return response{
		status:      httpResponse.StatusCode,
		contentType: httpResponse.Header.Get("Content-Type"),
		body:        raw,
	}, nil
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= 500
	}
	return errors.Is(err, ErrProviderUnavailable) && !errors.Is(err, context.Canceled)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func clampProgress(value float64) int {
	switch {
	case value <= 0:
		return 0
	case value >= 100:
		return 100
	default:
		return int(value)
	}
}
