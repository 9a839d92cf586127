// Package graph is a small Microsoft Graph REST client: bearer auth from a
// token source, Graph error envelopes, GET retries and shared pacing.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"pimhelper.org/internal/ids"
	"pimhelper.org/internal/obs"
)

const (
	DefaultBaseURL = "https://graph.microsoft.com/v1.0"

	defaultTimeout = 15 * time.Second
	defaultRetries = 2
	defaultBackoff = 500 * time.Millisecond
	maxRetryAfter  = 30 * time.Second

	// MaxResponseSize bounds how much of a response body is read.
	MaxResponseSize int64 = 8 << 20
)

// TokenSource yields a bearer token for each request.
type TokenSource interface {
	GetValidToken(ctx context.Context) (string, error)
}

// Client issues Graph requests. Safe for concurrent use.
type Client struct {
	baseURL string
	tokens  TokenSource
	http    *http.Client
	limiter *rate.Limiter
	timeout time.Duration
	retries int
	backoff time.Duration
	maxBody int64
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option configures Client.
type Option func(*Client) error

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) error {
		if c != nil {
			cl.http = c
		}
		return nil
	}
}

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d > 0 {
			c.timeout = d
		}
		return nil
	}
}

// WithRetries sets how many times an idempotent request is retried.
func WithRetries(n int) Option {
	return func(c *Client) error {
		if n < 0 {
			return errors.New("graph: retries must not be negative")
		}
		c.retries = n
		return nil
	}
}

// WithBackoff sets the linear backoff step between retries.
func WithBackoff(d time.Duration) Option {
	return func(c *Client) error {
		c.backoff = d
		return nil
	}
}

// WithRateLimit paces all requests through one token bucket. A zero rate
// disables pacing.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) error {
		if perSecond <= 0 {
			c.limiter = nil
			return nil
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		return nil
	}
}

func WithMaxBodyBytes(n int64) Option {
	return func(c *Client) error {
		if n > 0 {
			c.maxBody = n
		}
		return nil
	}
}

// New constructs a Client. baseURL defaults to the Graph v1.0 endpoint.
func New(baseURL string, tokens TokenSource, opts ...Option) (*Client, error) {
	if tokens == nil {
		return nil, errors.New("graph: token source is required")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		http:    &http.Client{},
		timeout: defaultTimeout,
		retries: defaultRetries,
		backoff: defaultBackoff,
		maxBody: MaxResponseSize,
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Get issues a GET and decodes the JSON response into out.
func (c *Client) Get(ctx context.Context, endpoint string, out any) error {
	return c.Do(ctx, http.MethodGet, endpoint, nil, nil, out)
}

// Post issues a POST with a JSON body. It is never retried.
func (c *Client) Post(ctx context.Context, endpoint string, body, out any) error {
	return c.Do(ctx, http.MethodPost, endpoint, body, nil, out)
}

func (c *Client) resolve(endpoint string) string {
	if strings.HasPrefix(endpoint, "https://") || strings.HasPrefix(endpoint, "http://") {
		return endpoint
	}
	return c.baseURL + "/" + strings.TrimLeft(endpoint, "/")
}

func idempotent(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

// Do performs one logical request. Errors from the token source are
// returned unchanged; HTTP failures are *RequestError; an attempt that ran
// past the timeout surfaces as ErrTimeout.
func (c *Client) Do(ctx context.Context, method, endpoint string, body any, headers http.Header, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("graph: encode request body: %w", err)
		}
	}
	attempts := 1
	if idempotent(method) {
		attempts += c.retries
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * c.backoff
			var re *RequestError
			if errors.As(lastErr, &re) && re.retryAfter > delay {
				delay = re.retryAfter
			}
			obs.Debug("graph: retrying request", map[string]any{
				"method": method, "endpoint": obs.CanonicalPath(endpoint), "attempt": attempt, "delay_ms": delay.Milliseconds(),
			})
			if err := c.sleep(ctx, delay); err != nil {
				return err
			}
		}

		retry, err := c.attempt(ctx, method, endpoint, payload, headers, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			return err
		}
	}
	return lastErr
}

func (c *Client) attempt(ctx context.Context, method, endpoint string, payload []byte, headers http.Header, out any) (retry bool, err error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return false, err
		}
	}
	token, err := c.tokens.GetValidToken(ctx)
	if err != nil {
		return false, err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, c.resolve(endpoint), reader)
	if err != nil {
		return false, fmt.Errorf("graph: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("client-request-id", ids.ClientRequestID())
	for k, vs := range headers {
		req.Header.Del(k)
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		obs.ObserveGraphRequest(method, endpoint, 0, time.Since(start))
		return c.transportError(ctx, attemptCtx, method, endpoint, err)
	}
	data, readErr := io.ReadAll(io.LimitReader(resp.Body, c.maxBody))
	_ = resp.Body.Close()
	obs.ObserveGraphRequest(method, endpoint, resp.StatusCode, time.Since(start))
	if readErr != nil {
		return c.transportError(ctx, attemptCtx, method, endpoint, readErr)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || len(bytes.TrimSpace(data)) == 0 {
			return false, nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return false, fmt.Errorf("graph: decode %s response: %w", obs.CanonicalPath(endpoint), err)
		}
		return false, nil
	}

	re := parseError(method, endpoint, resp.StatusCode, resp.Status, data)
	re.retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	obs.Warn("graph: request failed", map[string]any{
		"method":     method,
		"endpoint":   obs.CanonicalPath(endpoint),
		"status":     resp.StatusCode,
		"code":       re.Code,
		"request_id": req.Header.Get("client-request-id"),
	})
	return resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500, re
}

func (c *Client) transportError(parent, attemptCtx context.Context, method, endpoint string, err error) (bool, error) {
	if parent.Err() != nil {
		return false, parent.Err()
	}
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return true, fmt.Errorf("%w: %s %s after %s", ErrTimeout, method, obs.CanonicalPath(endpoint), c.timeout)
	}
	return true, fmt.Errorf("graph: %s %s: %w", method, obs.CanonicalPath(endpoint), err)
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	d := time.Duration(secs) * time.Second
	if d > maxRetryAfter {
		d = maxRetryAfter
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
