// Package helius talks to the Helius indexer: the enhanced transactions REST
// API for history pages and the DAS JSON-RPC API for token metadata.
package helius

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/txscope/service/metrics"
)

// Default configuration values.
const (
	DefaultAPIURL      = "https://api.helius.xyz"
	DefaultRPCURL      = "https://mainnet.helius-rpc.com"
	DefaultTimeout     = 30 * time.Second
	DefaultMaxRetries  = 3
	DefaultRetryDelay  = 500 * time.Millisecond
	DefaultMaxDelay    = 10 * time.Second
	DefaultBackoffMult = 2.0
)

// ErrMissingAPIKey is returned by NewClient without an API key.
var ErrMissingAPIKey = errors.New("helius api key is required")

// StatusError is returned for a non-retryable HTTP status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// Client implements history.Fetcher and metadata.Fetcher on top of Helius.
type Client struct {
	apiKey      string
	apiURL      string
	rpcURL      string
	client      *http.Client
	maxRetries  int
	retryDelay  time.Duration
	maxDelay    time.Duration
	backoffMult float64
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// ClientOption configures Client.
type ClientOption func(*Client)

// WithAPIURL overrides the enhanced transactions base URL.
func WithAPIURL(u string) ClientOption {
	return func(c *Client) {
		c.apiURL = u
	}
}

// WithRPCURL overrides the DAS JSON-RPC endpoint.
func WithRPCURL(u string) ClientOption {
	return func(c *Client) {
		c.rpcURL = u
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.client.Timeout = d
	}
}

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.client = client
	}
}

// WithMaxRetries sets the number of retries after the first attempt.
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// WithRetryDelay sets the initial retry delay.
func WithRetryDelay(d time.Duration) ClientOption {
	return func(c *Client) {
		c.retryDelay = d
	}
}

// WithMaxDelay caps the retry delay.
func WithMaxDelay(d time.Duration) ClientOption {
	return func(c *Client) {
		c.maxDelay = d
	}
}

// WithMetrics records upstream calls.
func WithMetrics(m *metrics.Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a Helius client.
func NewClient(apiKey string, opts ...ClientOption) (*Client, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	c := &Client{
		apiKey:      apiKey,
		apiURL:      DefaultAPIURL,
		rpcURL:      DefaultRPCURL,
		client:      &http.Client{Timeout: DefaultTimeout},
		maxRetries:  DefaultMaxRetries,
		retryDelay:  DefaultRetryDelay,
		maxDelay:    DefaultMaxDelay,
		backoffMult: DefaultBackoffMult,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "helius")
	return c, nil
}

// do sends the request built by newReq, retrying transport errors, 429 and
// 5xx responses with exponential backoff. It returns the body of the first
// 2xx response.
func (c *Client) do(ctx context.Context, method, endpoint string, newReq func(ctx context.Context) (*http.Request, error)) ([]byte, error) {
	delay := c.retryDelay
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay = time.Duration(float64(delay) * c.backoffMult)
			if delay > c.maxDelay {
				delay = c.maxDelay
			}
		}

		req, err := newReq(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}

		start := time.Now()
		resp, err := c.client.Do(req)
		if err != nil {
			c.record(method, "error", endpoint, start)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("http request: %w", c.redact(err))
			c.retrying(ctx, method, "transport", attempt, lastErr)
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		c.record(method, strconv.Itoa(resp.StatusCode), endpoint, start)
		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			c.retrying(ctx, method, "read", attempt, lastErr)
			continue
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			if c.metrics != nil {
				c.metrics.RecordRateLimitHit(endpoint)
			}
			lastErr = fmt.Errorf("rate limited (429)")
			c.retrying(ctx, method, "rate_limit", attempt, lastErr)
			continue
		case resp.StatusCode >= 500:
			lastErr = &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
			c.retrying(ctx, method, "server_error", attempt, lastErr)
			continue
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
		}

		return body, nil
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// redact strips the API key from the URL carried by transport errors. Those
// errors end up in session status and API responses.
func (c *Client) redact(err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		urlErr.URL = strings.ReplaceAll(urlErr.URL, url.QueryEscape(c.apiKey), "REDACTED")
		urlErr.URL = strings.ReplaceAll(urlErr.URL, c.apiKey, "REDACTED")
	}
	return err
}

func (c *Client) record(method, status, endpoint string, start time.Time) {
	if c.metrics != nil {
		c.metrics.RecordUpstreamCall(method, status, endpoint, time.Since(start).Seconds())
	}
}

func (c *Client) retrying(ctx context.Context, method, reason string, attempt int, err error) {
	if attempt >= c.maxRetries {
		return
	}
	c.logger.DebugContext(ctx, "retrying helius request",
		"method", method,
		"reason", reason,
		"attempt", attempt+1,
		"error", err,
	)
	if c.metrics != nil {
		c.metrics.RecordUpstreamRetry(method, reason)
	}
}
