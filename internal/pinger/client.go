// Package pinger talks to the host process that performs model pings and
// owns the local runtime.
package pinger

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

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/hochfrequenz/wakeup-engine/internal/wakeuperr"
)

// Request is one ping of one model on one account
type Request struct {
	AccountID       string `json:"accountId"`
	Model           string `json:"model"`
	Prompt          string `json:"prompt"`
	MaxOutputTokens int    `json:"maxOutputTokens"`
}

// Response is a successful ping reply. Token counts and ids are optional.
type Response struct {
	Reply            string `json:"reply"`
	PromptTokens     *int   `json:"promptTokens,omitempty"`
	CompletionTokens *int   `json:"completionTokens,omitempty"`
	TotalTokens      *int   `json:"totalTokens,omitempty"`
	TraceID          string `json:"traceId,omitempty"`
	ResponseID       string `json:"responseId,omitempty"`
	DurationMs       *int64 `json:"durationMs,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Defaults for the HTTP client
const (
	DefaultAttempts   = 2
	DefaultTimeout    = 60 * time.Second
	DefaultAppName    = "antigravity"
	backoffBase       = 500 * time.Millisecond
	backoffMax        = 4 * time.Second
	maxErrorBodyBytes = 64 << 10
)

// Client calls the host gateway over HTTP
type Client struct {
	baseURL  string
	http     *http.Client
	attempts uint
	backoff  time.Duration
	app      string
	logger   *zap.Logger
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(c *http.Client) Option { return func(cl *Client) { cl.http = c } }

// WithAttempts sets how many times a retryable request is tried
func WithAttempts(n int) Option {
	return func(cl *Client) {
		if n > 0 {
			cl.attempts = uint(n)
		}
	}
}

// WithBackoff sets the initial retry delay
func WithBackoff(d time.Duration) Option { return func(cl *Client) { cl.backoff = d } }

// WithAppName names the host application in readiness errors that do
// not carry one
func WithAppName(name string) Option { return func(cl *Client) { cl.app = name } }

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option { return func(cl *Client) { cl.logger = l } }

// New creates a client for the gateway at baseURL
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: DefaultTimeout},
		attempts: DefaultAttempts,
		backoff:  backoffBase,
		app:      DefaultAppName,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("pinger")
	return c
}

// gatewayError is a failure the gateway reported in its response body
type gatewayError struct {
	status int
	raw    string
}

func (e *gatewayError) Error() string { return e.raw }

// Ping sends one ping. Failures reported by the gateway come back as
// *wakeuperr.PingError carrying the raw gateway string.
func (c *Client) Ping(ctx context.Context, req Request) (*Response, error) {
	var resp Response
	if err := c.post(ctx, "/wakeup/ping", req, &resp); err != nil {
		var ge *gatewayError
		if errors.As(err, &ge) {
			return nil, wakeuperr.NewPingError(ge.raw)
		}
		return nil, err
	}
	return &resp, nil
}

// EnsureReady asks the host to prepare the runtime. A missing runtime path
// is reported as a *wakeuperr.RuntimeNotReadyError with PathMissing set.
func (c *Client) EnsureReady(ctx context.Context) error {
	err := c.post(ctx, "/wakeup/ready", struct{}{}, nil)
	if err == nil {
		return nil
	}
	var ge *gatewayError
	if errors.As(err, &ge) {
		rn := wakeuperr.ParseRuntimeError(ge.raw)
		if rn.App == "" {
			rn.App = c.app
		}
		return rn
	}
	return err
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.backoff
	policy.MaxInterval = backoffMax

	notify := func(err error, d time.Duration) {
		c.logger.Warn("retrying gateway request", zap.String("path", path), zap.Error(err), zap.Duration("backoff", d))
	}

	operation := func() (struct{}, error) {
		return struct{}{}, c.do(ctx, path, body, out)
	}

	_, err = backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(c.attempts),
		backoff.WithNotify(notify))
	return err
}

func (c *Client) do(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("decoding gateway response: %w", err))
		}
		return nil
	}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	raw := strings.TrimSpace(string(data))
	var eb errorBody
	if json.Unmarshal(data, &eb) == nil && eb.Error != "" {
		raw = eb.Error
	}
	if raw == "" {
		raw = fmt.Sprintf("gateway returned %d", resp.StatusCode)
	}
	gerr := &gatewayError{status: resp.StatusCode, raw: raw}
	if resp.StatusCode >= 500 {
		return gerr
	}
	return backoff.Permanent(gerr)
}
