package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultRateLimitBase is the fixed part of the delay before a rate limited request is retransmitted
	DefaultRateLimitBase = 1000 * time.Millisecond
	// DefaultRateLimitJitter is the upper bound of the random part of that delay
	DefaultRateLimitJitter = 6400 * time.Millisecond
	// DefaultPollInterval is the wait before each poll of a running job
	DefaultPollInterval = 1600 * time.Millisecond
)

var (
	// ErrMalformedResponse is returned when a diffusion response is neither a job handle nor a finished run
	ErrMalformedResponse = errors.New("diffusion response carries neither call_id nor diffusion")
)

// IsCanceled reports whether err was caused by cancellation
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

// CallOptions are the optional parts of a Call
type CallOptions struct {
	// Args are sent as the query string
	Args url.Values
}

// Client is the top level object that talks to the diffusion grid backend
type Client struct {
	apiRoot         string
	clientid        string
	authorization   string
	callbacks       *Callbacks
	metrics         *Metrics
	cache           ResultCache
	rateLimitBase   time.Duration
	rateLimitJitter time.Duration
	pollInterval    time.Duration
	httpclient      *http.Client
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient sets the underlying http client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpclient = hc
	}
}

// WithCallbacks sets the event listeners
func WithCallbacks(cb *Callbacks) Option {
	return func(c *Client) {
		c.callbacks = cb
	}
}

// WithErrorListener sets only the error listener, keeping the other callbacks
func WithErrorListener(fn func(error)) Option {
	return func(c *Client) {
		if c.callbacks == nil {
			c.callbacks = &Callbacks{}
		}
		c.callbacks.OnError = fn
	}
}

// WithAuthorization sets the Authorization header sent with every request
func WithAuthorization(value string) Option {
	return func(c *Client) {
		c.authorization = value
	}
}

// WithRateLimitBackoff sets the delay range used after a 429 response: base plus up to jitter
func WithRateLimitBackoff(base, jitter time.Duration) Option {
	return func(c *Client) {
		c.rateLimitBase = base
		c.rateLimitJitter = jitter
	}
}

// WithPollInterval sets the wait before each poll of a running job
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		c.pollInterval = d
	}
}

// WithMetrics records client activity in m
func WithMetrics(m *Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithCache serves finished branches from rc and stores new ones into it
func WithCache(rc ResultCache) Option {
	return func(c *Client) {
		c.cache = rc
	}
}

// NewClient creates a new client for the backend rooted at apiRoot (e.g. "http://localhost:8000/api")
func NewClient(apiRoot string, opts ...Option) *Client {
	retv := &Client{
		apiRoot:         strings.TrimSuffix(apiRoot, "/"),
		clientid:        uuid.New().String(),
		callbacks:       DefaultCallbacks(),
		rateLimitBase:   DefaultRateLimitBase,
		rateLimitJitter: DefaultRateLimitJitter,
		pollInterval:    DefaultPollInterval,
		httpclient:      &http.Client{},
	}
	for _, opt := range opts {
		opt(retv)
	}
	return retv
}

// ClientID returns the unique client ID sent to the backend
func (c *Client) ClientID() string {
	return c.clientid
}

// Get sends a GET request and returns the decoded JSON response
func (c *Client) Get(ctx context.Context, path string, opts *CallOptions) (json.RawMessage, error) {
	return c.Call(ctx, http.MethodGet, path, nil, opts)
}

// Post sends a POST request with a JSON body and returns the decoded JSON response
func (c *Client) Post(ctx context.Context, path string, body any, opts *CallOptions) (json.RawMessage, error) {
	return c.Call(ctx, http.MethodPost, path, body, opts)
}

// Call sends a request to the backend and returns its JSON response.
// A 429 response is retransmitted after a random delay until the backend answers with
// anything else; every other status is treated as a completed response.
// Failures are reported to the error listener unless they were caused by cancellation of ctx.
func (c *Client) Call(ctx context.Context, method string, path string, body any, opts *CallOptions) (json.RawMessage, error) {
	retv, err := c.call(ctx, method, path, body, opts)
	if err != nil {
		return nil, c.fail(method, path, err)
	}
	return retv, nil
}

func (c *Client) call(ctx context.Context, method string, path string, body any, opts *CallOptions) (json.RawMessage, error) {
	var data []byte
	if body != nil {
		var err error
		data, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
	}

	endpoint := c.apiRoot + path
	if opts != nil && len(opts.Args) > 0 {
		endpoint += "?" + opts.Args.Encode()
	}

	for {
		var reader io.Reader
		if data != nil {
			reader = bytes.NewReader(data)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Client-ID", c.clientid)
		if c.authorization != "" {
			req.Header.Set("Authorization", c.authorization)
		}

		resp, err := c.httpclient.Do(req)
		if err != nil {
			return nil, err
		}
		c.metrics.observeRequest(method, resp.StatusCode)

		if resp.StatusCode == http.StatusTooManyRequests {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			delay := c.rateLimitDelay()
			c.metrics.observeRateLimited()
			c.callbacks.rateLimited(method, path, delay)
			if err := sleep(ctx, delay); err != nil {
				return nil, err
			}
			continue
		}

		raw, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}
		if !json.Valid(raw) {
			return nil, fmt.Errorf("%s %s: status %d: response is not valid JSON", method, path, resp.StatusCode)
		}
		return json.RawMessage(raw), nil
	}
}

// fail routes err to the error listener unless it was caused by cancellation, and returns it
func (c *Client) fail(method string, path string, err error) error {
	if IsCanceled(err) {
		c.metrics.observeCanceled()
		c.callbacks.canceled(method, path)
		return err
	}
	c.metrics.observeError()
	c.callbacks.reportError(err)
	return err
}

func (c *Client) rateLimitDelay() time.Duration {
	if c.rateLimitJitter <= 0 {
		return c.rateLimitBase
	}
	return c.rateLimitBase + rand.N(c.rateLimitJitter)
}

// sleep waits for d, returning early with the context error if ctx is cancelled
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
