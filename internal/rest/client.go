// Package rest is the JSON-over-HTTP client the REST backends share. Reads
// are retried with backoff; writes are sent once, because a retried write
// could place a ban twice. All requests go through a rate limiter.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config holds retry, timeout and rate settings.
type Config struct {
	Timeout           time.Duration `koanf:"timeout"`
	RetryMax          int           `koanf:"retry_max"`
	RetryWaitMin      time.Duration `koanf:"retry_wait_min"`
	RetryWaitMax      time.Duration `koanf:"retry_wait_max"`
	RequestsPerSecond float64       `koanf:"requests_per_second"`
	Burst             int           `koanf:"burst"`
}

func DefaultConfig() Config {
	return Config{
		Timeout:           20 * time.Second,
		RetryMax:          3,
		RetryWaitMin:      500 * time.Millisecond,
		RetryWaitMax:      5 * time.Second,
		RequestsPerSecond: 5,
		Burst:             5,
	}
}

// StatusError is returned for responses outside the 2xx range.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("rest: %s %s: status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

// Client talks to one API. Copies made with WithToken share the underlying
// connections and the rate limiter.
type Client struct {
	base    string
	token   string
	reads   *retryablehttp.Client
	writes  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// New creates a client for the API rooted at baseURL.
func New(baseURL string, cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}

	reads := retryablehttp.NewClient()
	reads.RetryMax = cfg.RetryMax
	reads.RetryWaitMin = cfg.RetryWaitMin
	reads.RetryWaitMax = cfg.RetryWaitMax
	reads.HTTPClient.Timeout = cfg.Timeout
	reads.Logger = leveledLogger{logger.Sugar()}
	reads.ErrorHandler = retryablehttp.PassthroughErrorHandler

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	return &Client{
		base:    strings.TrimRight(baseURL, "/"),
		reads:   reads,
		writes:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
}

// WithToken returns a copy that authenticates with a bearer token.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

// WithBase returns a copy rooted at another URL.
func (c *Client) WithBase(baseURL string) *Client {
	cp := *c
	cp.base = strings.TrimRight(baseURL, "/")
	return &cp
}

func (c *Client) Get(ctx context.Context, path string, query url.Values, out any) error {
	return c.Do(ctx, http.MethodGet, path, query, nil, out)
}

func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.Do(ctx, http.MethodPost, path, nil, body, out)
}

func (c *Client) Patch(ctx context.Context, path string, body, out any) error {
	return c.Do(ctx, http.MethodPatch, path, nil, body, out)
}

func (c *Client) Delete(ctx context.Context, path string) error {
	return c.Do(ctx, http.MethodDelete, path, nil, nil, nil)
}

// Do sends one request. path is resolved against the base URL unless it is
// absolute. A JSON body is encoded from body, and a non-empty response is
// decoded into out when out is not nil.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	target := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		target = c.base + "/" + strings.TrimLeft(path, "/")
	}
	if len(query) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + query.Encode()
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("rest: encode %s %s: %w", method, target, err)
		}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rest: %s %s: %w", method, target, err)
	}

	resp, err := c.send(ctx, method, target, payload)
	if err != nil {
		return fmt.Errorf("rest: %s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("rest: read %s %s: %w", method, target, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Method: method, URL: target, StatusCode: resp.StatusCode, Body: truncate(string(data), 512)}
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("rest: decode %s %s: %w", method, target, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, target string, payload []byte) (*http.Response, error) {
	if method == http.MethodGet {
		req, err := retryablehttp.NewRequestWithContext(ctx, method, target, nil)
		if err != nil {
			return nil, err
		}
		c.decorate(req.Header, false)
		return c.reads.Do(req)
	}

	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return nil, err
	}
	c.decorate(req.Header, payload != nil)
	return c.writes.Do(req)
}

func (c *Client) decorate(h http.Header, hasBody bool) {
	h.Set("Accept", "application/json")
	if hasBody {
		h.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// leveledLogger routes retryablehttp's logging into zap.
type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.s.Errorw("rest: "+msg, kv...) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.s.Debugw("rest: "+msg, kv...) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.s.Debugw("rest: "+msg, kv...) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.s.Warnw("rest: "+msg, kv...) }
