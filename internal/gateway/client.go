// Package gateway is the single outbound path to the swap aggregator. Every
// call passes a circuit breaker and a shared minimum-spacing gate, and is
// retried with exponential backoff under a fixed attempt budget.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/swapbot/internal/clock"
	"github.com/alanyoungcy/swapbot/internal/domain"
	"github.com/alanyoungcy/swapbot/internal/retry"
)

// Options configures a Client.
type Options struct {
	Name              string
	BaseURL           string
	APIKey            string
	MinSpacing        time.Duration
	MaxAttempts       int
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	RateLimitFallback time.Duration
	MaxRateLimitWaits int
	FailureThreshold  int
	OpenDuration      time.Duration
	RequestTimeout    time.Duration
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		Name:              "jupiter",
		MinSpacing:        500 * time.Millisecond,
		MaxAttempts:       3,
		BaseBackoff:       time.Second,
		MaxBackoff:        10 * time.Second,
		RateLimitFallback: 5 * time.Second,
		MaxRateLimitWaits: 3,
		FailureThreshold:  5,
		OpenDuration:      30 * time.Second,
		RequestTimeout:    10 * time.Second,
	}
}

// Request is one logical call.
type Request struct {
	Method string
	Path   string
	Query  map[string]string
	Body   any
}

// Response is a successful (2xx) reply.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// JSON decodes the body into v.
func (r *Response) JSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("gateway: decode response: %w", err)
	}
	return nil
}

// StatusError is a non-2xx reply.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 256 {
		body = body[:256]
	}
	return fmt.Sprintf("gateway: http %d: %s", e.StatusCode, body)
}

// Client is safe for concurrent use. All callers share one breaker and one
// spacing gate.
type Client struct {
	opts    Options
	http    *resty.Client
	limiter *rate.Limiter
	breaker *Breaker
	clock   clock.Clock
	sleep   func(ctx context.Context, d time.Duration) error
	logger  *slog.Logger
}

// New builds a Client from opts. Zero-valued options fall back to defaults.
func New(opts Options, logger *slog.Logger) *Client {
	def := DefaultOptions()
	if opts.Name == "" {
		opts.Name = def.Name
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.RateLimitFallback <= 0 {
		opts.RateLimitFallback = def.RateLimitFallback
	}
	if opts.MaxRateLimitWaits < 0 {
		opts.MaxRateLimitWaits = 0
	}
	if opts.FailureThreshold < 1 {
		opts.FailureThreshold = def.FailureThreshold
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = def.RequestTimeout
	}

	limit := rate.Inf
	if opts.MinSpacing > 0 {
		limit = rate.Every(opts.MinSpacing)
	}

	rc := resty.New().
		SetBaseURL(strings.TrimSuffix(opts.BaseURL, "/")).
		SetTimeout(opts.RequestTimeout).
		SetRetryCount(0).
		SetHeader("Accept", "application/json")
	if opts.APIKey != "" {
		rc.SetHeader("x-api-key", opts.APIKey)
	}

	log := logger.With(slog.String("component", "gateway"), slog.String("upstream", opts.Name))
	c := &Client{
		opts:    opts,
		http:    rc,
		limiter: rate.NewLimiter(limit, 1),
		breaker: NewBreaker(opts.Name, opts.FailureThreshold, opts.OpenDuration, clock.Real{}),
		clock:   clock.Real{},
		sleep:   clock.Sleep,
		logger:  log,
	}
	c.breaker.SetStateChangeHandler(func(name string, from, to State) {
		log.Warn("circuit state change",
			slog.String("from", from.String()),
			slog.String("to", to.String()),
		)
	})
	return c
}

// WithClock replaces the clock used for breaker timing and Retry-After dates.
func (c *Client) WithClock(clk clock.Clock) *Client {
	c.clock = clk
	c.breaker.mu.Lock()
	c.breaker.clock = clk
	c.breaker.mu.Unlock()
	return c
}

// WithSleeper replaces the function used for backoff and Retry-After waits.
func (c *Client) WithSleeper(fn func(ctx context.Context, d time.Duration) error) *Client {
	c.sleep = fn
	return c
}

// Breaker exposes the breaker state for the operator API.
func (c *Client) Breaker() BreakerSnapshot {
	return c.breaker.Snapshot()
}

// Do performs req. It returns *domain.CircuitOpenError without touching the
// network while the circuit is open, *StatusError for a rejected request and
// *domain.GatewayExhaustedError once the attempt budget is spent.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	policy := retry.Policy{
		Attempts: c.opts.MaxAttempts,
		Base:     c.opts.BaseBackoff,
		Max:      c.opts.MaxBackoff,
		Sleep:    c.sleep,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			c.logger.WarnContext(ctx, "aggregator call failed, backing off",
				slog.String("path", req.Path),
				slog.Int("attempt", attempt),
				slog.Duration("wait", wait),
				slog.String("error", err.Error()),
			)
		},
	}

	var resp *Response
	err := retry.Do(ctx, policy, func(ctx context.Context, _ int) error {
		r, err := c.attempt(ctx, req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}, func(err error) bool {
		return ctx.Err() == nil && isRetryable(err)
	})

	var ex *retry.ExhaustedError
	if errors.As(err, &ex) {
		return nil, &domain.GatewayExhaustedError{Attempts: ex.Attempts, Err: ex.Err}
	}
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func isRetryable(err error) bool {
	var open *domain.CircuitOpenError
	if errors.As(err, &open) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500 || se.StatusCode == http.StatusTooManyRequests
	}
	return true
}

// attempt makes one breaker-guarded call. A 429 waits out Retry-After and
// repeats the same call without counting a failure, up to MaxRateLimitWaits.
func (c *Client) attempt(ctx context.Context, req Request) (*Response, error) {
	if err := c.breaker.Allow(); err != nil {
		return nil, err
	}

	for waits := 0; ; waits++ {
		if err := c.limiter.Wait(ctx); err != nil {
			c.breaker.Abandon()
			return nil, fmt.Errorf("gateway: spacing gate: %w", err)
		}

		resp, err := c.send(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				c.breaker.Abandon()
				return nil, ctx.Err()
			}
			c.breaker.RecordFailure()
			return nil, fmt.Errorf("gateway: %s %s: %w", req.Method, req.Path, err)
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			c.breaker.RecordSuccess()
			return resp, nil

		case resp.StatusCode == http.StatusTooManyRequests:
			if waits >= c.opts.MaxRateLimitWaits {
				c.breaker.RecordFailure()
				return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(resp.Body)}
			}
			wait := RetryAfter(resp.Header, c.clock.Now(), c.opts.RateLimitFallback)
			c.logger.WarnContext(ctx, "aggregator rate limited",
				slog.String("path", req.Path),
				slog.Duration("retry_after", wait),
			)
			if err := c.sleep(ctx, wait); err != nil {
				c.breaker.Abandon()
				return nil, err
			}

		default:
			c.breaker.RecordFailure()
			return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(resp.Body)}
		}
	}
}

func (c *Client) send(ctx context.Context, req Request) (*Response, error) {
	r := c.http.R().SetContext(ctx)
	if len(req.Query) > 0 {
		r.SetQueryParams(req.Query)
	}
	if req.Body != nil {
		r.SetHeader("Content-Type", "application/json").SetBody(req.Body)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	resp, err := r.Execute(method, req.Path)
	if err != nil {
		return nil, err
	}
	return &Response{
		StatusCode: resp.StatusCode(),
		Header:     resp.Header(),
		Body:       resp.Body(),
	}, nil
}

// RetryAfter parses a Retry-After header given in seconds or as an HTTP date.
// A missing or malformed header yields fallback.
func RetryAfter(h http.Header, now time.Time, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return fallback
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return fallback
}
