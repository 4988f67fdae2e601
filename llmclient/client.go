package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	apiVersion       = "2023-06-01"
	messagesEndpoint = "/v1/messages"

	// 529 is the provider's over-capacity status, distinct from 429.
	statusOverloaded = 529
)

// Config tunes the client's quota back-pressure.
type Config struct {
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration

	// TokenFloor is the hard remaining-token floor: below it the client
	// blocks until the quota reset before issuing the call.
	TokenFloor int
	// TokenLowWatermark triggers the proportional adaptive delay when the
	// remaining budget sits between it and the floor.
	TokenLowWatermark int
	// RequestFloor is the hard remaining-request floor.
	RequestFloor int
	// ResetBuffer is added on top of the reported reset time when blocking.
	ResetBuffer time.Duration
	// MaxAdaptiveDelay caps the proportional low-watermark delay.
	MaxAdaptiveDelay time.Duration
	// RateLimitPenalty is the last-resort sleep applied once when a hard
	// 429 surfaces outside the overload path.
	RateLimitPenalty time.Duration
}

// DefaultConfig returns the tuning observed to keep a single worker inside
// provider quotas.
func DefaultConfig() Config {
	return Config{
		BaseURL:           "https://api.anthropic.com",
		RequestTimeout:    120 * time.Second,
		TokenFloor:        10000,
		TokenLowWatermark: 40000,
		RequestFloor:      5,
		ResetBuffer:       5 * time.Second,
		MaxAdaptiveDelay:  30 * time.Second,
		RateLimitPenalty:  60 * time.Second,
	}
}

// Client is the rate-limited messages-API client. It exclusively owns the
// RateLimitState; everything else may only read a copy.
type Client struct {
	cfg      Config
	http     *http.Client
	overload BackoffPolicy
	clock    Clock
	logger   *zap.Logger
	onRetry  func()

	mu    sync.Mutex
	state *RateLimitState
}

// Option customizes client construction.
type Option func(*Client)

// WithClock injects a test clock.
func WithClock(c Clock) Option {
	return func(cl *Client) { cl.clock = c }
}

// WithHTTPClient injects a custom transport.
func WithHTTPClient(h *http.Client) Option {
	return func(cl *Client) { cl.http = h }
}

// WithBackoff overrides the overload retry policy.
func WithBackoff(p BackoffPolicy) Option {
	return func(cl *Client) { cl.overload = p }
}

// WithRetryObserver registers a hook invoked on every overload retry.
func WithRetryObserver(fn func()) Option {
	return func(cl *Client) { cl.onRetry = fn }
}

// New creates a rate-limited client.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.anthropic.com"
	}
	if cfg.ResetBuffer <= 0 {
		cfg.ResetBuffer = 5 * time.Second
	}
	if cfg.MaxAdaptiveDelay <= 0 {
		cfg.MaxAdaptiveDelay = 30 * time.Second
	}
	if cfg.RateLimitPenalty <= 0 {
		cfg.RateLimitPenalty = 60 * time.Second
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	c := &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: timeout},
		overload: OverloadBackoff(),
		clock:    realClock{},
		logger:   logger.With(zap.String("component", "llm_client")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns a copy of the current quota snapshot, nil if none exists.
func (c *Client) State() *RateLimitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == nil {
		return nil
	}
	s := *c.state
	return &s
}

// Messages issues one messages-API call through the full shim: pre-call
// quota back-pressure, bounded overload retry, unconditional quota refresh
// from response headers, and the last-resort rate-limit penalty.
func (c *Client) Messages(ctx context.Context, req *MessagesRequest) (*MessagesResponse, error) {
	if err := c.throttle(ctx); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= c.overload.MaxAttempts(); attempt++ {
		if attempt > 1 {
			if c.onRetry != nil {
				c.onRetry()
			}
			delay := c.overload.Delay(attempt - 1)
			c.logger.Warn("provider overloaded, backing off",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay))
			if err := c.clock.Sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		resp, err := c.call(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if c.overload.Retryable(err) {
			continue
		}

		if IsRateLimited(err) {
			// Last-resort circuit breaker: one fixed penalty sleep before
			// surfacing the error to the agent loop.
			c.logger.Warn("hard rate limit hit, applying penalty delay",
				zap.Duration("penalty", c.cfg.RateLimitPenalty))
			if serr := c.clock.Sleep(ctx, c.cfg.RateLimitPenalty); serr != nil {
				return nil, serr
			}
		}
		return nil, err
	}

	return nil, fmt.Errorf("provider overloaded after %d attempts: %w",
		c.overload.MaxAttempts(), lastErr)
}

// throttle applies pre-call back-pressure from the quota snapshot. A stale
// snapshot (past both reset times) is discarded rather than trusted.
func (c *Client) throttle(ctx context.Context) error {
	c.mu.Lock()
	state := c.state
	now := c.clock.Now()
	if state != nil &&
		now.After(state.InputTokensResetAt) && now.After(state.RequestsResetAt) {
		c.state = nil
		state = nil
	}
	c.mu.Unlock()

	if state == nil {
		return nil
	}

	// Hard floor on either budget: block to the corresponding reset.
	var until time.Time
	if state.InputTokensRemaining < c.cfg.TokenFloor && now.Before(state.InputTokensResetAt) {
		until = state.InputTokensResetAt
	}
	if state.RequestsRemaining < c.cfg.RequestFloor && now.Before(state.RequestsResetAt) {
		if state.RequestsResetAt.After(until) {
			until = state.RequestsResetAt
		}
	}
	if !until.IsZero() {
		wait := until.Sub(now) + c.cfg.ResetBuffer
		c.logger.Info("quota exhausted, waiting for reset",
			zap.Int("tokens_remaining", state.InputTokensRemaining),
			zap.Int("requests_remaining", state.RequestsRemaining),
			zap.Duration("wait", wait))
		return c.clock.Sleep(ctx, wait)
	}

	// Low watermark: graceful degradation, delay proportional to how far
	// below the watermark the remaining token budget is.
	if state.InputTokensRemaining < c.cfg.TokenLowWatermark &&
		c.cfg.TokenLowWatermark > c.cfg.TokenFloor {
		deficit := float64(c.cfg.TokenLowWatermark-state.InputTokensRemaining) /
			float64(c.cfg.TokenLowWatermark-c.cfg.TokenFloor)
		delay := time.Duration(deficit * float64(c.cfg.MaxAdaptiveDelay))
		if delay > 0 {
			c.logger.Debug("token budget low, applying adaptive delay",
				zap.Int("tokens_remaining", state.InputTokensRemaining),
				zap.Duration("delay", delay))
			return c.clock.Sleep(ctx, delay)
		}
	}
	return nil
}

// call performs one HTTP round trip and refreshes the quota snapshot from
// the response headers regardless of outcome. Error responses carry quota
// telemetry too.
func (c *Client) call(ctx context.Context, req *MessagesRequest) (*MessagesResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal messages request: %w", err)
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + messagesEndpoint
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &Error{
			Code:       ErrUpstream,
			Message:    err.Error(),
			HTTPStatus: http.StatusBadGateway,
			Retryable:  true,
		}
	}
	defer resp.Body.Close()

	c.refreshState(resp.Header)

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{
			Code:       ErrUpstream,
			Message:    fmt.Sprintf("failed to read response body: %v", err),
			HTTPStatus: resp.StatusCode,
			Retryable:  true,
		}
	}

	if resp.StatusCode >= 400 {
		return nil, c.mapError(resp.StatusCode, data)
	}

	var out MessagesResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &Error{
			Code:       ErrUpstream,
			Message:    fmt.Sprintf("failed to decode response: %v", err),
			HTTPStatus: resp.StatusCode,
			Retryable:  false,
		}
	}
	return &out, nil
}

// mapError classifies an error response. Overload is signalled either by
// the 529 status or by the overloaded_error marker in the body.
func (c *Client) mapError(status int, body []byte) *Error {
	var eb errorBody
	_ = json.Unmarshal(body, &eb)
	msg := eb.Error.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}

	if status == statusOverloaded || eb.Error.Type == "overloaded_error" {
		return &Error{
			Code:       ErrOverloaded,
			Message:    fmt.Sprintf("provider overloaded: %s", msg),
			HTTPStatus: status,
			Retryable:  true,
		}
	}

	switch status {
	case http.StatusTooManyRequests:
		return &Error{Code: ErrRateLimited, Message: msg, HTTPStatus: status, Retryable: true}
	case http.StatusUnauthorized, http.StatusForbidden:
		return &Error{Code: ErrUnauthorized, Message: msg, HTTPStatus: status}
	case http.StatusBadRequest:
		return &Error{Code: ErrInvalidRequest, Message: msg, HTTPStatus: status}
	default:
		return &Error{Code: ErrUpstream, Message: msg, HTTPStatus: status, Retryable: status >= 500}
	}
}

// refreshState rebuilds the quota snapshot from rate-limit headers. Missing
// headers leave the previous snapshot in place.
func (c *Client) refreshState(h http.Header) {
	tokRemaining, ok1 := headerInt(h, "anthropic-ratelimit-input-tokens-remaining")
	reqRemaining, ok2 := headerInt(h, "anthropic-ratelimit-requests-remaining")
	if !ok1 && !ok2 {
		return
	}

	now := c.clock.Now()
	state := &RateLimitState{LastUpdatedAt: now}
	state.InputTokensRemaining = tokRemaining
	state.InputTokensLimit, _ = headerInt(h, "anthropic-ratelimit-input-tokens-limit")
	state.InputTokensResetAt = headerTime(h, "anthropic-ratelimit-input-tokens-reset")
	state.RequestsRemaining = reqRemaining
	state.RequestsLimit, _ = headerInt(h, "anthropic-ratelimit-requests-limit")
	state.RequestsResetAt = headerTime(h, "anthropic-ratelimit-requests-reset")

	c.mu.Lock()
	c.state = state
	c.mu.Unlock()

	c.logger.Debug("rate limit state refreshed",
		zap.Int("tokens_remaining", state.InputTokensRemaining),
		zap.Int("requests_remaining", state.RequestsRemaining),
		zap.Time("tokens_reset", state.InputTokensResetAt))
}

func headerInt(h http.Header, key string) (int, bool) {
	v := h.Get(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func headerTime(h http.Header, key string) time.Time {
	v := h.Get(key)
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
