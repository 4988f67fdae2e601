package llmclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeClock records sleeps instead of waiting.
type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return ctx.Err()
}

type responseScript struct {
	calls   atomic.Int32
	handler func(call int, w http.ResponseWriter, r *http.Request)
}

func (s *responseScript) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler(int(s.calls.Add(1)), w, r)
}

func newTestClient(t *testing.T, script *responseScript) (*Client, *fakeClock) {
	t.Helper()
	srv := httptest.NewServer(script)
	t.Cleanup(srv.Close)

	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.APIKey = "test-key"
	return New(cfg, zap.NewNop(), WithClock(clock)), clock
}

func writeSuccess(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{
		"id": "msg_01",
		"role": "assistant",
		"stop_reason": "end_turn",
		"content": [{"type": "text", "text": "hello"}],
		"usage": {"input_tokens": 10, "output_tokens": 5}
	}`))
}

func quotaHeaders(w http.ResponseWriter, tokens, requests int, reset time.Time) {
	h := w.Header()
	h.Set("anthropic-ratelimit-input-tokens-remaining", strconv.Itoa(tokens))
	h.Set("anthropic-ratelimit-input-tokens-limit", "80000")
	h.Set("anthropic-ratelimit-input-tokens-reset", reset.Format(time.RFC3339))
	h.Set("anthropic-ratelimit-requests-remaining", strconv.Itoa(requests))
	h.Set("anthropic-ratelimit-requests-limit", "1000")
	h.Set("anthropic-ratelimit-requests-reset", reset.Format(time.RFC3339))
}

func simpleRequest() *MessagesRequest {
	return &MessagesRequest{
		Model:     "claude-sonnet-4-20250514",
		MaxTokens: 1024,
		Messages:  []Message{{Role: "user", Content: []ContentBlock{{Type: "text", Text: "hi"}}}},
	}
}

func TestMessages_Success(t *testing.T) {
	script := &responseScript{handler: func(call int, w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, apiVersion, r.Header.Get("anthropic-version"))
		writeSuccess(w)
	}}
	c, clock := newTestClient(t, script)

	resp, err := c.Messages(context.Background(), simpleRequest())
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Text())
	assert.Empty(t, clock.sleeps, "healthy quota must not delay the call")
}

func TestMessages_RefreshesStateFromHeaders(t *testing.T) {
	var clockRef *fakeClock
	script := &responseScript{handler: func(call int, w http.ResponseWriter, r *http.Request) {
		quotaHeaders(w, 55000, 900, clockRef.now.Add(time.Minute))
		writeSuccess(w)
	}}
	c, clock := newTestClient(t, script)
	clockRef = clock

	require.Nil(t, c.State(), "no snapshot before the first call")

	_, err := c.Messages(context.Background(), simpleRequest())
	require.NoError(t, err)

	st := c.State()
	require.NotNil(t, st)
	assert.Equal(t, 55000, st.InputTokensRemaining)
	assert.Equal(t, 80000, st.InputTokensLimit)
	assert.Equal(t, 900, st.RequestsRemaining)
}

func TestMessages_RefreshesStateOnErrorResponse(t *testing.T) {
	var clockRef *fakeClock
	script := &responseScript{handler: func(call int, w http.ResponseWriter, r *http.Request) {
		quotaHeaders(w, 12345, 700, clockRef.now.Add(time.Minute))
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"bad tool schema"}}`))
	}}
	c, clock := newTestClient(t, script)
	clockRef = clock

	_, err := c.Messages(context.Background(), simpleRequest())
	require.Error(t, err)

	apiErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, ErrInvalidRequest, apiErr.Code)
	assert.Equal(t, "bad tool schema", apiErr.Message)

	st := c.State()
	require.NotNil(t, st, "error responses carry quota telemetry too")
	assert.Equal(t, 12345, st.InputTokensRemaining)
}

func TestThrottle_BlocksUntilResetOnHardFloor(t *testing.T) {
	var clockRef *fakeClock
	reset := time.Time{}
	script := &responseScript{handler: func(call int, w http.ResponseWriter, r *http.Request) {
		// First response drains the token budget below the floor.
		reset = clockRef.now.Add(45 * time.Second)
		quotaHeaders(w, 500, 800, reset)
		writeSuccess(w)
	}}
	c, clock := newTestClient(t, script)
	clockRef = clock

	_, err := c.Messages(context.Background(), simpleRequest())
	require.NoError(t, err)
	require.Empty(t, clock.sleeps)

	_, err = c.Messages(context.Background(), simpleRequest())
	require.NoError(t, err)

	require.Len(t, clock.sleeps, 1)
	assert.Equal(t, 45*time.Second+c.cfg.ResetBuffer, clock.sleeps[0],
		"block to the reset plus the safety buffer")
}

func TestThrottle_AdaptiveDelayBelowWatermark(t *testing.T) {
	var clockRef *fakeClock
	script := &responseScript{handler: func(call int, w http.ResponseWriter, r *http.Request) {
		// Halfway between the watermark (40000) and the floor (10000).
		quotaHeaders(w, 25000, 800, clockRef.now.Add(time.Minute))
		writeSuccess(w)
	}}
	c, clock := newTestClient(t, script)
	clockRef = clock

	_, err := c.Messages(context.Background(), simpleRequest())
	require.NoError(t, err)
	require.Empty(t, clock.sleeps)

	_, err = c.Messages(context.Background(), simpleRequest())
	require.NoError(t, err)

	require.Len(t, clock.sleeps, 1)
	assert.Greater(t, clock.sleeps[0], time.Duration(0))
	assert.LessOrEqual(t, clock.sleeps[0], c.cfg.MaxAdaptiveDelay)
	// deficit = (40000-25000)/(40000-10000) = 0.5 of the 30s cap.
	assert.Equal(t, 15*time.Second, clock.sleeps[0])
}

func TestThrottle_DiscardsStaleSnapshot(t *testing.T) {
	var clockRef *fakeClock
	script := &responseScript{handler: func(call int, w http.ResponseWriter, r *http.Request) {
		quotaHeaders(w, 500, 1, clockRef.now.Add(time.Second))
		writeSuccess(w)
	}}
	c, clock := newTestClient(t, script)
	clockRef = clock

	_, err := c.Messages(context.Background(), simpleRequest())
	require.NoError(t, err)

	// Both reset times have passed; the snapshot no longer reflects reality.
	clock.now = clock.now.Add(time.Minute)
	_, err = c.Messages(context.Background(), simpleRequest())
	require.NoError(t, err)
	assert.Empty(t, clock.sleeps, "a snapshot past both resets must be discarded, not obeyed")
}

func TestMessages_OverloadRetryThenSuccess(t *testing.T) {
	script := &responseScript{handler: func(call int, w http.ResponseWriter, r *http.Request) {
		if call == 1 {
			w.WriteHeader(statusOverloaded)
			_, _ = w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`))
			return
		}
		writeSuccess(w)
	}}
	c, clock := newTestClient(t, script)

	resp, err := c.Messages(context.Background(), simpleRequest())
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Text())
	require.Len(t, clock.sleeps, 1)
	assert.Equal(t, 30*time.Second, clock.sleeps[0])
}

func TestMessages_OverloadGivesUpAfterMaxAttempts(t *testing.T) {
	script := &responseScript{handler: func(call int, w http.ResponseWriter, r *http.Request) {
		// A 529 with no JSON body still counts as overload.
		w.WriteHeader(statusOverloaded)
	}}
	c, clock := newTestClient(t, script)

	_, err := c.Messages(context.Background(), simpleRequest())
	require.Error(t, err)
	assert.EqualValues(t, 3, script.calls.Load(), "two retries then give up")
	assert.Equal(t, []time.Duration{30 * time.Second, 60 * time.Second}, clock.sleeps)

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, ErrOverloaded, apiErr.Code)
}

func TestMessages_OverloadedErrorBodyOnOtherStatus(t *testing.T) {
	script := &responseScript{handler: func(call int, w http.ResponseWriter, r *http.Request) {
		if call == 1 {
			// Some proxies surface overload as 500 with the marker body.
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`))
			return
		}
		writeSuccess(w)
	}}
	c, _ := newTestClient(t, script)

	_, err := c.Messages(context.Background(), simpleRequest())
	require.NoError(t, err, "overloaded_error body must trigger the retry path regardless of status")
	assert.EqualValues(t, 2, script.calls.Load())
}

func TestMessages_HardRateLimitAppliesPenalty(t *testing.T) {
	script := &responseScript{handler: func(call int, w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"Too many requests"}}`))
	}}
	c, clock := newTestClient(t, script)

	_, err := c.Messages(context.Background(), simpleRequest())
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))
	assert.EqualValues(t, 1, script.calls.Load(), "429 is not retried here")
	require.Len(t, clock.sleeps, 1)
	assert.Equal(t, c.cfg.RateLimitPenalty, clock.sleeps[0])
}

func TestMessages_Unauthorized(t *testing.T) {
	script := &responseScript{handler: func(call int, w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`))
	}}
	c, clock := newTestClient(t, script)

	_, err := c.Messages(context.Background(), simpleRequest())
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, ErrUnauthorized, apiErr.Code)
	assert.False(t, apiErr.Retryable)
	assert.Empty(t, clock.sleeps)
}

func TestBackoffPolicy(t *testing.T) {
	p := OverloadBackoff()
	assert.Equal(t, 3, p.MaxAttempts())
	assert.Equal(t, 30*time.Second, p.Delay(1))
	assert.Equal(t, 60*time.Second, p.Delay(2))
	assert.Equal(t, time.Duration(0), p.Delay(3))

	assert.True(t, p.Retryable(&Error{Code: ErrOverloaded}))
	assert.False(t, p.Retryable(&Error{Code: ErrRateLimited}))
}
