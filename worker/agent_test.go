package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/webrunner/browser"
	"github.com/BaSui01/webrunner/llmclient"
	"github.com/BaSui01/webrunner/types"
)

// scriptedLLM replays a canned sequence of responses.
type scriptedLLM struct {
	responses []*llmclient.MessagesResponse
	errs      []error
	calls     int
	requests  []*llmclient.MessagesRequest
}

func (s *scriptedLLM) Messages(ctx context.Context, req *llmclient.MessagesRequest) (*llmclient.MessagesResponse, error) {
	s.requests = append(s.requests, req)
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if i >= len(s.responses) {
		return nil, errors.New("script exhausted")
	}
	return s.responses[i], nil
}

func textResponse(text string, in, out int) *llmclient.MessagesResponse {
	return &llmclient.MessagesResponse{
		Role:       "assistant",
		StopReason: "end_turn",
		Content:    []llmclient.ContentBlock{llmclient.TextBlock(text)},
		Usage:      llmclient.Usage{InputTokens: in, OutputTokens: out},
	}
}

func toolUseResponse(id, name, input string) *llmclient.MessagesResponse {
	return &llmclient.MessagesResponse{
		Role:       "assistant",
		StopReason: "tool_use",
		Content: []llmclient.ContentBlock{{
			Type:  "tool_use",
			ID:    id,
			Name:  name,
			Input: json.RawMessage(input),
		}},
		Usage: llmclient.Usage{InputTokens: 100, OutputTokens: 20},
	}
}

// stubDriver satisfies browser.Driver without a real browser.
type stubDriver struct {
	navigated []string
	closed    atomic.Int32
}

func (d *stubDriver) Navigate(ctx context.Context, url string) error {
	d.navigated = append(d.navigated, url)
	return nil
}
func (d *stubDriver) Click(ctx context.Context, selector string) error { return nil }

func (d *stubDriver) Type(ctx context.Context, selector, text string) error { return nil }

func (d *stubDriver) Screenshot(ctx context.Context) ([]byte, error) { return []byte{0xff}, nil }

func (d *stubDriver) ExtractText(ctx context.Context, s string) (string, error) {
	return "body text", nil
}

func (d *stubDriver) WaitVisible(ctx context.Context, selector string) error { return nil }

func (d *stubDriver) CurrentURL(ctx context.Context) (string, error) { return "about:blank", nil }

func (d *stubDriver) Title(ctx context.Context) (string, error) { return "Example", nil }

func (d *stubDriver) Close() error { d.closed.Add(1); return nil }

func setupWorker(t *testing.T, llm LLM) (*AgentWorker, *stubDriver, *browser.Manager) {
	t.Helper()
	driver := &stubDriver{}
	mgr := browser.NewManager(browser.Config{IdleTimeout: time.Minute}, func(cfg browser.Config) (browser.Driver, error) {
		return driver, nil
	}, zap.NewNop())

	reg := NewToolRegistry(zap.NewNop())
	require.NoError(t, RegisterBrowserTools(reg, mgr))

	cfg := DefaultConfig("qa")
	cfg.MaxSteps = 5
	w, err := New(cfg, llm, reg, mgr, zap.NewNop())
	require.NoError(t, err)
	return w, driver, mgr
}

func runRequest(input string) types.WorkerRequest {
	return types.WorkerRequest{
		JobID:    "job-1",
		ThreadID: "thread-1",
		Input:    json.RawMessage(input),
	}
}

func TestRun_DirectAnswer(t *testing.T) {
	llm := &scriptedLLM{responses: []*llmclient.MessagesResponse{
		textResponse("Paris is the capital of France.", 20, 10),
	}}
	w, _, _ := setupWorker(t, llm)

	resp := w.Run(context.Background(), runRequest(`"What is the capital of France?"`))
	require.True(t, resp.OK())

	var body struct {
		Answer   string `json:"answer"`
		Steps    int    `json:"steps"`
		Tokens   int    `json:"tokens"`
		ThreadID string `json:"thread_id"`
	}
	require.NoError(t, json.Unmarshal(resp.Body, &body))
	assert.Equal(t, "Paris is the capital of France.", body.Answer)
	assert.Equal(t, 1, body.Steps)
	assert.Equal(t, 30, body.Tokens)
	assert.Equal(t, "thread-1", body.ThreadID)
}

func TestRun_ToolCallThenAnswer(t *testing.T) {
	llm := &scriptedLLM{responses: []*llmclient.MessagesResponse{
		toolUseResponse("tu_1", "navigate", `{"url":"https://example.com"}`),
		textResponse("The page title is Example.", 50, 15),
	}}
	w, driver, _ := setupWorker(t, llm)

	resp := w.Run(context.Background(), runRequest(`{"prompt":"open example.com and report the title"}`))
	require.True(t, resp.OK())
	assert.Equal(t, []string{"https://example.com"}, driver.navigated)

	// The second request must carry the assistant turn and the tool result.
	require.Len(t, llm.requests, 2)
	second := llm.requests[1]
	require.Len(t, second.Messages, 3)
	assert.Equal(t, "assistant", second.Messages[1].Role)
	require.Len(t, second.Messages[2].Content, 1)
	tr := second.Messages[2].Content[0]
	assert.Equal(t, "tool_result", tr.Type)
	assert.Equal(t, "tu_1", tr.ToolUseID)
	assert.False(t, tr.IsError)
	assert.Contains(t, tr.Content, `"success":true`)
}

func TestRun_ToolFailureFedBackAsData(t *testing.T) {
	llm := &scriptedLLM{responses: []*llmclient.MessagesResponse{
		toolUseResponse("tu_1", "no_such_tool", `{}`),
		textResponse("Could not use that tool, answering from memory.", 40, 12),
	}}
	w, _, _ := setupWorker(t, llm)

	resp := w.Run(context.Background(), runRequest(`"do something"`))
	require.True(t, resp.OK(), "a failed tool call is data for the model, not a job failure")

	tr := llm.requests[1].Messages[2].Content[0]
	assert.True(t, tr.IsError)
	assert.Contains(t, tr.Content, "unknown tool")
}

func TestRun_StepBudgetExceeded(t *testing.T) {
	responses := make([]*llmclient.MessagesResponse, 5)
	for i := range responses {
		responses[i] = toolUseResponse("tu", "extract_text", `{"selector":"body"}`)
	}
	llm := &scriptedLLM{responses: responses}
	w, _, _ := setupWorker(t, llm)

	resp := w.Run(context.Background(), runRequest(`"loop forever"`))
	require.False(t, resp.OK())
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var body types.WorkerFailureBody
	require.NoError(t, json.Unmarshal(resp.Body, &body))
	assert.Equal(t, "StepBudgetExceeded", body.Type)
	assert.Equal(t, "job-1", body.JobID)
	assert.Equal(t, 5, llm.calls)
}

func TestRun_TokenBudgetExceeded(t *testing.T) {
	llm := &scriptedLLM{responses: []*llmclient.MessagesResponse{
		toolUseResponse("tu_1", "extract_text", `{"selector":"body"}`),
		textResponse("done", 10, 5),
	}}
	w, _, _ := setupWorker(t, llm)
	w.cfg.TokenBudget = 1 // any conversation estimate exceeds this

	resp := w.Run(context.Background(), runRequest(`"task"`))
	require.False(t, resp.OK())

	var body types.WorkerFailureBody
	require.NoError(t, json.Unmarshal(resp.Body, &body))
	assert.Equal(t, "TokenBudgetExceeded", body.Type)
	assert.Zero(t, llm.calls, "budget check runs before the model call")
}

func TestRun_UpstreamErrorIsTerminal(t *testing.T) {
	llm := &scriptedLLM{errs: []error{&llmclient.Error{
		Code:    llmclient.ErrOverloaded,
		Message: "provider overloaded after 3 attempts",
	}}}
	w, _, _ := setupWorker(t, llm)

	resp := w.Run(context.Background(), runRequest(`"task"`))
	require.False(t, resp.OK())

	var body types.WorkerFailureBody
	require.NoError(t, json.Unmarshal(resp.Body, &body))
	assert.Equal(t, "UpstreamError", body.Type)
	assert.Contains(t, body.Error, "overloaded")
}

func TestRun_EmptyInstruction(t *testing.T) {
	llm := &scriptedLLM{}
	w, _, _ := setupWorker(t, llm)

	resp := w.Run(context.Background(), runRequest(`{"unrelated":"field"}`))
	require.False(t, resp.OK())

	var body types.WorkerFailureBody
	require.NoError(t, json.Unmarshal(resp.Body, &body))
	assert.Equal(t, "InvalidInput", body.Type)
	assert.Zero(t, llm.calls)
}

func TestRun_SessionReleasedOnExit(t *testing.T) {
	llm := &scriptedLLM{responses: []*llmclient.MessagesResponse{
		toolUseResponse("tu_1", "navigate", `{"url":"https://example.com"}`),
		textResponse("done", 30, 10),
	}}
	w, driver, mgr := setupWorker(t, llm)

	resp := w.Run(context.Background(), runRequest(`"open example.com"`))
	require.True(t, resp.OK())
	assert.EqualValues(t, 1, driver.closed.Load(), "session torn down after the job")
	assert.Equal(t, browser.StateEmpty, mgr.State())
}

func TestRun_CleanupScopedToOwnManager(t *testing.T) {
	// Each worker owns its own session manager, as in the process wiring:
	// one job finishing must never tear down the session a concurrently
	// running job in another partition is still holding.
	driverA := &stubDriver{}
	mgrA := browser.NewManager(browser.Config{IdleTimeout: time.Minute}, func(cfg browser.Config) (browser.Driver, error) {
		return driverA, nil
	}, zap.NewNop())

	llmB := &scriptedLLM{responses: []*llmclient.MessagesResponse{
		toolUseResponse("tu_1", "navigate", `{"url":"https://example.com"}`),
		textResponse("done", 30, 10),
	}}
	workerB, driverB, mgrB := setupWorker(t, llmB)

	// Job A has acquired its session and is mid-flight.
	sessA, err := mgrA.Session(context.Background())
	require.NoError(t, err)

	// Job B runs to completion on its own manager, cleanup included.
	resp := workerB.Run(context.Background(), runRequest(`"open example.com"`))
	require.True(t, resp.OK())
	assert.EqualValues(t, 1, driverB.closed.Load())
	assert.Equal(t, browser.StateEmpty, mgrB.State())

	// Job A's session is untouched and still reusable.
	assert.Zero(t, driverA.closed.Load(), "another job's cleanup must not close this session")
	assert.Equal(t, browser.StateReady, mgrA.State())
	sessAgain, err := mgrA.Session(context.Background())
	require.NoError(t, err)
	assert.Same(t, sessA, sessAgain)
}

type panickyLLM struct{}

func (panickyLLM) Messages(ctx context.Context, req *llmclient.MessagesRequest) (*llmclient.MessagesResponse, error) {
	panic("boom")
}

func TestRun_PanicBecomesStructuredFailure(t *testing.T) {
	w, _, mgr := setupWorker(t, panickyLLM{})

	resp := w.Run(context.Background(), runRequest(`"task"`))
	require.False(t, resp.OK())

	var body types.WorkerFailureBody
	require.NoError(t, json.Unmarshal(resp.Body, &body))
	assert.Equal(t, "PanicError", body.Type)
	assert.Contains(t, body.Error, "boom")
	assert.Equal(t, browser.StateEmpty, mgr.State(), "cleanup still runs on panic")
}

func TestDecodeInstruction(t *testing.T) {
	assert.Equal(t, "plain", decodeInstruction(json.RawMessage(`"plain"`)))
	assert.Equal(t, "from prompt", decodeInstruction(json.RawMessage(`{"prompt":"from prompt"}`)))
	assert.Equal(t, "from input", decodeInstruction(json.RawMessage(`{"input":"from input"}`)))
	assert.Equal(t, "p", decodeInstruction(json.RawMessage(`{"prompt":"p","input":"i"}`)))
	assert.Empty(t, decodeInstruction(nil))
	assert.Empty(t, decodeInstruction(json.RawMessage(`42`)))
}

func TestToolRegistry_Execute(t *testing.T) {
	reg := NewToolRegistry(zap.NewNop())
	require.NoError(t, reg.Register(llmclient.ToolSchema{Name: "echo"},
		func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			return args, nil
		}, nil))

	out := reg.Execute(context.Background(), "echo", json.RawMessage(`{"a":1}`))
	assert.True(t, out.Success)
	assert.JSONEq(t, `{"a":1}`, string(out.Data))

	out = reg.Execute(context.Background(), "missing", nil)
	assert.False(t, out.Success)
	assert.Contains(t, out.Error, "unknown tool")
}

func TestToolRegistry_RejectsDuplicate(t *testing.T) {
	reg := NewToolRegistry(zap.NewNop())
	fn := func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) { return nil, nil }
	require.NoError(t, reg.Register(llmclient.ToolSchema{Name: "dup"}, fn, nil))
	assert.Error(t, reg.Register(llmclient.ToolSchema{Name: "dup"}, fn, nil))
}

func TestToolRegistry_TruncatesOversizedPayload(t *testing.T) {
	reg := NewToolRegistry(zap.NewNop())
	big := make([]byte, maxToolPayload+1)
	for i := range big {
		big[i] = 'a'
	}
	payload, _ := json.Marshal(string(big))
	require.NoError(t, reg.Register(llmclient.ToolSchema{Name: "big"},
		func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			return payload, nil
		}, nil))

	out := reg.Execute(context.Background(), "big", nil)
	require.True(t, out.Success)
	assert.LessOrEqual(t, len(out.Data), maxToolPayload)
	assert.Contains(t, string(out.Data), `"truncated":true`)
}

func TestToolRegistry_RecoversFromPanic(t *testing.T) {
	reg := NewToolRegistry(zap.NewNop())
	require.NoError(t, reg.Register(llmclient.ToolSchema{Name: "bad"},
		func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			panic("tool exploded")
		}, nil))

	out := reg.Execute(context.Background(), "bad", nil)
	assert.False(t, out.Success)
	assert.Contains(t, out.Error, "tool exploded")
}
