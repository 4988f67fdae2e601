// Package worker runs jobs: given an instruction and a thread id, the
// agent worker drives the browser through a bounded tool-calling loop and
// always returns a structured response, never an escaped error.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"github.com/BaSui01/webrunner/browser"
	"github.com/BaSui01/webrunner/llmclient"
	"github.com/BaSui01/webrunner/types"
)

// Worker is the invocation contract the dispatcher depends on.
type Worker interface {
	Name() string
	Run(ctx context.Context, req types.WorkerRequest) types.WorkerResponse
}

// Config bounds the agent loop.
type Config struct {
	Name        string
	Model       string
	MaxTokens   int
	MaxSteps    int
	TokenBudget int
	StepTimeout time.Duration
	System      string
}

// DefaultConfig returns the default loop bounds.
func DefaultConfig(name string) Config {
	return Config{
		Name:        name,
		Model:       "claude-sonnet-4-20250514",
		MaxTokens:   4096,
		MaxSteps:    30,
		TokenBudget: 150000,
		StepTimeout: 2 * time.Minute,
		System: "You are a browser automation agent. Use the provided tools to " +
			"complete the user's task, then answer with a short summary of what " +
			"you found or did.",
	}
}

// LLM is the slice of the rate-limited client the worker needs.
type LLM interface {
	Messages(ctx context.Context, req *llmclient.MessagesRequest) (*llmclient.MessagesResponse, error)
}

// AgentWorker is the single-threaded cooperative executor: one tool call
// per step, awaited to completion before the next.
type AgentWorker struct {
	cfg      Config
	llm      LLM
	registry *ToolRegistry
	sessions *browser.Manager
	encoder  *tiktoken.Tiktoken
	logger   *zap.Logger
}

// New creates an agent worker over the shared session manager and the
// rate-limited LLM client.
func New(cfg Config, llm LLM, registry *ToolRegistry, sessions *browser.Manager, logger *zap.Logger) (*AgentWorker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxSteps < 1 {
		cfg.MaxSteps = 30
	}
	if cfg.TokenBudget < 1 {
		cfg.TokenBudget = 150000
	}

	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}

	return &AgentWorker{
		cfg:      cfg,
		llm:      llm,
		registry: registry,
		sessions: sessions,
		encoder:  enc,
		logger:   logger.With(zap.String("component", "agent_worker"), zap.String("worker", cfg.Name)),
	}, nil
}

var _ Worker = (*AgentWorker)(nil)

// Name returns the containerName this worker serves.
func (w *AgentWorker) Name() string { return w.cfg.Name }

// successBody is the agent's structured output on success.
type successBody struct {
	Answer   string `json:"answer"`
	Steps    int    `json:"steps"`
	Tokens   int    `json:"tokens"`
	ThreadID string `json:"thread_id,omitempty"`
}

// Run executes the job. The browser session is released on every exit
// path, including panics, and the response is always structured.
func (w *AgentWorker) Run(ctx context.Context, req types.WorkerRequest) (resp types.WorkerResponse) {
	defer w.sessions.Cleanup()
	defer func() {
		if rec := recover(); rec != nil {
			w.logger.Error("agent loop panicked", zap.String("job_id", req.JobID), zap.Any("panic", rec))
			resp = failureResponse(req.JobID, "PanicError", fmt.Sprintf("agent loop panicked: %v", rec))
		}
	}()

	instruction := decodeInstruction(req.Input)
	if instruction == "" {
		return failureResponse(req.JobID, "InvalidInput", "job input carries no instruction")
	}

	w.logger.Info("job started",
		zap.String("job_id", req.JobID),
		zap.String("thread_id", req.ThreadID))

	messages := []llmclient.Message{{
		Role:    "user",
		Content: []llmclient.ContentBlock{llmclient.TextBlock(instruction)},
	}}

	usedTokens := 0
	for step := 1; step <= w.cfg.MaxSteps; step++ {
		if estimate := usedTokens + w.estimate(messages); estimate > w.cfg.TokenBudget {
			return failureResponse(req.JobID, "TokenBudgetExceeded",
				fmt.Sprintf("token budget exhausted after %d steps (~%d tokens)", step-1, estimate))
		}

		out, done, err := w.step(ctx, messages)
		if err != nil {
			// Exhausted upstream retries are terminal for the whole job:
			// without the model there is no next step to take.
			return failureResponse(req.JobID, "UpstreamError", err.Error())
		}
		usedTokens += out.Usage.InputTokens + out.Usage.OutputTokens

		if done {
			body, _ := json.Marshal(successBody{
				Answer:   out.Text(),
				Steps:    step,
				Tokens:   usedTokens,
				ThreadID: req.ThreadID,
			})
			w.logger.Info("job completed",
				zap.String("job_id", req.JobID),
				zap.Int("steps", step),
				zap.Int("tokens", usedTokens))
			return types.WorkerResponse{StatusCode: http.StatusOK, Body: body}
		}

		toolUse, _ := out.ToolUse()
		outcome := w.registry.Execute(ctx, toolUse.Name, toolUse.Input)
		resultJSON, _ := json.Marshal(outcome)

		messages = append(messages,
			llmclient.Message{Role: "assistant", Content: out.Content},
			llmclient.Message{Role: "user", Content: []llmclient.ContentBlock{
				llmclient.ToolResultBlock(toolUse.ID, string(resultJSON), !outcome.Success),
			}},
		)
	}

	return failureResponse(req.JobID, "StepBudgetExceeded",
		fmt.Sprintf("no final answer after %d steps", w.cfg.MaxSteps))
}

// step issues one model call under the step timeout. done reports that the
// model produced a final answer instead of a tool call.
func (w *AgentWorker) step(ctx context.Context, messages []llmclient.Message) (*llmclient.MessagesResponse, bool, error) {
	if w.cfg.StepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.StepTimeout)
		defer cancel()
	}

	out, err := w.llm.Messages(ctx, &llmclient.MessagesRequest{
		Model:     w.cfg.Model,
		MaxTokens: w.cfg.MaxTokens,
		System:    w.cfg.System,
		Messages:  messages,
		Tools:     w.registry.Schemas(),
	})
	if err != nil {
		return nil, false, err
	}
	_, hasTool := out.ToolUse()
	return out, !hasTool, nil
}

// estimate counts the tokens of the serialized conversation.
func (w *AgentWorker) estimate(messages []llmclient.Message) int {
	data, err := json.Marshal(messages)
	if err != nil {
		return 0
	}
	return len(w.encoder.Encode(string(data), nil, nil))
}

// decodeInstruction accepts either a bare string input or an object with a
// prompt/input field.
func decodeInstruction(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Prompt string `json:"prompt"`
		Input  string `json:"input"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj.Prompt != "" {
			return obj.Prompt
		}
		return obj.Input
	}
	return ""
}

func failureResponse(jobID, errType, msg string) types.WorkerResponse {
	body, _ := json.Marshal(types.WorkerFailureBody{
		Error:     msg,
		Type:      errType,
		Timestamp: time.Now().UTC(),
		JobID:     jobID,
	})
	return types.WorkerResponse{StatusCode: http.StatusInternalServerError, Body: body}
}
