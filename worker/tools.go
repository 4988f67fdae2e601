package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/webrunner/browser"
	"github.com/BaSui01/webrunner/llmclient"
)

// maxToolPayload bounds the size of a tool result fed back to the model.
const maxToolPayload = 8 * 1024

// ToolFunc executes one browser operation and returns a bounded payload.
type ToolFunc func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// toolEntry couples a tool with its schema and optional rate limiter.
type toolEntry struct {
	fn      ToolFunc
	schema  llmclient.ToolSchema
	limiter *rate.Limiter
}

// ToolRegistry maps stable tool names to their input shape and executor.
// The agent decides which tool to call; the registry only owns the
// contracts.
type ToolRegistry struct {
	mu     sync.RWMutex
	tools  map[string]toolEntry
	logger *zap.Logger
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry(logger *zap.Logger) *ToolRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ToolRegistry{
		tools:  make(map[string]toolEntry),
		logger: logger.With(zap.String("component", "tool_registry")),
	}
}

// Register adds a tool. A nil limiter means unthrottled.
func (r *ToolRegistry) Register(schema llmclient.ToolSchema, fn ToolFunc, limiter *rate.Limiter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[schema.Name]; exists {
		return fmt.Errorf("tool %s already registered", schema.Name)
	}
	r.tools[schema.Name] = toolEntry{fn: fn, schema: schema, limiter: limiter}
	r.logger.Debug("tool registered", zap.String("name", schema.Name))
	return nil
}

// Schemas lists the registered tool schemas for the model request.
func (r *ToolRegistry) Schemas() []llmclient.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]llmclient.ToolSchema, 0, len(r.tools))
	for _, e := range r.tools {
		out = append(out, e.schema)
	}
	return out
}

// ToolOutcome is what a tool execution reports back to the agent loop.
// Failures are data, not errors: the loop decides whether to adapt or
// retry within its own step budget.
type ToolOutcome struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Execute runs one tool call. Any failure, including an unknown tool name
// or a panicking executor, is returned as a structured outcome.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args json.RawMessage) (outcome ToolOutcome) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool panicked", zap.String("tool", name), zap.Any("panic", rec))
			outcome = ToolOutcome{Success: false, Error: fmt.Sprintf("tool %s panicked: %v", name, rec)}
		}
	}()

	r.mu.RLock()
	entry, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return ToolOutcome{Success: false, Error: fmt.Sprintf("unknown tool: %s", name)}
	}

	if entry.limiter != nil {
		if err := entry.limiter.Wait(ctx); err != nil {
			return ToolOutcome{Success: false, Error: err.Error()}
		}
	}

	start := time.Now()
	data, err := entry.fn(ctx, args)
	if err != nil {
		r.logger.Warn("tool failed",
			zap.String("tool", name),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return ToolOutcome{Success: false, Error: err.Error()}
	}

	if len(data) > maxToolPayload {
		truncated, _ := json.Marshal(map[string]any{
			"truncated":      true,
			"original_bytes": len(data),
		})
		data = truncated
	}

	r.logger.Debug("tool executed",
		zap.String("tool", name),
		zap.Duration("duration", time.Since(start)))
	return ToolOutcome{Success: true, Data: data}
}

// RegisterBrowserTools registers the canonical browser capabilities backed
// by the shared session manager. Each executor borrows the session for one
// operation; acquiring it also refreshes the session activity time.
func RegisterBrowserTools(reg *ToolRegistry, mgr *browser.Manager) error {
	screenshotLimiter := rate.NewLimiter(rate.Every(2*time.Second), 1)

	tools := []struct {
		schema  llmclient.ToolSchema
		fn      ToolFunc
		limiter *rate.Limiter
	}{
		{
			schema: llmclient.ToolSchema{
				Name:        "navigate",
				Description: "Navigate the browser to a URL and wait for the page to load.",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"url":{"type":"string"}},"required":["url"]}`),
			},
			fn: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
				var in struct {
					URL string `json:"url"`
				}
				if err := json.Unmarshal(args, &in); err != nil {
					return nil, fmt.Errorf("invalid navigate input: %w", err)
				}
				sess, err := mgr.Session(ctx)
				if err != nil {
					return nil, err
				}
				if err := sess.Driver.Navigate(ctx, in.URL); err != nil {
					return nil, err
				}
				title, _ := sess.Driver.Title(ctx)
				return json.Marshal(map[string]string{"url": in.URL, "title": title})
			},
		},
		{
			schema: llmclient.ToolSchema{
				Name:        "click",
				Description: "Click the element matching a CSS selector.",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"selector":{"type":"string"}},"required":["selector"]}`),
			},
			fn: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
				var in struct {
					Selector string `json:"selector"`
				}
				if err := json.Unmarshal(args, &in); err != nil {
					return nil, fmt.Errorf("invalid click input: %w", err)
				}
				sess, err := mgr.Session(ctx)
				if err != nil {
					return nil, err
				}
				if err := sess.Driver.Click(ctx, in.Selector); err != nil {
					return nil, err
				}
				return json.Marshal(map[string]string{"clicked": in.Selector})
			},
		},
		{
			schema: llmclient.ToolSchema{
				Name:        "type_text",
				Description: "Type text into the element matching a CSS selector.",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"selector":{"type":"string"},"text":{"type":"string"}},"required":["selector","text"]}`),
			},
			fn: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
				var in struct {
					Selector string `json:"selector"`
					Text     string `json:"text"`
				}
				if err := json.Unmarshal(args, &in); err != nil {
					return nil, fmt.Errorf("invalid type_text input: %w", err)
				}
				sess, err := mgr.Session(ctx)
				if err != nil {
					return nil, err
				}
				if err := sess.Driver.Type(ctx, in.Selector, in.Text); err != nil {
					return nil, err
				}
				return json.Marshal(map[string]any{"typed": len(in.Text), "selector": in.Selector})
			},
		},
		{
			schema: llmclient.ToolSchema{
				Name:        "screenshot",
				Description: "Capture a screenshot of the current page.",
				InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
			},
			limiter: screenshotLimiter,
			fn: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
				sess, err := mgr.Session(ctx)
				if err != nil {
					return nil, err
				}
				img, err := sess.Driver.Screenshot(ctx)
				if err != nil {
					return nil, err
				}
				// The image itself is kept out of the conversation; only
				// its size is reported back to the model.
				return json.Marshal(map[string]any{"captured": true, "bytes": len(img)})
			},
		},
		{
			schema: llmclient.ToolSchema{
				Name:        "extract_text",
				Description: "Extract the text content of the element matching a CSS selector.",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"selector":{"type":"string"}},"required":["selector"]}`),
			},
			fn: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
				var in struct {
					Selector string `json:"selector"`
				}
				if err := json.Unmarshal(args, &in); err != nil {
					return nil, fmt.Errorf("invalid extract_text input: %w", err)
				}
				sess, err := mgr.Session(ctx)
				if err != nil {
					return nil, err
				}
				text, err := sess.Driver.ExtractText(ctx, in.Selector)
				if err != nil {
					return nil, err
				}
				return json.Marshal(map[string]string{"text": text})
			},
		},
		{
			schema: llmclient.ToolSchema{
				Name:        "wait_visible",
				Description: "Wait until the element matching a CSS selector becomes visible.",
				InputSchema: json.RawMessage(`{"type":"object","properties":{"selector":{"type":"string"}},"required":["selector"]}`),
			},
			fn: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
				var in struct {
					Selector string `json:"selector"`
				}
				if err := json.Unmarshal(args, &in); err != nil {
					return nil, fmt.Errorf("invalid wait_visible input: %w", err)
				}
				sess, err := mgr.Session(ctx)
				if err != nil {
					return nil, err
				}
				if err := sess.Driver.WaitVisible(ctx, in.Selector); err != nil {
					return nil, err
				}
				return json.Marshal(map[string]any{"visible": in.Selector})
			},
		},
	}

	for _, t := range tools {
		if err := reg.Register(t.schema, t.fn, t.limiter); err != nil {
			return err
		}
	}
	return nil
}
