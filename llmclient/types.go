// Package llmclient wraps outbound calls to the LLM provider behind quota
// tracking, pre-call back-pressure and bounded overload retry. It is the
// only owner of the process-local rate-limit state.
package llmclient

import (
	"encoding/json"
	"time"
)

// ErrorCode classifies upstream failures.
type ErrorCode string

const (
	ErrRateLimited    ErrorCode = "LLM_RATE_LIMITED"    // hard 429 rejection
	ErrOverloaded     ErrorCode = "LLM_OVERLOADED"      // provider over capacity
	ErrUnauthorized   ErrorCode = "LLM_UNAUTHORIZED"    // bad credentials
	ErrInvalidRequest ErrorCode = "LLM_INVALID_REQUEST" // malformed request
	ErrUpstream       ErrorCode = "LLM_UPSTREAM_ERROR"  // transport or 5xx
)

// Error is the structured upstream error surfaced to the agent loop.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status"`
	Retryable  bool      `json:"retryable"`
}

func (e *Error) Error() string { return e.Message }

// ContentBlock is one element of a message's content array.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// TextBlock builds a plain text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// ToolResultBlock builds a tool_result block answering a tool_use block.
func ToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{Type: "tool_result", ToolUseID: toolUseID, Content: content, IsError: isError}
}

// Message is one conversation turn.
type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ToolSchema declares a tool the model may call.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// MessagesRequest is the messages-API request payload.
type MessagesRequest struct {
	Model     string       `json:"model"`
	MaxTokens int          `json:"max_tokens"`
	System    string       `json:"system,omitempty"`
	Messages  []Message    `json:"messages"`
	Tools     []ToolSchema `json:"tools,omitempty"`
}

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// MessagesResponse is the messages-API response payload.
type MessagesResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
}

// ToolUse returns the first tool_use block, if any.
func (r *MessagesResponse) ToolUse() (ContentBlock, bool) {
	for _, b := range r.Content {
		if b.Type == "tool_use" {
			return b, true
		}
	}
	return ContentBlock{}, false
}

// Text concatenates the text blocks of the response.
func (r *MessagesResponse) Text() string {
	var out string
	for _, b := range r.Content {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}

// RateLimitState is the advisory quota snapshot rebuilt from the headers of
// the most recent upstream response. It is never persisted across process
// restarts, and a snapshot past its reset time is discarded rather than
// trusted.
type RateLimitState struct {
	InputTokensRemaining int
	InputTokensLimit     int
	InputTokensResetAt   time.Time
	RequestsRemaining    int
	RequestsLimit        int
	RequestsResetAt      time.Time
	LastUpdatedAt        time.Time
}

// errorBody is the provider error envelope.
type errorBody struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
