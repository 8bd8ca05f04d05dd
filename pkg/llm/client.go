package llm

import (
	"context"
	"encoding/json"
)

// Role identifies who produced a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// StopReason reports why the model stopped generating.
type StopReason string

const (
	StopReasonEndTurn   StopReason = "end_turn"
	StopReasonToolUse   StopReason = "tool_use"
	StopReasonMaxTokens StopReason = "max_tokens"
)

// ToolDefinition describes one tool available to the model. InputSchema
// is a JSON Schema object (properties + required).
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ToolCall is the model's request to invoke a tool.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResult carries one executed tool call's outcome back to the model.
// IsError marks failures so the model can adjust instead of aborting.
type ToolResult struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// ImagePayload attaches one image to a user message for vision analysis.
type ImagePayload struct {
	MediaType  string // image/png, image/jpeg, ...
	DataBase64 string
}

// Message is one turn of a conversation. Assistant messages may carry
// ToolCalls; the following user message carries the matching ToolResults.
type Message struct {
	Role        Role
	Content     string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
	Images      []ImagePayload
}

// ChatRequest is one model invocation.
type ChatRequest struct {
	Model     string
	System    string
	MaxTokens int
	Messages  []Message
	Tools     []ToolDefinition
}

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is the model's reply to one ChatRequest.
type Response struct {
	Content    string
	ToolCalls  []ToolCall
	StopReason StopReason
	Usage      Usage
}

// Client is the reasoning-model interface the pipeline depends on. All
// callers must treat the model as an optional accelerator: every consumer
// carries a deterministic fallback for unavailability and malformed
// output.
type Client interface {
	// Chat sends one conversation turn and returns the model's reply.
	Chat(ctx context.Context, req ChatRequest) (*Response, error)

	// Available reports whether the backend is reachable with the
	// configured credentials. Used by the health endpoint.
	Available(ctx context.Context) bool
}
