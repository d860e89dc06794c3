package core

import (
	"context"
	"encoding/json"
	"time"
)

// Usage reports token consumption for one capability call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionRequest is the canonical shape every provider adapter
// normalizes to.
type CompletionRequest struct {
	SystemPrompt string
	UserMessage  string
	Model        string
	Context      []Message
	Tools        []ToolDefinition
	JSONMode     bool
	JSONSchema   json.RawMessage
	JSONStrict   bool
	Images       []string
	Stream       *Stream // optional; deltas are pushed as they arrive
}

// CompletionResponse is the canonical completion result. When streaming,
// adapters still return the aggregate alongside the pushed deltas.
type CompletionResponse struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
}

// Completer sends chat completion requests.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// Embedder generates one vector per input text, order-preserving.
type Embedder interface {
	Embed(ctx context.Context, texts []string, model string) ([][]float32, error)
}

// ToolOutcome is the result of executing a tool implementation. A timeout
// is a tool failure, never a process fault.
type ToolOutcome struct {
	Success bool   `json:"success"`
	Result  string `json:"result,omitempty"`
	Err     string `json:"error,omitempty"`
}

// Sandbox runs untrusted function code with an explicit timeout.
type Sandbox interface {
	Run(ctx context.Context, code []byte, args map[string]any, timeout time.Duration) ToolOutcome
}

// RemoteInvoker calls a tool hosted by an external server.
type RemoteInvoker interface {
	Invoke(ctx context.Context, server, tool string, args map[string]any, timeout time.Duration) ToolOutcome
}
