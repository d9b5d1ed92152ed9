package providers

import (
	"context"
	"fmt"
)

// Message is one conversation entry in the provider wire format.
type Message struct {
	Role       string            `json:"role"`
	Content    string            `json:"content"`
	ToolCalls  []ToolCallPayload `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	Name       string            `json:"name,omitempty"`
}

// ToolCallPayload is the wire shape of a tool call inside an assistant
// message; Arguments stays an encoded JSON string on the wire.
type ToolCallPayload struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall is a parsed tool invocation request from the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]interface{}
}

// UsageInfo reports token counts for one completion.
type UsageInfo struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Reply is one model turn: assistant text plus any requested tool calls.
type Reply struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        *UsageInfo
}

// HasToolCalls reports whether the model requested any tool executions.
func (r *Reply) HasToolCalls() bool {
	return r != nil && len(r.ToolCalls) > 0
}

// Provider produces model completions. Implementations must honor ctx
// cancellation on the underlying transport.
type Provider interface {
	Chat(ctx context.Context, messages []Message, tools []map[string]interface{}) (*Reply, error)
}

// ProviderError marks a failure in the provider itself (auth, quota, bad
// endpoint) as opposed to transient transport noise. The agent loop treats
// these as fatal for the run.
type ProviderError struct {
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error (status %d): %s", e.StatusCode, e.Body)
}
