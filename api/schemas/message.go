// api/schemas/message.go
package schemas

import (
	encodingjson "encoding/json"
)

// Role labels who produced a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"    // The standing instruction block.
	RoleUser      Role = "user"      // Task input and sandbox feedback.
	RoleAssistant Role = "assistant" // Model output, text or structured calls.
	RoleTool      Role = "tool"      // A result paired to a structured call.
)

// Turn is one provider-neutral entry of the conversation transcript. Provider
// adapters render turns into their own wire shapes; the transcript itself
// never depends on which API consumed it.
type Turn struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	Images     []string   `json:"images,omitempty"` // Base64 PNG payloads attached to the turn.
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // Correlates a tool turn to its call.
}

// ToolCall is one native structured invocation as the provider reported it.
// Arguments stays raw: providers disagree on whether it is an object or a
// JSON-encoded string, and the parser accepts both.
type ToolCall struct {
	ID        string                     `json:"id"`
	Name      string                     `json:"name"`
	Arguments encodingjson.RawMessage    `json:"arguments,omitempty"`
}

// TokenUsage is the per-request accounting block a provider returns.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	CachedTokens     int `json:"cached_tokens"` // Subset of PromptTokens served from cache.
	TotalTokens      int `json:"total_tokens"`
}

// ModelResponse is the provider-neutral result of one model request.
type ModelResponse struct {
	Text      string      // Free-form text content, possibly empty.
	ToolCalls []ToolCall  // Native structured calls, possibly empty.
	Usage     *TokenUsage // Accounting block when the provider sent one.
}

// HasToolCalls reports whether the response carries native structured calls,
// which take precedence over any text content during parsing.
func (r *ModelResponse) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}
