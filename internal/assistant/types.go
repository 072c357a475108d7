// Package assistant is the conversational harness: chat providers, the tool
// registry, and the write tool that feeds the draft queue.
package assistant

import "context"

// Role of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ChatMessage is one turn of the conversation. For RoleTool messages, Name
// carries the tool-use id the result answers.
type ChatMessage struct {
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	Name      string     `json:"name,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// Response is a provider's answer to one chat call.
type Response struct {
	Assistant    ChatMessage
	ToolCalls    []ToolCall
	FinishReason string // "stop", "tool_calls", "length"
}

// ToolSchema describes a tool to the model.
type ToolSchema struct {
	Name        string
	Description string
	JSONSchema  string
}

// Provider is a chat-capable LLM backend.
type Provider interface {
	Chat(ctx context.Context, messages []ChatMessage, tools []ToolSchema) (*Response, error)
}
