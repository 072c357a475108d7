package assistant

import (
	"context"
	"encoding/json"
	"fmt"

	openai "github.com/meguminnnnnnnnn/go-openai"
)

// OpenAIProvider implements Provider via the OpenAI chat completions API.
// A custom base URL supports OpenAI-compatible gateways.
type OpenAIProvider struct {
	client *openai.Client
	model  string
}

// NewOpenAIProvider creates an OpenAI-backed chat provider.
func NewOpenAIProvider(apiKey, model, baseURL string) *OpenAIProvider {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &OpenAIProvider{
		client: openai.NewClientWithConfig(config),
		model:  model,
	}
}

// Chat sends one conversation turn.
func (p *OpenAIProvider) Chat(ctx context.Context, messages []ChatMessage, tools []ToolSchema) (*Response, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(messages))
	prevAssistantHadToolCalls := false

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Content,
			})
			prevAssistantHadToolCalls = false
		case RoleUser:
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
			prevAssistantHadToolCalls = false
		case RoleAssistant:
			// The SDK serializes empty content as null, which the API
			// rejects; a single space is accepted and equivalent.
			content := msg.Content
			if content == "" {
				content = " "
			}
			var toolCalls []openai.ToolCall
			for _, tc := range msg.ToolCalls {
				argsJSON, _ := json.Marshal(tc.Args)
				toolCalls = append(toolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(argsJSON),
					},
				})
			}
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:      openai.ChatMessageRoleAssistant,
				Content:   content,
				ToolCalls: toolCalls,
			})
			prevAssistantHadToolCalls = len(msg.ToolCalls) > 0
		case RoleTool:
			// Tool messages must follow an assistant message with tool_calls.
			if !prevAssistantHadToolCalls {
				continue
			}
			content := msg.Content
			if content == "" {
				content = "{}"
			}
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: msg.Name,
				Content:    content,
			})
		}
	}

	var toolDefs []openai.Tool
	for _, ts := range tools {
		var schemaObj map[string]any
		if err := json.Unmarshal([]byte(ts.JSONSchema), &schemaObj); err != nil {
			return nil, fmt.Errorf("invalid tool schema JSON for %s: %w", ts.Name, err)
		}
		toolDefs = append(toolDefs, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        ts.Name,
				Description: ts.Description,
				Parameters:  schemaObj,
			},
		})
	}

	req := openai.ChatCompletionRequest{
		Model:    p.model,
		Messages: msgs,
	}
	if len(toolDefs) > 0 {
		req.Tools = toolDefs
		req.ToolChoice = "auto"
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai chat failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("empty response from OpenAI")
	}

	choice := resp.Choices[0]
	var toolCalls []ToolCall
	for _, tc := range choice.Message.ToolCalls {
		args := make(map[string]any)
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				args = make(map[string]any)
			}
		}
		toolCalls = append(toolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Args: args})
	}

	finishReason := "stop"
	if len(toolCalls) > 0 {
		finishReason = "tool_calls"
	} else if choice.FinishReason == openai.FinishReasonLength {
		finishReason = "length"
	}

	return &Response{
		Assistant:    ChatMessage{Role: RoleAssistant, Content: choice.Message.Content, ToolCalls: toolCalls},
		ToolCalls:    toolCalls,
		FinishReason: finishReason,
	}, nil
}
