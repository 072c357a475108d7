package assistant

import (
	"context"
	"encoding/json"
	"fmt"

	anthropic "github.com/liushuangls/go-anthropic/v2"
)

// AnthropicProvider implements Provider over the Anthropic messages API.
type AnthropicProvider struct {
	client *anthropic.Client
	model  string
}

// NewAnthropicProvider creates an Anthropic-backed chat provider.
func NewAnthropicProvider(apiKey, model string) *AnthropicProvider {
	return &AnthropicProvider{
		client: anthropic.NewClient(apiKey),
		model:  model,
	}
}

// Chat sends one conversation turn. System messages become the request's
// system parts; tool results ride as user messages, which is what the
// Anthropic API expects.
func (p *AnthropicProvider) Chat(ctx context.Context, messages []ChatMessage, tools []ToolSchema) (*Response, error) {
	var systemParts []anthropic.MessageSystemPart
	var msgs []anthropic.Message
	prevAssistantHadToolCalls := false

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			systemParts = append(systemParts, anthropic.MessageSystemPart{
				Type: "text",
				Text: msg.Content,
			})
			prevAssistantHadToolCalls = false
		case RoleUser:
			msgs = append(msgs, anthropic.Message{
				Role:    anthropic.RoleUser,
				Content: []anthropic.MessageContent{anthropic.NewTextMessageContent(msg.Content)},
			})
			prevAssistantHadToolCalls = false
		case RoleAssistant:
			var content []anthropic.MessageContent
			if msg.Content != "" {
				content = append(content, anthropic.NewTextMessageContent(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				argsJSON, _ := json.Marshal(tc.Args)
				content = append(content, anthropic.NewToolUseMessageContent(
					tc.ID, tc.Name, json.RawMessage(argsJSON)))
			}
			msgs = append(msgs, anthropic.Message{Role: anthropic.RoleAssistant, Content: content})
			prevAssistantHadToolCalls = len(msg.ToolCalls) > 0
		case RoleTool:
			// Tool results must follow an assistant tool_use block.
			if !prevAssistantHadToolCalls {
				continue
			}
			content := msg.Content
			if content == "" {
				content = "{}"
			}
			msgs = append(msgs, anthropic.Message{
				Role: anthropic.RoleUser,
				Content: []anthropic.MessageContent{
					anthropic.NewToolResultMessageContent(msg.Name, content, false),
				},
			})
		}
	}

	var toolDefs []anthropic.ToolDefinition
	for _, ts := range tools {
		var schemaObj map[string]any
		if err := json.Unmarshal([]byte(ts.JSONSchema), &schemaObj); err != nil {
			return nil, fmt.Errorf("invalid tool schema JSON for %s: %w", ts.Name, err)
		}
		toolDefs = append(toolDefs, anthropic.ToolDefinition{
			Name:        ts.Name,
			Description: ts.Description,
			InputSchema: schemaObj,
		})
	}

	req := anthropic.MessagesRequest{
		Model:     anthropic.Model(p.model),
		Messages:  msgs,
		MaxTokens: 4096,
	}
	if len(systemParts) > 0 {
		req.MultiSystem = systemParts
	}
	if len(toolDefs) > 0 {
		req.Tools = toolDefs
	}

	resp, err := p.client.CreateMessages(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("anthropic chat failed: %w", err)
	}

	var text string
	var toolCalls []ToolCall
	for _, block := range resp.Content {
		switch block.Type {
		case anthropic.MessagesContentTypeText:
			if block.Text != nil {
				text += *block.Text
			}
		case "tool_use":
			if block.MessageContentToolUse != nil && block.ID != "" && block.Name != "" {
				args := make(map[string]any)
				if len(block.Input) > 0 {
					if err := json.Unmarshal(block.Input, &args); err != nil {
						args = make(map[string]any)
					}
				}
				toolCalls = append(toolCalls, ToolCall{ID: block.ID, Name: block.Name, Args: args})
			}
		}
	}

	finishReason := "stop"
	if len(toolCalls) > 0 {
		finishReason = "tool_calls"
	} else if resp.StopReason == "max_tokens" {
		finishReason = "length"
	}

	return &Response{
		Assistant:    ChatMessage{Role: RoleAssistant, Content: text, ToolCalls: toolCalls},
		ToolCalls:    toolCalls,
		FinishReason: finishReason,
	}, nil
}
