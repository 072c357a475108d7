package assistant

import (
	"context"
	"testing"
)

// scriptedProvider returns canned responses in order.
type scriptedProvider struct {
	responses []*Response
	calls     int
	lastMsgs  []ChatMessage
}

func (p *scriptedProvider) Chat(_ context.Context, messages []ChatMessage, _ []ToolSchema) (*Response, error) {
	p.lastMsgs = messages
	if p.calls >= len(p.responses) {
		return &Response{Assistant: ChatMessage{Role: RoleAssistant, Content: "done"}, FinishReason: "stop"}, nil
	}
	r := p.responses[p.calls]
	p.calls++
	return r, nil
}

func TestRunnerPlainAnswer(t *testing.T) {
	provider := &scriptedProvider{responses: []*Response{
		{Assistant: ChatMessage{Role: RoleAssistant, Content: "hello"}, FinishReason: "stop"},
	}}
	r := NewRunner(provider, ToolRegistry{})

	produced, err := r.Run(context.Background(), []ChatMessage{{Role: RoleUser, Content: "hi"}})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(produced) != 1 || produced[0].Content != "hello" {
		t.Errorf("produced = %+v", produced)
	}
	if provider.calls != 1 {
		t.Errorf("provider called %d times, want 1", provider.calls)
	}
}

func TestRunnerExecutesToolsAndFeedsResultsBack(t *testing.T) {
	call := ToolCall{ID: "tu_1", Name: "echo", Args: map[string]any{"text": "ping"}}
	provider := &scriptedProvider{responses: []*Response{
		{
			Assistant:    ChatMessage{Role: RoleAssistant, ToolCalls: []ToolCall{call}},
			ToolCalls:    []ToolCall{call},
			FinishReason: "tool_calls",
		},
		{Assistant: ChatMessage{Role: RoleAssistant, Content: "pong"}, FinishReason: "stop"},
	}}
	reg := ToolRegistry{
		"echo": {
			Name:       "echo",
			SchemaJSON: `{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`,
			Fn: func(_ context.Context, args map[string]any) (string, error) {
				return `{"echoed":"` + args["text"].(string) + `"}`, nil
			},
		},
	}
	r := NewRunner(provider, reg)

	produced, err := r.Run(context.Background(), []ChatMessage{{Role: RoleUser, Content: "go"}})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	// assistant(tool call) + tool result + assistant(answer)
	if len(produced) != 3 {
		t.Fatalf("produced %d messages, want 3: %+v", len(produced), produced)
	}
	if produced[1].Role != RoleTool || produced[1].Name != "tu_1" {
		t.Errorf("tool result = %+v, want RoleTool carrying the tool-use id", produced[1])
	}
	if produced[2].Content != "pong" {
		t.Errorf("final answer = %q", produced[2].Content)
	}
	// The second provider call must have seen the tool result.
	sawResult := false
	for _, m := range provider.lastMsgs {
		if m.Role == RoleTool && m.Name == "tu_1" {
			sawResult = true
		}
	}
	if !sawResult {
		t.Error("tool result was not fed back to the provider")
	}
}

func TestRunnerToolErrorBecomesResult(t *testing.T) {
	call := ToolCall{ID: "tu_1", Name: "boom", Args: map[string]any{}}
	provider := &scriptedProvider{responses: []*Response{
		{
			Assistant:    ChatMessage{Role: RoleAssistant, ToolCalls: []ToolCall{call}},
			ToolCalls:    []ToolCall{call},
			FinishReason: "tool_calls",
		},
		{Assistant: ChatMessage{Role: RoleAssistant, Content: "recovered"}, FinishReason: "stop"},
	}}
	reg := ToolRegistry{} // "boom" is unknown: Execute fails
	r := NewRunner(provider, reg)

	produced, err := r.Run(context.Background(), []ChatMessage{{Role: RoleUser, Content: "go"}})
	if err != nil {
		t.Fatalf("Run() error = %v: tool failures must not abort the turn", err)
	}
	if produced[1].Role != RoleTool || produced[1].Content == "" {
		t.Errorf("tool failure not reported as result: %+v", produced[1])
	}
}

func TestRunnerStepCap(t *testing.T) {
	call := ToolCall{ID: "tu", Name: "loop", Args: map[string]any{}}
	loop := &Response{
		Assistant:    ChatMessage{Role: RoleAssistant, ToolCalls: []ToolCall{call}},
		ToolCalls:    []ToolCall{call},
		FinishReason: "tool_calls",
	}
	responses := make([]*Response, DefaultMaxSteps+2)
	for i := range responses {
		responses[i] = loop
	}
	provider := &scriptedProvider{responses: responses}
	reg := ToolRegistry{
		"loop": {
			Name:       "loop",
			SchemaJSON: `{"type":"object"}`,
			Fn:         func(context.Context, map[string]any) (string, error) { return "{}", nil },
		},
	}
	r := NewRunner(provider, reg)

	_, err := r.Run(context.Background(), []ChatMessage{{Role: RoleUser, Content: "go"}})
	if err == nil {
		t.Fatal("Run() did not stop at the step cap")
	}
	if provider.calls != DefaultMaxSteps {
		t.Errorf("provider called %d times, want the cap %d", provider.calls, DefaultMaxSteps)
	}
}
