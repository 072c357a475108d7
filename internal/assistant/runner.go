package assistant

import (
	"context"
	"fmt"
)

// DefaultMaxSteps bounds the chat/tool loop for one user turn.
const DefaultMaxSteps = 8

// Runner drives the chat loop: ask the provider, execute any tool calls,
// feed results back, repeat until the model produces a plain answer.
type Runner struct {
	provider Provider
	registry ToolRegistry
	maxSteps int
}

// NewRunner creates a Runner with the default step cap.
func NewRunner(provider Provider, registry ToolRegistry) *Runner {
	return &Runner{provider: provider, registry: registry, maxSteps: DefaultMaxSteps}
}

// Run executes one user turn. It returns the full set of messages produced
// during the turn (assistant replies and tool results) so the caller can
// append them to the transcript.
func (r *Runner) Run(ctx context.Context, history []ChatMessage) ([]ChatMessage, error) {
	msgs := make([]ChatMessage, len(history))
	copy(msgs, history)

	var produced []ChatMessage
	schemas := r.registry.Schemas()

	for step := 0; step < r.maxSteps; step++ {
		select {
		case <-ctx.Done():
			return produced, fmt.Errorf("turn cancelled: %w", ctx.Err())
		default:
		}

		resp, err := r.provider.Chat(ctx, msgs, schemas)
		if err != nil {
			return produced, err
		}

		msgs = append(msgs, resp.Assistant)
		produced = append(produced, resp.Assistant)

		if len(resp.ToolCalls) == 0 {
			return produced, nil
		}

		for _, call := range resp.ToolCalls {
			output, err := r.registry.Execute(ctx, call)
			if err != nil {
				output = fmt.Sprintf(`{"error": %q}`, err.Error())
			}
			toolMsg := ChatMessage{Role: RoleTool, Content: output, Name: call.ID}
			msgs = append(msgs, toolMsg)
			produced = append(produced, toolMsg)
		}
	}

	return produced, fmt.Errorf("turn exceeded %d steps without completing", r.maxSteps)
}
