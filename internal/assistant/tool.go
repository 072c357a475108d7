package assistant

import (
	"context"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ToolFunc executes a tool call and returns a JSON result string.
type ToolFunc func(ctx context.Context, args map[string]any) (string, error)

// Tool is one callable exposed to the model.
type Tool struct {
	Name        string
	Description string
	SchemaJSON  string
	Fn          ToolFunc
	Retryable   bool
}

// ToolValidationError means the model's arguments failed schema validation.
type ToolValidationError struct {
	ToolName string
	Errors   []string
}

func (e *ToolValidationError) Error() string {
	return fmt.Sprintf("tool %s validation failed: %s", e.ToolName, strings.Join(e.Errors, "; "))
}

// ValidateArgs validates args against the tool's JSON schema.
func (t Tool) ValidateArgs(args map[string]any) error {
	schemaLoader := gojsonschema.NewStringLoader(t.SchemaJSON)
	documentLoader := gojsonschema.NewGoLoader(args)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		var msgs []string
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return &ToolValidationError{ToolName: t.Name, Errors: msgs}
	}
	return nil
}

// ToolRegistry maps tool names to tools.
type ToolRegistry map[string]Tool

// Schemas returns the registry as model-facing schemas.
func (r ToolRegistry) Schemas() []ToolSchema {
	s := make([]ToolSchema, 0, len(r))
	for _, t := range r {
		s = append(s, ToolSchema{
			Name:        t.Name,
			Description: t.Description,
			JSONSchema:  t.SchemaJSON,
		})
	}
	return s
}

// Execute validates and runs one tool call.
func (r ToolRegistry) Execute(ctx context.Context, call ToolCall) (string, error) {
	tool, ok := r[call.Name]
	if !ok {
		return "", fmt.Errorf("unknown tool: %s", call.Name)
	}
	if err := tool.ValidateArgs(call.Args); err != nil {
		return "", err
	}
	return tool.Fn(ctx, call.Args)
}
