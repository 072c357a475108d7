package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"lorekeep/internal/docs"
)

func TestValidateArgsRejectsMissingRequired(t *testing.T) {
	tool := Tool{
		Name:       "demo",
		SchemaJSON: `{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`,
	}
	err := tool.ValidateArgs(map[string]any{})
	if err == nil {
		t.Fatal("ValidateArgs() accepted missing required field")
	}
	var ve *ToolValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("error = %v, want ToolValidationError", err)
	}

	if err := tool.ValidateArgs(map[string]any{"path": "ai/x.mdc"}); err != nil {
		t.Errorf("ValidateArgs() error = %v for valid args", err)
	}
}

func TestRegistryExecuteUnknownTool(t *testing.T) {
	reg := ToolRegistry{}
	_, err := reg.Execute(context.Background(), ToolCall{Name: "ghost"})
	if err == nil {
		t.Error("Execute() succeeded for unknown tool")
	}
}

func TestRegistryExecuteValidatesBeforeRunning(t *testing.T) {
	ran := false
	reg := ToolRegistry{
		"demo": {
			Name:       "demo",
			SchemaJSON: `{"type":"object","properties":{"n":{"type":"number"}},"required":["n"]}`,
			Fn: func(context.Context, map[string]any) (string, error) {
				ran = true
				return "ok", nil
			},
		},
	}
	if _, err := reg.Execute(context.Background(), ToolCall{Name: "demo", Args: map[string]any{}}); err == nil {
		t.Error("Execute() skipped validation")
	}
	if ran {
		t.Error("tool ran despite invalid args")
	}
}

// recordingQueue is a DraftQueue double.
type recordingQueue struct {
	lastPath string
	err      error
}

func (r *recordingQueue) UpsertDraft(_ context.Context, _, path, _, _ string) (string, int, error) {
	if r.err != nil {
		return "", 0, r.err
	}
	r.lastPath = "ai/" + strings.TrimPrefix(path, "ai/")
	return r.lastPath, 1, nil
}

func TestQueueDraftToolSuccess(t *testing.T) {
	queue := &recordingQueue{}
	tool := NewQueueDraftTool(queue, "sess-1")

	out, err := tool.Fn(context.Background(), map[string]any{
		"path":    "ai/guide.mdc",
		"content": "# guide",
		"summary": "add guide",
	})
	if err != nil {
		t.Fatalf("tool error = %v", err)
	}
	var result map[string]any
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("tool output is not JSON: %v", err)
	}
	if result["status"] != "queued" || result["path"] != "ai/guide.mdc" {
		t.Errorf("result = %v", result)
	}
}

func TestQueueDraftToolReportsPathErrorAsOutput(t *testing.T) {
	queue := &recordingQueue{err: &docs.PathError{Kind: docs.PathOutOfScope, Path: "src/main.go"}}
	tool := NewQueueDraftTool(queue, "sess-1")

	out, err := tool.Fn(context.Background(), map[string]any{
		"path":    "src/main.go",
		"content": "x",
	})
	if err != nil {
		t.Fatalf("path rejection must be tool output, not an error: %v", err)
	}
	var result map[string]any
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("tool output is not JSON: %v", err)
	}
	if result["status"] != "rejected" {
		t.Errorf("status = %v, want rejected", result["status"])
	}
	if msg, _ := result["error"].(string); !strings.Contains(msg, "ai/") {
		t.Errorf("error message %q should point at the ai/ directory", msg)
	}
}

func TestQueueDraftToolPropagatesStorageErrors(t *testing.T) {
	queue := &recordingQueue{err: errors.New("database is locked")}
	tool := NewQueueDraftTool(queue, "sess-1")

	_, err := tool.Fn(context.Background(), map[string]any{"path": "ai/x.mdc", "content": "y"})
	if err == nil {
		t.Error("storage failure swallowed by the tool")
	}
}

func TestPayloadFromBundle(t *testing.T) {
	cases := []struct {
		name   string
		bundle *docs.Bundle
		want   ContextStatus
	}{
		{"nil bundle", nil, ContextMissing},
		{"missing root", &docs.Bundle{Exists: false}, ContextMissing},
		{"no bootstrap", &docs.Bundle{Exists: true, Files: []docs.File{{Path: "ai/a.mdc"}}}, ContextEmpty},
		{"empty folder", &docs.Bundle{Exists: true, HasBootstrap: false}, ContextEmpty},
		{"ready", &docs.Bundle{
			Exists: true, HasBootstrap: true,
			Files: []docs.File{{Path: "ai/index.mdc", Content: "# i"}},
		}, ContextReady},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := PayloadFromBundle(tc.bundle, "acme", "platform", "main")
			if p.Status != tc.want {
				t.Errorf("status = %s, want %s", p.Status, tc.want)
			}
			if tc.want != ContextReady && len(p.Files) != 0 {
				t.Errorf("files surfaced for %s payload", tc.want)
			}
		})
	}
}
