package assistant

import (
	"context"
	"encoding/json"
	"fmt"

	"lorekeep/internal/docs"
)

// DraftQueue is the draft upsert surface. Implemented by store.Store.
type DraftQueue interface {
	UpsertDraft(ctx context.Context, sessionID, path, content, summary string) (canonicalPath string, draftCount int, err error)
}

// NewQueueDraftTool builds the write tool for one session. Registering it at
// all is the write gate: sessions with allow_writes off never see it.
// Path normalization failures are reported back to the model as tool output
// rather than errors, so it can correct the path and retry.
func NewQueueDraftTool(queue DraftQueue, sessionID string) Tool {
	return Tool{
		Name: "queue_draft",
		Description: "Queue a full replacement body for one document under the ai/ folder. " +
			"The change is staged locally and reaches the repository only when the user persists the session.",
		SchemaJSON: `{"type":"object","properties":{` +
			`"path":{"type":"string","description":"Repository-relative document path under ai/, ending in .mdc"},` +
			`"content":{"type":"string","description":"The complete new file body (not a diff)"},` +
			`"summary":{"type":"string","description":"One-line description of the change"}},` +
			`"required":["path","content"]}`,
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			path, ok := args["path"].(string)
			if !ok {
				return "", fmt.Errorf("path must be a string")
			}
			content, ok := args["content"].(string)
			if !ok {
				return "", fmt.Errorf("content must be a string")
			}
			summary, _ := args["summary"].(string)

			canonical, count, err := queue.UpsertDraft(ctx, sessionID, path, content, summary)
			if err != nil {
				if pe, ok := docs.IsPathError(err); ok {
					return marshalResult(map[string]any{
						"status": "rejected",
						"error":  pe.Error(),
					})
				}
				return "", err
			}
			return marshalResult(map[string]any{
				"status":     "queued",
				"path":       canonical,
				"draftCount": count,
			})
		},
		Retryable: false, // queuing mutates session state
	}
}

func marshalResult(result map[string]any) (string, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("failed to marshal tool result: %w", err)
	}
	return string(data), nil
}
