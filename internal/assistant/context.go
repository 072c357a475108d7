package assistant

import (
	"fmt"
	"strings"

	"lorekeep/internal/docs"
)

// ContextStatus says how much of the persistency layer a session actually
// has to work with.
type ContextStatus string

const (
	// ContextReady: the bootstrap file and at least one document exist.
	ContextReady ContextStatus = "ready"
	// ContextMissing: the root folder does not exist on the branch.
	ContextMissing ContextStatus = "missing"
	// ContextEmpty: the folder exists but the bootstrap file is absent, so
	// the remaining documents cannot be interpreted and are not surfaced.
	ContextEmpty ContextStatus = "empty"
)

// ContextPayload is the explicit, structurally matched carrier of session
// context handed to the model: one tagged type instead of ad hoc metadata
// probing on chat messages.
type ContextPayload struct {
	Status    ContextStatus `json:"status"`
	Workspace string        `json:"workspace"`
	Repo      string        `json:"repository"`
	Branch    string        `json:"branch"`
	Files     []docs.File   `json:"files"`
}

// PayloadFromBundle classifies a context bundle. Without the bootstrap file
// the payload degrades to empty even when other documents were collected.
func PayloadFromBundle(b *docs.Bundle, workspace, repo, branch string) ContextPayload {
	p := ContextPayload{Workspace: workspace, Repo: repo, Branch: branch}
	switch {
	case b == nil || !b.Exists:
		p.Status = ContextMissing
	case !b.HasBootstrap || len(b.Files) == 0:
		p.Status = ContextEmpty
	default:
		p.Status = ContextReady
		p.Files = b.Files
	}
	return p
}

// Prompt renders the payload as a system prompt section.
func (p ContextPayload) Prompt() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Repository: %s/%s @ %s\n", p.Workspace, p.Repo, p.Branch)
	switch p.Status {
	case ContextMissing:
		b.WriteString("The `ai/` documentation folder does not exist on this branch yet.\n")
	case ContextEmpty:
		b.WriteString("The `ai/` documentation folder has no usable index; treat the knowledge base as empty.\n")
	case ContextReady:
		fmt.Fprintf(&b, "Knowledge base documents (%d):\n\n", len(p.Files))
		for _, f := range p.Files {
			fmt.Fprintf(&b, "--- %s ---\n%s\n", f.Path, f.Content)
			if f.Truncated {
				b.WriteString("[truncated]\n")
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}
