package docs

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"lorekeep/internal/bitbucket"
)

const (
	// DefaultMaxFiles bounds how many documents one bundle may carry.
	DefaultMaxFiles = 40

	// MaxFileBytes is the per-file body ceiling. Larger bodies are cut and
	// flagged at the file level, independent of the bundle-level flag.
	MaxFileBytes = 100_000
)

// File is an immutable snapshot of one remote document.
type File struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	Truncated bool   `json:"truncated"`
}

// Bundle is the normalized snapshot of the persistency layer attached to a
// session for model consumption.
type Bundle struct {
	Exists       bool   `json:"exists"`
	Truncated    bool   `json:"truncated"`
	HasBootstrap bool   `json:"hasBootstrap"`
	Files        []File `json:"files"`
}

// RemoteTree is the remote surface the assembler walks. Implemented by
// bitbucket.Client.
type RemoteTree interface {
	ListDirectory(ctx context.Context, token, workspace, repo, branch, path string) ([]bitbucket.DirEntry, error)
	GetFileContent(ctx context.Context, token, workspace, repo, branch, path string) (*bitbucket.FileContent, error)
}

// Assembler walks the remote tree under RootFolder and collects eligible
// documents into a Bundle.
type Assembler struct {
	remote   RemoteTree
	maxFiles int
}

// NewAssembler creates an assembler with the default file cap.
func NewAssembler(remote RemoteTree) *Assembler {
	return &Assembler{remote: remote, maxFiles: DefaultMaxFiles}
}

// NewAssemblerWithCap creates an assembler with a custom file cap.
func NewAssemblerWithCap(remote RemoteTree, maxFiles int) *Assembler {
	if maxFiles <= 0 {
		maxFiles = DefaultMaxFiles
	}
	return &Assembler{remote: remote, maxFiles: maxFiles}
}

// Assemble walks the tree breadth-first from RootFolder at the given branch.
// Fetches are sequential: collection order must be deterministic, and
// parallel reads give no useful ordering guarantee when the cap cuts the
// walk short. A root 404 is not an error; the bundle reports Exists=false.
func (a *Assembler) Assemble(ctx context.Context, token, workspace, repo, branch string) (*Bundle, error) {
	root := strings.TrimSuffix(RootFolder, "/")

	type queued struct{ path string }
	queue := []queued{{root}}

	var paths []string
	truncated := false
	rootMissing := false

walk:
	for len(queue) > 0 {
		dir := queue[0]
		queue = queue[1:]

		entries, err := a.remote.ListDirectory(ctx, token, workspace, repo, branch, dir.path)
		if err != nil {
			if dir.path == root && bitbucket.IsNotFound(err) {
				rootMissing = true
				break walk
			}
			return nil, fmt.Errorf("failed to list %s: %w", dir.path, err)
		}

		for _, e := range entries {
			switch e.Type {
			case "commit_directory":
				queue = append(queue, queued{e.Path})
			case "commit_file":
				if !strings.EqualFold(ext(e.Path), FileExtension) {
					continue
				}
				if len(paths) >= a.maxFiles {
					// Drop deterministically in first-seen order.
					truncated = true
					continue
				}
				paths = append(paths, e.Path)
			}
		}
	}

	if rootMissing {
		return &Bundle{Exists: false, Files: []File{}}, nil
	}

	files := make([]File, 0, len(paths))
	for _, p := range paths {
		content, err := a.remote.GetFileContent(ctx, token, workspace, repo, branch, p)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch %s: %w", p, err)
		}
		if !isTextContentType(content.ContentType) {
			// Non-text bodies are excluded, not counted as errors.
			log.Printf("docs: skipping non-text file %s (%s)", p, content.ContentType)
			continue
		}
		f := File{Path: p, Content: string(content.Body)}
		if len(content.Body) > MaxFileBytes {
			f.Content = string(content.Body[:MaxFileBytes])
			f.Truncated = true
		}
		files = append(files, f)
	}

	// Sorted by path for determinism before attaching to a session.
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	bundle := &Bundle{
		Exists:    true,
		Truncated: truncated,
		Files:     files,
	}
	for _, f := range files {
		if f.Path == BootstrapPath {
			bundle.HasBootstrap = true
			break
		}
	}
	return bundle, nil
}

// isTextContentType accepts text/* plus the JSON-ish application types the
// remote serves for raw file content.
func isTextContentType(ct string) bool {
	if ct == "" {
		// Bitbucket omits the header for some raw responses; treat as text.
		return true
	}
	ct = strings.ToLower(ct)
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if strings.HasPrefix(ct, "text/") {
		return true
	}
	switch ct {
	case "application/json", "application/xml":
		return true
	}
	return false
}
