package docs

import (
	"errors"
	"fmt"
	"strings"
)

// RootFolder is the repository-relative directory that holds the
// persistency layer. Everything the assistant reads or writes lives here.
const RootFolder = "ai/"

// FileExtension is the mandatory extension for persistency-layer documents.
const FileExtension = ".mdc"

// BootstrapPath is the well-known file whose presence gates whether the rest
// of the collected documents are surfaced at all: it defines how they are to
// be interpreted.
const BootstrapPath = "ai/index.mdc"

// legacyRootPrefixes are root spellings from older clients, remapped to the
// canonical RootFolder before validation.
var legacyRootPrefixes = []string{".ai/", "docs/ai/"}

// PathError is a draft path that failed normalization. The Kind selects the
// user-facing message; these are user-correctable and never fatal to the
// session.
type PathError struct {
	Kind PathErrorKind
	Path string
}

// PathErrorKind distinguishes the normalization failures so callers can
// produce specific messages.
type PathErrorKind string

const (
	PathOutOfScope    PathErrorKind = "out_of_scope"
	ExtensionRequired PathErrorKind = "extension_required"
	InvalidPath       PathErrorKind = "invalid"
)

func (e *PathError) Error() string {
	switch e.Kind {
	case PathOutOfScope:
		return fmt.Sprintf("path %q must live under the `ai/` directory", e.Path)
	case ExtensionRequired:
		return fmt.Sprintf("path %q must use `.mdc`", e.Path)
	default:
		return fmt.Sprintf("path %q is not a valid document path", e.Path)
	}
}

// IsPathError reports whether err is a normalization failure and returns it.
func IsPathError(err error) (*PathError, bool) {
	var pe *PathError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// NormalizePath canonicalizes a draft path. Rules, in order: strip leading
// slashes, remap legacy root prefixes, require the canonical root prefix
// (case-insensitive), require the mandated extension (case-insensitive),
// reject parent-directory traversal anywhere. Traversal is checked against
// the original input too, so "../ai/x.mdc" never sneaks in through prefix
// stripping.
func NormalizePath(p string) (string, error) {
	original := p
	if containsTraversal(original) {
		return "", &PathError{Kind: PathOutOfScope, Path: original}
	}

	p = strings.TrimLeft(p, "/")
	for _, legacy := range legacyRootPrefixes {
		if len(p) >= len(legacy) && strings.EqualFold(p[:len(legacy)], legacy) {
			p = RootFolder + p[len(legacy):]
			break
		}
	}

	if p == "" || len(p) <= len(RootFolder) {
		return "", &PathError{Kind: PathOutOfScope, Path: original}
	}
	if !strings.EqualFold(p[:len(RootFolder)], RootFolder) {
		return "", &PathError{Kind: PathOutOfScope, Path: original}
	}
	// Canonical lowercase root prefix regardless of input casing.
	p = RootFolder + p[len(RootFolder):]

	if !strings.EqualFold(ext(p), FileExtension) {
		return "", &PathError{Kind: ExtensionRequired, Path: original}
	}
	if strings.Contains(p, "//") || strings.HasSuffix(p, "/") {
		return "", &PathError{Kind: InvalidPath, Path: original}
	}
	return p, nil
}

func containsTraversal(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}

func ext(p string) string {
	if i := strings.LastIndexByte(p, '.'); i >= 0 {
		return p[i:]
	}
	return ""
}
