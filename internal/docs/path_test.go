package docs

import (
	"errors"
	"testing"
)

func TestNormalizePath(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"already canonical", "ai/guide.mdc", "ai/guide.mdc"},
		{"nested", "ai/patterns/errors.mdc", "ai/patterns/errors.mdc"},
		{"leading slash stripped", "/ai/guide.mdc", "ai/guide.mdc"},
		{"uppercase root folded", "AI/guide.mdc", "ai/guide.mdc"},
		{"filename case preserved", "ai/Guide.mdc", "ai/Guide.mdc"},
		{"legacy dot-ai prefix", ".ai/guide.mdc", "ai/guide.mdc"},
		{"legacy docs prefix", "docs/ai/guide.mdc", "ai/guide.mdc"},
		{"legacy prefix case insensitive", ".AI/guide.mdc", "ai/guide.mdc"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizePath(tc.in)
			if err != nil {
				t.Fatalf("NormalizePath(%q) error = %v", tc.in, err)
			}
			if got != tc.want {
				t.Errorf("NormalizePath(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestNormalizePathRejections(t *testing.T) {
	cases := []struct {
		name string
		in   string
		kind PathErrorKind
	}{
		{"outside root", "src/main.go", PathOutOfScope},
		{"bare filename", "guide.mdc", PathOutOfScope},
		{"traversal", "ai/../secrets.mdc", PathOutOfScope},
		{"traversal into root", "../ai/guide.mdc", PathOutOfScope},
		{"wrong extension", "ai/guide.md", ExtensionRequired},
		{"no extension", "ai/guide", ExtensionRequired},
		{"empty", "", PathOutOfScope},
		{"double slash", "ai//guide.mdc", InvalidPath},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NormalizePath(tc.in)
			if err == nil {
				t.Fatalf("NormalizePath(%q) succeeded, want %s error", tc.in, tc.kind)
			}
			pe, ok := IsPathError(err)
			if !ok {
				t.Fatalf("NormalizePath(%q) error = %v, want PathError", tc.in, err)
			}
			if pe.Kind != tc.kind {
				t.Errorf("NormalizePath(%q) kind = %s, want %s", tc.in, pe.Kind, tc.kind)
			}
		})
	}
}

func TestNormalizePathTraversalBeatsExtensionCheck(t *testing.T) {
	// A traversal attempt must be reported as out of scope even when the
	// extension is also wrong.
	_, err := NormalizePath("ai/../../etc/passwd")
	pe, ok := IsPathError(err)
	if !ok {
		t.Fatalf("expected PathError, got %v", err)
	}
	if pe.Kind != PathOutOfScope {
		t.Errorf("kind = %s, want %s", pe.Kind, PathOutOfScope)
	}
}

func TestIsPathErrorWrapped(t *testing.T) {
	inner := &PathError{Kind: InvalidPath, Path: "ai/x.mdc"}
	wrapped := errors.Join(errors.New("outer"), inner)
	if _, ok := IsPathError(wrapped); !ok {
		t.Errorf("IsPathError did not unwrap joined error")
	}
}
