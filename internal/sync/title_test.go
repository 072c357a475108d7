package sync

import (
	"strings"
	"testing"
	"unicode/utf8"

	"lorekeep/internal/store"
)

func TestDeriveTitlePrecedence(t *testing.T) {
	drafts := []store.Draft{
		{Path: "ai/guide.mdc", Summary: "Document the retry policy"},
		{Path: "ai/errors.mdc", Summary: "Describe error taxonomy"},
	}

	cases := []struct {
		name     string
		explicit string
		stored   string
		drafts   []store.Draft
		want     string
	}{
		{"explicit wins over everything", "My title", "Stored title", drafts, "My title"},
		{"stored beats derivation", "", "Stored title", drafts, "Stored title"},
		{"summaries joined", "", "", drafts, "Document the retry policy; Describe error taxonomy"},
		{"file stems when no summaries", "", "", []store.Draft{
			{Path: "ai/guide.mdc"}, {Path: "ai/patterns/errors.mdc"},
		}, "Update guide, errors"},
		{"generic fallback", "", "", nil, genericTitle},
		{"whitespace explicit ignored", "   ", "Stored title", drafts, "Stored title"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := deriveTitle(tc.explicit, tc.stored, tc.drafts)
			if got != tc.want {
				t.Errorf("deriveTitle() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSummaryDigestDeduplicates(t *testing.T) {
	drafts := []store.Draft{
		{Path: "ai/a.mdc", Summary: "Clarify setup"},
		{Path: "ai/b.mdc", Summary: "clarify setup"},
		{Path: "ai/c.mdc", Summary: ""},
	}
	got := summaryDigest(drafts)
	if got != "Clarify setup" {
		t.Errorf("summaryDigest() = %q, want case-insensitive dedupe", got)
	}
}

func TestCapTitleBreaksOnWord(t *testing.T) {
	long := strings.Repeat("word ", 30)
	got := capTitle(long)
	if len(got) > maxTitleLen+len("…") {
		t.Errorf("capped title too long: %d bytes", len(got))
	}
	if !strings.HasSuffix(got, "…") {
		t.Errorf("capped title missing ellipsis: %q", got)
	}
	if strings.HasSuffix(strings.TrimSuffix(got, "…"), " ") {
		t.Errorf("capped title ends mid-space: %q", got)
	}
}

func TestCapTitleKeepsMultiByteRunesIntact(t *testing.T) {
	// One leading ASCII byte pushes every two-byte rune off the even byte
	// offsets, so a naive byte slice at the cap would split one.
	long := "a" + strings.Repeat("é", 60)
	got := capTitle(long)
	if !utf8.ValidString(got) {
		t.Fatalf("capped title is invalid UTF-8: %q", got)
	}
	if !strings.HasSuffix(got, "…") {
		t.Errorf("capped title missing ellipsis: %q", got)
	}
	if len(got) > maxTitleLen+len("…") {
		t.Errorf("capped title too long: %d bytes", len(got))
	}
}

func TestFeatureBranchName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"AB12-cd", "lorekeep/session-ab12-cd"},
		{"a__b", "lorekeep/session-a-b"},
		{"trailing--", "lorekeep/session-trailing"},
	}
	for _, tc := range cases {
		if got := featureBranchName(tc.in); got != tc.want {
			t.Errorf("featureBranchName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
