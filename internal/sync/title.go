package sync

import (
	"strings"
	"unicode/utf8"

	"lorekeep/internal/store"
)

// genericTitle is the last-resort PR title.
const genericTitle = "Update AI documents"

// deriveTitle picks the pull request title. Precedence: an explicit
// caller-supplied title always wins (and overwrites a stored one), then the
// previously stored title, then a digest of the drafts' own summaries, then
// the drafted file names, then a generic fallback. Titles therefore stay
// meaningful as drafts accumulate across turns and are never empty.
func deriveTitle(explicit, stored string, drafts []store.Draft) string {
	if t := strings.TrimSpace(explicit); t != "" {
		return capTitle(t)
	}
	if t := strings.TrimSpace(stored); t != "" {
		return capTitle(t)
	}
	if t := summaryDigest(drafts); t != "" {
		return capTitle(t)
	}
	if t := fileNameDigest(drafts); t != "" {
		return capTitle(t)
	}
	return genericTitle
}

// summaryDigest joins the distinct draft summaries.
func summaryDigest(drafts []store.Draft) string {
	seen := make(map[string]bool)
	var parts []string
	for _, d := range drafts {
		sum := strings.TrimSpace(d.Summary)
		if sum == "" {
			continue
		}
		key := strings.ToLower(sum)
		if seen[key] {
			continue
		}
		seen[key] = true
		parts = append(parts, sum)
	}
	return strings.Join(parts, "; ")
}

// fileNameDigest builds "Update a, b" from the drafted file name stems.
func fileNameDigest(drafts []store.Draft) string {
	seen := make(map[string]bool)
	var stems []string
	for _, d := range drafts {
		stem := fileStem(d.Path)
		if stem == "" || seen[stem] {
			continue
		}
		seen[stem] = true
		stems = append(stems, stem)
	}
	if len(stems) == 0 {
		return ""
	}
	return "Update " + strings.Join(stems, ", ")
}

func fileStem(path string) string {
	base := path
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}
	if i := strings.LastIndexByte(base, '.'); i > 0 {
		base = base[:i]
	}
	return base
}

func capTitle(t string) string {
	if len(t) <= maxTitleLen {
		return t
	}
	// Back the cut up to a rune boundary so a multi-byte character is never
	// split before the word-break search.
	cut := maxTitleLen
	for cut > 0 && !utf8.RuneStart(t[cut]) {
		cut--
	}
	head := t[:cut]
	if i := strings.LastIndexByte(head, ' '); i > maxTitleLen/2 {
		head = head[:i]
	}
	return head + "…"
}
