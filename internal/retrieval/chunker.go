package retrieval

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// ChunkSize is the fixed window, in characters, for ephemeral context
	// chunking.
	ChunkSize = 1_500

	// MaxChunks is the global cap of ephemeral chunks per search call.
	MaxChunks = 120
)

// ContextBlock is one ad hoc document handed to Search alongside the query:
// a session context file or inline pasted context. ParentID is the stable
// identity used for deduplication against durable hits.
type ContextBlock struct {
	Source   string
	ParentID string
	Text     string
}

// chunk is one scoring unit cut from a context block.
type chunk struct {
	source   string
	parentID string
	text     string
}

// chunkBlocks cuts each block into fixed-size windows, measured in runes so
// a multi-byte character is never split across chunks. A window never spans
// two blocks, and whitespace is normalized first so chunk boundaries are
// stable across repeated calls. The global cap applies across all blocks in
// input order.
func chunkBlocks(blocks []ContextBlock) []chunk {
	var chunks []chunk
	for _, b := range blocks {
		text := normalizeWhitespace(b.Text)
		if text == "" {
			continue
		}
		for start := 0; start < len(text); {
			if len(chunks) >= MaxChunks {
				return chunks
			}
			end := start
			for n := 0; n < ChunkSize && end < len(text); n++ {
				_, size := utf8.DecodeRuneInString(text[end:])
				end += size
			}
			chunks = append(chunks, chunk{
				source:   b.Source,
				parentID: b.ParentID,
				text:     text[start:end],
			})
			start = end
		}
	}
	return chunks
}

// normalizeWhitespace collapses runs of whitespace to single spaces.
func normalizeWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inSpace := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			inSpace = true
			continue
		}
		if inSpace && b.Len() > 0 {
			b.WriteByte(' ')
		}
		inSpace = false
		b.WriteRune(r)
	}
	return b.String()
}

// splitSentences cuts free text into sentence-level units for indexing.
// Fragments shorter than a few characters carry no signal and are dropped.
func splitSentences(text string) []string {
	text = normalizeWhitespace(text)
	var sentences []string
	start := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '.', '!', '?':
			// Sentence ends at a terminator followed by a space or EOL.
			if i+1 == len(text) || text[i+1] == ' ' {
				if s := strings.TrimSpace(text[start : i+1]); len(s) > 3 {
					sentences = append(sentences, s)
				}
				start = i + 1
			}
		}
	}
	if s := strings.TrimSpace(text[start:]); len(s) > 3 {
		sentences = append(sentences, s)
	}
	return sentences
}
