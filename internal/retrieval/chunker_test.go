package retrieval

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestChunkBlocksWindowsNeverSpanBlocks(t *testing.T) {
	blocks := []ContextBlock{
		{Source: "session", ParentID: "a", Text: strings.Repeat("x", ChunkSize+10)},
		{Source: "session", ParentID: "b", Text: "short"},
	}
	chunks := chunkBlocks(blocks)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3 (two for a, one for b)", len(chunks))
	}
	if chunks[0].parentID != "a" || chunks[1].parentID != "a" || chunks[2].parentID != "b" {
		t.Errorf("chunk parents = [%s %s %s]", chunks[0].parentID, chunks[1].parentID, chunks[2].parentID)
	}
	if len(chunks[0].text) != ChunkSize {
		t.Errorf("first window = %d chars, want %d", len(chunks[0].text), ChunkSize)
	}
	if len(chunks[1].text) != 10 {
		t.Errorf("tail window = %d chars, want the block remainder", len(chunks[1].text))
	}
}

func TestChunkBlocksCountRunesNotBytes(t *testing.T) {
	blocks := []ContextBlock{
		{Source: "session", ParentID: "a", Text: strings.Repeat("é", ChunkSize+10)},
	}
	chunks := chunkBlocks(blocks)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if got := utf8.RuneCountInString(chunks[0].text); got != ChunkSize {
		t.Errorf("first window = %d runes, want %d", got, ChunkSize)
	}
	if got := utf8.RuneCountInString(chunks[1].text); got != 10 {
		t.Errorf("tail window = %d runes, want the block remainder", got)
	}
	for i, c := range chunks {
		if !utf8.ValidString(c.text) {
			t.Errorf("chunk %d carries a split rune: %q", i, c.text[:4])
		}
	}
}

func TestChunkBlocksGlobalCap(t *testing.T) {
	blocks := make([]ContextBlock, MaxChunks+5)
	for i := range blocks {
		blocks[i] = ContextBlock{Source: "s", ParentID: "p", Text: "some content"}
	}
	chunks := chunkBlocks(blocks)
	if len(chunks) != MaxChunks {
		t.Errorf("got %d chunks, want global cap %d", len(chunks), MaxChunks)
	}
}

func TestChunkBlocksNormalizesWhitespace(t *testing.T) {
	chunks := chunkBlocks([]ContextBlock{
		{Source: "s", ParentID: "p", Text: "hello\n\n  world\ttabs"},
	})
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if chunks[0].text != "hello world tabs" {
		t.Errorf("text = %q, want collapsed whitespace", chunks[0].text)
	}
}

func TestChunkBlocksSkipsEmpty(t *testing.T) {
	chunks := chunkBlocks([]ContextBlock{
		{Source: "s", ParentID: "p", Text: "   \n  "},
	})
	if len(chunks) != 0 {
		t.Errorf("got %d chunks from blank block, want 0", len(chunks))
	}
}

func TestSplitSentences(t *testing.T) {
	got := splitSentences("The index is durable. Chunks are ephemeral! Version 2.5 ships soon")
	want := []string{"The index is durable.", "Chunks are ephemeral!", "Version 2.5 ships soon"}
	if len(got) != len(want) {
		t.Fatalf("got %d sentences %v, want %d", len(got), got, len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sentence[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSplitSentencesDropsFragments(t *testing.T) {
	got := splitSentences("ok. A real sentence here.")
	if len(got) != 1 {
		t.Fatalf("got %v, want the fragment dropped", got)
	}
	if got[0] != "A real sentence here." {
		t.Errorf("sentence = %q", got[0])
	}
}
