// Package retrieval serves nearest-neighbor lookups combining durable
// knowledge resources with session-scoped context chunks.
package retrieval

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

const (
	// durableThreshold is the minimum cosine similarity for hits from the
	// curated knowledge store.
	durableThreshold = 0.30

	// ephemeralThreshold is intentionally looser: ad hoc context chunks are
	// noisier than curated knowledge.
	ephemeralThreshold = 0.25

	// keywordBoost is applied to a durable hit that also ranks in the
	// keyword index for the same query.
	keywordBoost = 1.1

	collectionName = "knowledge"
)

// Result is one retrieval hit. (Source, ParentID) is the stable identity
// used for deduplication across the durable and ephemeral result sets.
type Result struct {
	Source   string  `json:"source"`
	ParentID string  `json:"parentId"`
	Content  string  `json:"content"`
	Score    float64 `json:"score"`
}

// Index is the retrieval/embedding index: a persistent vector store for
// knowledge resources, a BM25 keyword side, and batch scoring for ephemeral
// context blocks.
type Index struct {
	mu       sync.RWMutex
	db       *chromem.DB
	col      *chromem.Collection
	keyword  *KeywordIndex
	embedder Embedder
}

// New opens (or creates) the index under dataDir.
func New(dataDir string, embedder Embedder) (*Index, error) {
	dir := filepath.Join(dataDir, "vectorstore")
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create vectorstore dir: %w", err)
	}
	db, err := chromem.NewPersistentDB(dir, false)
	if err != nil {
		return nil, fmt.Errorf("failed to open vectorstore: %w", err)
	}
	keyword, err := NewKeywordIndex(filepath.Join(dataDir, "keywords"))
	if err != nil {
		return nil, err
	}
	return newIndex(db, keyword, embedder)
}

// NewInMemory builds a throwaway index, used by tests.
func NewInMemory(embedder Embedder) (*Index, error) {
	keyword, err := NewMemKeywordIndex()
	if err != nil {
		return nil, err
	}
	return newIndex(chromem.NewDB(), keyword, embedder)
}

func newIndex(db *chromem.DB, keyword *KeywordIndex, embedder Embedder) (*Index, error) {
	embedFn := func(ctx context.Context, text string) ([]float32, error) {
		return embedder.Embed(ctx, text)
	}
	col, err := db.GetOrCreateCollection(collectionName, nil, embedFn)
	if err != nil {
		return nil, fmt.Errorf("failed to open knowledge collection: %w", err)
	}
	return &Index{db: db, col: col, keyword: keyword, embedder: embedder}, nil
}

// IndexResource splits text into sentence-level units, embeds them in one
// batch, and persists each against the owning resource. The full text also
// lands in the keyword index.
func (idx *Index) IndexResource(ctx context.Context, resourceID, text string) error {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return nil
	}
	vectors, err := idx.embedder.EmbedBatch(ctx, sentences)
	if err != nil {
		return fmt.Errorf("failed to embed resource %s: %w", resourceID, err)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	for i, sentence := range sentences {
		doc := chromem.Document{
			ID:        fmt.Sprintf("%s#%d", resourceID, i),
			Content:   sentence,
			Embedding: vectors[i],
			Metadata:  map[string]string{"resource": resourceID},
		}
		if err := idx.col.AddDocument(ctx, doc); err != nil {
			return fmt.Errorf("failed to store embedding for %s: %w", resourceID, err)
		}
	}
	return idx.keyword.Index(resourceID, text)
}

// Search embeds the query once, scores durable knowledge and ephemeral
// context blocks by cosine similarity, merges, deduplicates by
// (source, parentID) keeping the best score, sorts by descending score and
// truncates to limit.
func (idx *Index) Search(ctx context.Context, query string, blocks []ContextBlock, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 10
	}
	queryVec, err := idx.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	durable, err := idx.searchDurable(ctx, query, queryVec, limit)
	if err != nil {
		return nil, err
	}
	ephemeral, err := idx.searchEphemeral(ctx, queryVec, blocks)
	if err != nil {
		return nil, err
	}

	// Merge and dedupe by identity key, best score wins.
	best := make(map[string]Result)
	for _, r := range append(durable, ephemeral...) {
		key := r.Source + "\x00" + r.ParentID
		if cur, ok := best[key]; !ok || r.Score > cur.Score {
			best[key] = r
		}
	}
	merged := make([]Result, 0, len(best))
	for _, r := range best {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		return merged[i].ParentID < merged[j].ParentID
	})
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

// searchDurable scores the knowledge collection. A hit that also ranks in
// the keyword index gets a small boost; when embeddings are unavailable
// (zero query vector), keyword rankings alone serve the durable side.
func (idx *Index) searchDurable(ctx context.Context, query string, queryVec []float32, limit int) ([]Result, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	candidates := limit * 4
	_, kwScores, err := idx.keyword.Search(query, candidates)
	if err != nil {
		return nil, err
	}

	if isZeroVector(queryVec) {
		return keywordOnlyResults(kwScores), nil
	}

	count := idx.col.Count()
	if count == 0 {
		return nil, nil
	}
	if candidates > count {
		candidates = count
	}
	hits, err := idx.col.QueryEmbedding(ctx, queryVec, candidates, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("vector query failed: %w", err)
	}

	var results []Result
	for _, h := range hits {
		score := float64(h.Similarity)
		if score < durableThreshold {
			continue
		}
		resource := h.Metadata["resource"]
		if _, ranked := kwScores[resource]; ranked {
			score = math.Min(score*keywordBoost, 1.0)
		}
		results = append(results, Result{
			Source:   "knowledge",
			ParentID: resource,
			Content:  h.Content,
			Score:    score,
		})
	}
	return results, nil
}

// searchEphemeral chunks the context blocks, embeds all chunks in one batch
// call and scores them against the query vector.
func (idx *Index) searchEphemeral(ctx context.Context, queryVec []float32, blocks []ContextBlock) ([]Result, error) {
	chunks := chunkBlocks(blocks)
	if len(chunks) == 0 {
		return nil, nil
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.text
	}
	vectors, err := idx.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to embed context chunks: %w", err)
	}

	var results []Result
	for i, c := range chunks {
		score := cosineSimilarity(queryVec, vectors[i])
		if score < ephemeralThreshold {
			continue
		}
		results = append(results, Result{
			Source:   c.source,
			ParentID: c.parentID,
			Content:  c.text,
			Score:    score,
		})
	}
	return results, nil
}

func keywordOnlyResults(scores map[string]float64) []Result {
	if len(scores) == 0 {
		return nil
	}
	max := 0.0
	for _, s := range scores {
		if s > max {
			max = s
		}
	}
	var results []Result
	for id, s := range scores {
		results = append(results, Result{
			Source:   "knowledge",
			ParentID: id,
			Score:    s / max,
		})
	}
	return results
}

// cosineSimilarity computes the cosine similarity between two vectors.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0.0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0.0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func isZeroVector(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

// Close releases the keyword index. The vector store flushes per write.
func (idx *Index) Close() error {
	return idx.keyword.Close()
}
