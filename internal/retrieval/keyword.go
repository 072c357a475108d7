package retrieval

import (
	"fmt"
	"log"
	"os"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
)

// keywordDoc is the shape indexed per knowledge resource.
type keywordDoc struct {
	ResourceID string `json:"resource_id"`
	Text       string `json:"text"`
}

// KeywordIndex provides BM25 keyword search over knowledge resources. It
// complements the vector store: exact terms (file names, identifiers) that
// embeddings blur rank reliably here.
type KeywordIndex struct {
	index bleve.Index
	path  string
}

// NewKeywordIndex creates or opens the index at path+".bleve". A corrupted
// index is deleted and recreated; keyword rankings are rebuildable state.
func NewKeywordIndex(path string) (*KeywordIndex, error) {
	indexPath := path + ".bleve"

	index, err := bleve.Open(indexPath)
	if err == bleve.ErrorIndexPathDoesNotExist {
		index, err = bleve.New(indexPath, buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to create keyword index: %w", err)
		}
	} else if err != nil {
		log.Printf("retrieval: keyword index corrupted (%v), recreating", err)
		if index != nil {
			index.Close()
		}
		if err := os.RemoveAll(indexPath); err != nil {
			return nil, fmt.Errorf("failed to remove corrupted keyword index: %w", err)
		}
		index, err = bleve.New(indexPath, buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to recreate keyword index: %w", err)
		}
	}
	return &KeywordIndex{index: index, path: indexPath}, nil
}

// NewMemKeywordIndex creates an in-memory index, used by tests.
func NewMemKeywordIndex() (*KeywordIndex, error) {
	index, err := bleve.NewMemOnly(buildIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory keyword index: %w", err)
	}
	return &KeywordIndex{index: index}, nil
}

func buildIndexMapping() mapping.IndexMapping {
	textField := bleve.NewTextFieldMapping()
	textField.Analyzer = standard.Name

	docMapping := bleve.NewDocumentMapping()
	docMapping.AddFieldMappingsAt("text", textField)

	m := bleve.NewIndexMapping()
	m.DefaultMapping = docMapping
	return m
}

// Index stores (or replaces) the full text of one resource.
func (k *KeywordIndex) Index(resourceID, text string) error {
	doc := keywordDoc{ResourceID: resourceID, Text: text}
	if err := k.index.Index(resourceID, doc); err != nil {
		return fmt.Errorf("failed to index resource %s: %w", resourceID, err)
	}
	return nil
}

// Delete removes a resource from the index.
func (k *KeywordIndex) Delete(resourceID string) error {
	return k.index.Delete(resourceID)
}

// Search returns resource ids ranked by BM25 score, best first, with the
// raw scores keyed by resource id.
func (k *KeywordIndex) Search(query string, limit int) ([]string, map[string]float64, error) {
	q := bleve.NewMatchQuery(query)
	q.SetField("text")
	req := bleve.NewSearchRequestOptions(q, limit, 0, false)

	res, err := k.index.Search(req)
	if err != nil {
		return nil, nil, fmt.Errorf("keyword search failed: %w", err)
	}
	ids := make([]string, 0, len(res.Hits))
	scores := make(map[string]float64, len(res.Hits))
	for _, hit := range res.Hits {
		ids = append(ids, hit.ID)
		scores[hit.ID] = hit.Score
	}
	return ids, scores, nil
}

// Close releases the underlying index.
func (k *KeywordIndex) Close() error {
	return k.index.Close()
}
