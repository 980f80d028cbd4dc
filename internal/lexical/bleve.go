package lexical

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
)

// bleveDoc is the document shape stored in the index.
type bleveDoc struct {
	Text         string `json:"text"`
	Source       string `json:"source"`
	SectionTitle string `json:"section_title"`
	Page         int    `json:"page"`
	Version      string `json:"version"`
}

// BleveIndex implements Index using bleve v2, one index per collection. An
// empty root path keeps every index in memory (tests).
type BleveIndex struct {
	rootPath string

	mu      sync.Mutex
	indexes map[string]bleve.Index
	closed  bool
}

// NewBleveIndex creates the adapter. Existing on-disk indexes are opened
// lazily on first use.
func NewBleveIndex(rootPath string) (*BleveIndex, error) {
	if rootPath != "" {
		if err := os.MkdirAll(rootPath, 0o755); err != nil {
			return nil, fmt.Errorf("lexical.NewBleveIndex: create dir: %w", err)
		}
	}
	return &BleveIndex{
		rootPath: rootPath,
		indexes:  make(map[string]bleve.Index),
	}, nil
}

func indexMapping() mapping.IndexMapping {
	textField := bleve.NewTextFieldMapping()
	textField.Analyzer = standard.Name

	keywordField := bleve.NewTextFieldMapping()
	keywordField.Analyzer = keyword.Name

	numField := bleve.NewNumericFieldMapping()

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("text", textField)
	doc.AddFieldMappingsAt("source", keywordField)
	doc.AddFieldMappingsAt("section_title", keywordField)
	doc.AddFieldMappingsAt("version", keywordField)
	doc.AddFieldMappingsAt("page", numField)

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	return m
}

func (b *BleveIndex) getIndex(name string, create bool) (bleve.Index, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("lexical: index store is closed")
	}
	if idx, ok := b.indexes[name]; ok {
		return idx, nil
	}

	if b.rootPath == "" {
		if !create {
			return nil, fmt.Errorf("lexical: %w: %s", ErrIndexNotFound, name)
		}
		idx, err := bleve.NewMemOnly(indexMapping())
		if err != nil {
			return nil, fmt.Errorf("lexical: create in-memory index %q: %w", name, err)
		}
		b.indexes[name] = idx
		return idx, nil
	}

	path := filepath.Join(b.rootPath, name)
	idx, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		if !create {
			return nil, fmt.Errorf("lexical: %w: %s", ErrIndexNotFound, name)
		}
		idx, err = bleve.New(path, indexMapping())
	}
	if err != nil {
		return nil, fmt.Errorf("lexical: open index %q: %w", name, err)
	}
	b.indexes[name] = idx
	return idx, nil
}

// EnsureIndex creates the collection's index if missing.
func (b *BleveIndex) EnsureIndex(_ context.Context, name string) error {
	_, err := b.getIndex(name, true)
	return err
}

// BulkUpsert indexes documents in one batch; re-indexing an existing ID
// replaces it.
func (b *BleveIndex) BulkUpsert(_ context.Context, name string, docs []Doc) error {
	if len(docs) == 0 {
		return nil
	}
	idx, err := b.getIndex(name, true)
	if err != nil {
		return err
	}

	batch := idx.NewBatch()
	for _, d := range docs {
		if err := batch.Index(d.ID, bleveDoc{
			Text:         d.Text,
			Source:       d.Source,
			SectionTitle: d.SectionTitle,
			Page:         d.Page,
			Version:      d.Version,
		}); err != nil {
			return fmt.Errorf("lexical: batch index %s: %w", d.ID, err)
		}
	}
	if err := idx.Batch(batch); err != nil {
		return fmt.Errorf("lexical: bulk upsert into %q: %w", name, err)
	}
	return nil
}

// Search runs a BM25 match query on the text field, optionally conjoined with
// exact-match filters. Results come back ordered by descending score.
func (b *BleveIndex) Search(ctx context.Context, name, queryStr string, k int, filter map[string]string) ([]Result, error) {
	idx, err := b.getIndex(name, false)
	if err != nil {
		return nil, err
	}
	if queryStr == "" {
		return nil, nil
	}

	match := bleve.NewMatchQuery(queryStr)
	match.SetField("text")

	q := buildQuery(match, filter)
	req := bleve.NewSearchRequest(q)
	req.Size = k
	req.Fields = []string{"text", "source", "section_title", "page"}

	res, err := idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("lexical: search %q: %w", name, err)
	}

	out := make([]Result, 0, len(res.Hits))
	for _, hit := range res.Hits {
		r := Result{ID: hit.ID, Score: hit.Score}
		if v, ok := hit.Fields["text"].(string); ok {
			r.Text = v
		}
		if v, ok := hit.Fields["source"].(string); ok {
			r.Source = v
		}
		if v, ok := hit.Fields["section_title"].(string); ok {
			r.SectionTitle = v
		}
		if v, ok := hit.Fields["page"].(float64); ok {
			r.Page = int(v)
		}
		out = append(out, r)
	}
	return out, nil
}

// Delete removes every document matching the filter and returns how many.
func (b *BleveIndex) Delete(ctx context.Context, name string, filter map[string]string) (int, error) {
	idx, err := b.getIndex(name, false)
	if err != nil {
		return 0, err
	}

	docCount, _ := idx.DocCount()
	if docCount == 0 {
		return 0, nil
	}

	q := buildQuery(bleve.NewMatchAllQuery(), filter)
	req := bleve.NewSearchRequest(q)
	req.Size = int(docCount)

	res, err := idx.SearchInContext(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("lexical: delete search %q: %w", name, err)
	}
	if len(res.Hits) == 0 {
		return 0, nil
	}

	batch := idx.NewBatch()
	for _, hit := range res.Hits {
		batch.Delete(hit.ID)
	}
	if err := idx.Batch(batch); err != nil {
		return 0, fmt.Errorf("lexical: delete batch %q: %w", name, err)
	}
	return len(res.Hits), nil
}

// DropIndex closes and removes the collection's index.
func (b *BleveIndex) DropIndex(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if idx, ok := b.indexes[name]; ok {
		_ = idx.Close()
		delete(b.indexes, name)
	}
	if b.rootPath != "" {
		if err := os.RemoveAll(filepath.Join(b.rootPath, name)); err != nil {
			return fmt.Errorf("lexical: drop index %q: %w", name, err)
		}
	}
	return nil
}

// Ping reports readiness; the embedded index is always reachable.
func (b *BleveIndex) Ping(context.Context) error { return nil }

// Close closes every open index.
func (b *BleveIndex) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for name, idx := range b.indexes {
		_ = idx.Close()
		delete(b.indexes, name)
	}
	return nil
}

// buildQuery conjoins the base query with term filters on keyword fields.
func buildQuery(base query.Query, filter map[string]string) query.Query {
	if len(filter) == 0 {
		return base
	}
	conj := bleve.NewConjunctionQuery(base)
	for field, value := range filter {
		if field == "page" {
			if n, err := strconv.ParseFloat(value, 64); err == nil {
				inclusive := true
				nq := bleve.NewNumericRangeInclusiveQuery(&n, &n, &inclusive, &inclusive)
				nq.SetField("page")
				conj.AddQuery(nq)
				continue
			}
		}
		tq := bleve.NewTermQuery(value)
		tq.SetField(field)
		conj.AddQuery(tq)
	}
	return conj
}

var _ Index = (*BleveIndex)(nil)
