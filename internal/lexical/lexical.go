// Package lexical provides the BM25 keyword index behind a narrow adapter
// interface. The embedded backend is bleve; one index per collection,
// persisted under a root directory.
package lexical

import (
	"context"
	"errors"
)

// ErrIndexNotFound is returned when an operation targets a collection whose
// index has never been created.
var ErrIndexNotFound = errors.New("lexical index not found")

// Doc is one indexable chunk. Text is analyzed; Source and SectionTitle are
// exact-match keywords; Page is numeric.
type Doc struct {
	ID           string
	Text         string
	Source       string
	SectionTitle string
	Page         int
	Version      string
}

// Result is one BM25 hit. Scores are raw backend scores; consumers normalize.
type Result struct {
	ID           string
	Score        float64
	Text         string
	Source       string
	SectionTitle string
	Page         int
}

// Index is the capability set the pipeline requires from the lexical side.
type Index interface {
	EnsureIndex(ctx context.Context, name string) error
	BulkUpsert(ctx context.Context, name string, docs []Doc) error
	Search(ctx context.Context, name, query string, k int, filter map[string]string) ([]Result, error)
	Delete(ctx context.Context, name string, filter map[string]string) (int, error)
	DropIndex(ctx context.Context, name string) error
	Ping(ctx context.Context) error
	Close() error
}
