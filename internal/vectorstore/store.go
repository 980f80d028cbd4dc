// Package vectorstore provides the dense kNN index behind a narrow adapter
// interface. Three backends are supported: chromem-go (embedded), qdrant
// (remote), and pgvector (Postgres). Swapping backends never touches pipeline
// logic.
package vectorstore

import (
	"context"
	"errors"
)

// ErrCollectionNotFound is returned when an operation targets a collection the
// backend has never seen.
var ErrCollectionNotFound = errors.New("collection not found")

// Payload keys shared by all backends. The adapters store chunk metadata as
// flat string payloads so filtered delete and enumeration work uniformly.
const (
	PayloadText         = "text"
	PayloadCollection   = "collection"
	PayloadSource       = "source"
	PayloadDocTitle     = "doc_title"
	PayloadSectionTitle = "section_title"
	PayloadSectionIndex = "section_index"
	PayloadPage         = "page"
	PayloadChunkIndex   = "chunk_index"
	PayloadContentHash  = "content_hash"
	PayloadTokenCount   = "token_count"
	PayloadVersion      = "version"
	PayloadCreatedAt    = "created_at"
)

// Point is one stored vector with its metadata payload.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]string
}

// Hit is one search result, ordered by descending similarity.
type Hit struct {
	ID      string
	Score   float64
	Payload map[string]string
}

// Stats reports collection-level counts.
type Stats struct {
	Points int
}

// Store is the capability set the pipeline requires from a dense index.
// Upsert is idempotent keyed by point ID; Delete is at-least-once and safe
// under replay; Enumerate supports the deduper's cold-start rehydration and
// source-scoped deletes.
type Store interface {
	EnsureCollection(ctx context.Context, name string, dimension int) error
	Upsert(ctx context.Context, collection string, points []Point) error
	Search(ctx context.Context, collection string, vector []float32, k int, filter map[string]string) ([]Hit, error)
	Enumerate(ctx context.Context, collection string, filter map[string]string) ([]Point, error)
	Delete(ctx context.Context, collection string, filter map[string]string) (int, error)
	Stats(ctx context.Context, collection string) (Stats, error)
	DropCollection(ctx context.Context, name string) error
	Ping(ctx context.Context) error
	Close() error
}

// matchesFilter reports whether a payload satisfies every filter pair.
func matchesFilter(payload, filter map[string]string) bool {
	for k, v := range filter {
		if payload[k] != v {
			return false
		}
	}
	return true
}
