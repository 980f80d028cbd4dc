package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/veritex-ai/ragserve/internal/model"
	"github.com/veritex-ai/ragserve/internal/vectorstore"
)

// Duplicate pairs an incoming chunk with the ID it collided with.
type Duplicate struct {
	Incoming   model.Chunk
	ExistingID string
}

// Deduper maintains the per-collection content_hash → chunk_id registry. The
// registry lives in memory and rehydrates from the vector store's payloads on
// first use of a collection, so restarts keep deduplication exact.
type Deduper struct {
	mu         sync.Mutex
	registries map[string]map[string]string // collection → hash → chunk ID
	hydrated   map[string]bool
	seenTotal  map[string]int64 // every chunk ever classified
	dupTotal   map[string]int64
}

// NewDeduper creates an empty Deduper.
func NewDeduper() *Deduper {
	return &Deduper{
		registries: make(map[string]map[string]string),
		hydrated:   make(map[string]bool),
		seenTotal:  make(map[string]int64),
		dupTotal:   make(map[string]int64),
	}
}

// enumerator is the slice of the vector store the deduper needs for cold-start
// rehydration.
type enumerator interface {
	Enumerate(ctx context.Context, collection string, filter map[string]string) ([]vectorstore.Point, error)
}

// Rehydrate loads the registry for a collection from stored payloads. Calling
// it again is a no-op.
func (d *Deduper) Rehydrate(ctx context.Context, store enumerator, collection string) error {
	d.mu.Lock()
	if d.hydrated[collection] {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	points, err := store.Enumerate(ctx, collection, nil)
	if err != nil {
		return fmt.Errorf("ingest.Rehydrate: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.hydrated[collection] {
		return nil
	}
	reg := d.registry(collection)
	for _, p := range points {
		if hash := p.Payload[vectorstore.PayloadContentHash]; hash != "" {
			reg[hash] = p.ID
		}
	}
	d.hydrated[collection] = true
	slog.Info("dedup registry rehydrated", "collection", collection, "entries", len(reg))
	return nil
}

// Classify splits chunks into unique and duplicates against the registry and
// against earlier chunks in the same batch.
func (d *Deduper) Classify(collection string, chunks []model.Chunk) (unique []model.Chunk, duplicates []Duplicate) {
	d.mu.Lock()
	defer d.mu.Unlock()

	reg := d.registry(collection)
	batchSeen := make(map[string]string)

	for _, c := range chunks {
		d.seenTotal[collection]++
		if existing, ok := reg[c.ContentHash]; ok {
			d.dupTotal[collection]++
			duplicates = append(duplicates, Duplicate{Incoming: c, ExistingID: existing})
			continue
		}
		if existing, ok := batchSeen[c.ContentHash]; ok {
			d.dupTotal[collection]++
			duplicates = append(duplicates, Duplicate{Incoming: c, ExistingID: existing})
			continue
		}
		batchSeen[c.ContentHash] = c.ID
		unique = append(unique, c)
	}
	return unique, duplicates
}

// Commit records chunks as present. Every chunk must be new to the registry or
// an exact replacement of its own chunk ID.
func (d *Deduper) Commit(collection string, chunks []model.Chunk) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	reg := d.registry(collection)
	for _, c := range chunks {
		if existing, ok := reg[c.ContentHash]; ok && existing != c.ID {
			short := c.ContentHash
		if len(short) > 12 {
			short = short[:12]
		}
		return fmt.Errorf("ingest.Commit: hash %s already registered to %s, refusing %s", short, existing, c.ID)
		}
	}
	for _, c := range chunks {
		reg[c.ContentHash] = c.ID
	}
	return nil
}

// Forget drops the given chunk IDs from the registry (used on delete and
// reindex, and to roll back failed upserts).
func (d *Deduper) Forget(collection string, chunkIDs []string) {
	if len(chunkIDs) == 0 {
		return
	}
	ids := make(map[string]struct{}, len(chunkIDs))
	for _, id := range chunkIDs {
		ids[id] = struct{}{}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	reg := d.registry(collection)
	for hash, id := range reg {
		if _, ok := ids[id]; ok {
			delete(reg, hash)
		}
	}
}

// DropCollection discards all state for a collection.
func (d *Deduper) DropCollection(collection string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.registries, collection)
	delete(d.hydrated, collection)
	delete(d.seenTotal, collection)
	delete(d.dupTotal, collection)
}

// DuplicateRate reports duplicates / total chunks ever classified for the
// collection.
func (d *Deduper) DuplicateRate(collection string) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	seen := d.seenTotal[collection]
	if seen == 0 {
		return 0
	}
	return float64(d.dupTotal[collection]) / float64(seen)
}

// registry returns the map for a collection; callers must hold d.mu.
func (d *Deduper) registry(collection string) map[string]string {
	reg, ok := d.registries[collection]
	if !ok {
		reg = make(map[string]string)
		d.registries[collection] = reg
	}
	return reg
}
