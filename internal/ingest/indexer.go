package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/veritex-ai/ragserve/internal/cache"
	"github.com/veritex-ai/ragserve/internal/fingerprint"
	"github.com/veritex-ai/ragserve/internal/lexical"
	"github.com/veritex-ai/ragserve/internal/model"
	"github.com/veritex-ai/ragserve/internal/vectorstore"
)

// Embedder is the slice of the embedding client the indexer needs for
// collection migration.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
	Dimension() int
}

// UpsertResult reports per-stage counts for one upsert call. A partial
// failure shows up as counts diverging plus an entry in Errors; the next call
// with the same chunks converges both indices.
type UpsertResult struct {
	Total           int      `json:"total"`
	Unique          int      `json:"unique"`
	Duplicates      int      `json:"duplicates"`
	VectorUpserted  int      `json:"vectorUpserted"`
	LexicalUpserted int      `json:"lexicalUpserted"`
	Errors          []string `json:"errors,omitempty"`
}

// Indexer owns all index mutation: idempotent upsert with deduplication,
// source-scoped delete, reindex, and collection migration. Mutations are
// serialized per (collection, source) so concurrent reindexes of the same
// source converge; distinct sources proceed in parallel.
type Indexer struct {
	vectors  vectorstore.Store
	lex      lexical.Index
	dedup    *Deduper
	registry *Registry
	cache    *cache.Cache

	modelID   string
	dimension int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewIndexer creates an Indexer. cache may be nil (no invalidation).
func NewIndexer(vectors vectorstore.Store, lex lexical.Index, dedup *Deduper, registry *Registry, c *cache.Cache, modelID string, dimension int) *Indexer {
	return &Indexer{
		vectors:   vectors,
		lex:       lex,
		dedup:     dedup,
		registry:  registry,
		cache:     c,
		modelID:   modelID,
		dimension: dimension,
		locks:     make(map[string]*sync.Mutex),
	}
}

func (ix *Indexer) sourceLock(collection, source string) *sync.Mutex {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	key := collection + "\x00" + source
	l, ok := ix.locks[key]
	if !ok {
		l = &sync.Mutex{}
		ix.locks[key] = l
	}
	return l
}

// lockSources acquires the per-source locks for every distinct source in
// chunks, in sorted order to keep lock acquisition deadlock-free.
func (ix *Indexer) lockSources(collection string, chunks []model.Chunk) func() {
	set := make(map[string]struct{})
	for _, c := range chunks {
		set[c.Source] = struct{}{}
	}
	sources := make([]string, 0, len(set))
	for s := range set {
		sources = append(sources, s)
	}
	sort.Strings(sources)

	locks := make([]*sync.Mutex, len(sources))
	for i, s := range sources {
		locks[i] = ix.sourceLock(collection, s)
		locks[i].Lock()
	}
	return func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}
}

const indexRetries = 3

// retryIndexOp retries a backend mutation with exponential backoff.
func retryIndexOp(ctx context.Context, op string, fn func() error) error {
	var err error
	delay := 200 * time.Millisecond
	for attempt := 1; attempt <= indexRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == indexRetries {
			break
		}
		slog.Warn("index operation failed, retrying", "op", op, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

// Upsert deduplicates chunks and writes the unique remainder to both indices.
// Replaying the same chunks leaves the same chunk count. The collection's
// cache tag is invalidated on success.
func (ix *Indexer) Upsert(ctx context.Context, collection string, chunks []model.Chunk, embeddings [][]float32) (UpsertResult, error) {
	result := UpsertResult{Total: len(chunks)}
	if len(chunks) != len(embeddings) {
		return result, fmt.Errorf("ingest.Upsert: %d chunks but %d embeddings", len(chunks), len(embeddings))
	}
	if len(chunks) == 0 {
		return result, nil
	}

	unlock := ix.lockSources(collection, chunks)
	defer unlock()

	return ix.upsertLocked(ctx, collection, chunks, embeddings)
}

func (ix *Indexer) upsertLocked(ctx context.Context, collection string, chunks []model.Chunk, embeddings [][]float32) (UpsertResult, error) {
	result := UpsertResult{Total: len(chunks)}

	if _, err := ix.registry.Ensure(collection, ix.modelID, ix.dimension); err != nil {
		return result, err
	}
	if err := ix.vectors.EnsureCollection(ctx, collection, ix.dimension); err != nil {
		return result, fmt.Errorf("ingest.Upsert: %w", err)
	}
	if err := ix.lex.EnsureIndex(ctx, collection); err != nil {
		return result, fmt.Errorf("ingest.Upsert: %w", err)
	}
	if err := ix.dedup.Rehydrate(ctx, ix.vectors, collection); err != nil {
		return result, err
	}

	embeddingByID := make(map[string][]float32, len(chunks))
	for i, c := range chunks {
		embeddingByID[c.ID] = embeddings[i]
	}

	unique, duplicates := ix.dedup.Classify(collection, chunks)
	result.Unique = len(unique)
	result.Duplicates = len(duplicates)
	if len(unique) == 0 {
		slog.Info("upsert found no unique chunks", "collection", collection, "duplicates", result.Duplicates)
		return result, nil
	}

	points := make([]vectorstore.Point, len(unique))
	docs := make([]lexical.Doc, len(unique))
	for i, c := range unique {
		points[i] = vectorstore.Point{
			ID:      c.ID,
			Vector:  embeddingByID[c.ID],
			Payload: chunkPayload(c),
		}
		docs[i] = lexical.Doc{
			ID:           c.ID,
			Text:         c.Text,
			Source:       c.Source,
			SectionTitle: c.SectionTitle,
			Page:         c.Page,
			Version:      c.Version,
		}
	}

	if err := retryIndexOp(ctx, "vector_upsert", func() error {
		return ix.vectors.Upsert(ctx, collection, points)
	}); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("vector upsert: %v", err))
		slog.Error("vector upsert failed", "collection", collection, "chunks", len(points), "error", err)
		return result, fmt.Errorf("ingest.Upsert: vector store: %w", err)
	}
	result.VectorUpserted = len(points)

	if err := retryIndexOp(ctx, "lexical_upsert", func() error {
		return ix.lex.BulkUpsert(ctx, collection, docs)
	}); err != nil {
		// The vector side is ahead; leave the registry unset so the next call
		// replays both writes and converges.
		result.Errors = append(result.Errors, fmt.Sprintf("lexical upsert: %v", err))
		slog.Error("lexical upsert failed, upsert will be replayed", "collection", collection, "chunks", len(docs), "error", err)
		return result, nil
	}
	result.LexicalUpserted = len(docs)

	if err := ix.dedup.Commit(collection, unique); err != nil {
		return result, err
	}

	ix.refreshChunkCount(ctx, collection)
	if ix.cache != nil {
		ix.cache.InvalidateCollection(ctx, collection)
	}

	slog.Info("upsert complete",
		"collection", collection,
		"total", result.Total,
		"unique", result.Unique,
		"duplicates", result.Duplicates,
	)
	return result, nil
}

// DeleteBySource removes every chunk of a source from both indices, forgets
// them from the dedup registry, and invalidates the collection's cache tag.
// Replays are safe.
func (ix *Indexer) DeleteBySource(ctx context.Context, collection, source, version string) (int, error) {
	lock := ix.sourceLock(collection, source)
	lock.Lock()
	defer lock.Unlock()
	return ix.deleteBySourceLocked(ctx, collection, source, version)
}

func (ix *Indexer) deleteBySourceLocked(ctx context.Context, collection, source, version string) (int, error) {
	if _, err := ix.registry.Get(collection); err != nil {
		return 0, err
	}
	if err := ix.dedup.Rehydrate(ctx, ix.vectors, collection); err != nil {
		return 0, err
	}

	filter := map[string]string{vectorstore.PayloadSource: source}
	lexFilter := map[string]string{"source": source}
	if version != "" {
		filter[vectorstore.PayloadVersion] = version
		lexFilter["version"] = version
	}

	// Enumerate first so the dedup registry can forget exactly what existed.
	points, err := ix.vectors.Enumerate(ctx, collection, filter)
	if err != nil {
		return 0, fmt.Errorf("ingest.DeleteBySource: enumerate: %w", err)
	}
	ids := make([]string, len(points))
	for i, p := range points {
		ids[i] = p.ID
	}

	deleted := 0
	if err := retryIndexOp(ctx, "vector_delete", func() error {
		n, err := ix.vectors.Delete(ctx, collection, filter)
		deleted = n
		return err
	}); err != nil {
		return 0, fmt.Errorf("ingest.DeleteBySource: vector store: %w", err)
	}

	if err := retryIndexOp(ctx, "lexical_delete", func() error {
		_, err := ix.lex.Delete(ctx, collection, lexFilter)
		return err
	}); err != nil {
		return deleted, fmt.Errorf("ingest.DeleteBySource: lexical index: %w", err)
	}

	ix.dedup.Forget(collection, ids)
	ix.refreshChunkCount(ctx, collection)
	if ix.cache != nil {
		ix.cache.InvalidateCollection(ctx, collection)
	}

	slog.Info("source deleted", "collection", collection, "source", source, "chunks", deleted)
	return deleted, nil
}

// ReindexSource replaces a source's chunks with the given set. Not atomic
// across backends, but idempotent: any interleaving of retries converges to
// the new state.
func (ix *Indexer) ReindexSource(ctx context.Context, collection, source string, chunks []model.Chunk, embeddings [][]float32) (UpsertResult, int, error) {
	lock := ix.sourceLock(collection, source)
	lock.Lock()
	defer lock.Unlock()

	deleted, err := ix.deleteBySourceLocked(ctx, collection, source, "")
	if err != nil {
		return UpsertResult{}, 0, err
	}
	result, err := ix.upsertLocked(ctx, collection, chunks, embeddings)
	return result, deleted, err
}

// MigrateCollection re-embeds every chunk of source with newEmbedder and
// upserts into target, whose sidecar records the lineage. The source
// collection is left untouched; the caller cuts over when ready.
func (ix *Indexer) MigrateCollection(ctx context.Context, source, target string, newEmbedder Embedder) error {
	if _, err := ix.registry.Get(source); err != nil {
		return err
	}
	if _, err := ix.registry.Ensure(target, newEmbedder.Model(), newEmbedder.Dimension()); err != nil {
		return err
	}

	points, err := ix.vectors.Enumerate(ctx, source, nil)
	if err != nil {
		return fmt.Errorf("ingest.MigrateCollection: enumerate %s: %w", source, err)
	}
	if len(points) == 0 {
		return ix.registry.SetMigratedFrom(target, source)
	}

	targetIndexer := &Indexer{
		vectors:   ix.vectors,
		lex:       ix.lex,
		dedup:     ix.dedup,
		registry:  ix.registry,
		cache:     ix.cache,
		modelID:   newEmbedder.Model(),
		dimension: newEmbedder.Dimension(),
		locks:     make(map[string]*sync.Mutex),
	}

	// Group by source so per-source failures do not sink the migration.
	bySource := make(map[string][]model.Chunk)
	for _, p := range points {
		c := chunkFromPayload(target, p.Payload)
		bySource[c.Source] = append(bySource[c.Source], c)
	}

	var failed []string
	for src, chunks := range bySource {
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Text
		}
		vectors, err := newEmbedder.EmbedBatch(ctx, texts)
		if err != nil {
			slog.Error("migration embedding failed for source", "source", src, "error", err)
			failed = append(failed, src)
			continue
		}
		if _, err := targetIndexer.Upsert(ctx, target, chunks, vectors); err != nil {
			slog.Error("migration upsert failed for source", "source", src, "error", err)
			failed = append(failed, src)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("ingest.MigrateCollection: %d of %d sources failed: %v", len(failed), len(bySource), failed)
	}

	slog.Info("collection migrated", "source", source, "target", target, "chunks", len(points), "model", newEmbedder.Model())
	return ix.registry.SetMigratedFrom(target, source)
}

// DropCollection removes the collection everywhere.
func (ix *Indexer) DropCollection(ctx context.Context, collection string) error {
	if err := ix.vectors.DropCollection(ctx, collection); err != nil {
		return err
	}
	if err := ix.lex.DropIndex(ctx, collection); err != nil {
		return err
	}
	ix.dedup.DropCollection(collection)
	if ix.cache != nil {
		ix.cache.InvalidateCollection(ctx, collection)
	}
	return ix.registry.Drop(collection)
}

// CollectionInfo returns the sidecar with a live chunk count.
func (ix *Indexer) CollectionInfo(ctx context.Context, collection string) (model.Collection, error) {
	col, err := ix.registry.Get(collection)
	if err != nil {
		return model.Collection{}, err
	}
	if stats, err := ix.vectors.Stats(ctx, collection); err == nil {
		col.ChunkCount = stats.Points
	}
	return col, nil
}

func (ix *Indexer) refreshChunkCount(ctx context.Context, collection string) {
	stats, err := ix.vectors.Stats(ctx, collection)
	if err != nil {
		return
	}
	if err := ix.registry.SetChunkCount(collection, stats.Points); err != nil {
		slog.Warn("failed to persist chunk count", "collection", collection, "error", err)
	}
}

func chunkPayload(c model.Chunk) map[string]string {
	return map[string]string{
		vectorstore.PayloadText:         c.Text,
		vectorstore.PayloadCollection:   c.Collection,
		vectorstore.PayloadSource:       c.Source,
		vectorstore.PayloadDocTitle:     c.DocTitle,
		vectorstore.PayloadSectionTitle: c.SectionTitle,
		vectorstore.PayloadSectionIndex: strconv.Itoa(c.SectionIndex),
		vectorstore.PayloadPage:         strconv.Itoa(c.Page),
		vectorstore.PayloadChunkIndex:   strconv.Itoa(c.ChunkIndex),
		vectorstore.PayloadContentHash:  c.ContentHash,
		vectorstore.PayloadTokenCount:   strconv.Itoa(c.TokenCount),
		vectorstore.PayloadVersion:      c.Version,
		vectorstore.PayloadCreatedAt:    c.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// chunkFromPayload reconstructs a chunk in a new collection from a stored
// payload. IDs and hashes are recomputed for the target collection.
func chunkFromPayload(collection string, payload map[string]string) model.Chunk {
	sectionIndex, _ := strconv.Atoi(payload[vectorstore.PayloadSectionIndex])
	chunkIndex, _ := strconv.Atoi(payload[vectorstore.PayloadChunkIndex])
	page, _ := strconv.Atoi(payload[vectorstore.PayloadPage])
	tokenCount, _ := strconv.Atoi(payload[vectorstore.PayloadTokenCount])
	createdAt, _ := time.Parse(time.RFC3339, payload[vectorstore.PayloadCreatedAt])

	c := model.Chunk{
		Collection:   collection,
		Source:       payload[vectorstore.PayloadSource],
		DocTitle:     payload[vectorstore.PayloadDocTitle],
		SectionTitle: payload[vectorstore.PayloadSectionTitle],
		SectionIndex: sectionIndex,
		Page:         page,
		ChunkIndex:   chunkIndex,
		Text:         payload[vectorstore.PayloadText],
		TokenCount:   tokenCount,
		Version:      payload[vectorstore.PayloadVersion],
		CreatedAt:    createdAt,
	}
	c.ID = fingerprint.ChunkID(collection, c.Source, c.SectionIndex, c.ChunkIndex)
	c.ContentHash = fingerprint.ContentHash(c.Text, map[string]string{
		"collection":    collection,
		"source":        c.Source,
		"doc_title":     c.DocTitle,
		"section_title": c.SectionTitle,
		"section_index": strconv.Itoa(c.SectionIndex),
		"chunk_index":   strconv.Itoa(c.ChunkIndex),
		"page":          strconv.Itoa(c.Page),
	})
	return c
}
