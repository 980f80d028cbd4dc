package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/philippgille/chromem-go"
)

// ChromemStore implements Store using chromem-go for embedded vector storage.
// No external service is required; vectors live in memory with optional gob
// persistence. chromem-go exposes no document listing, so the adapter keeps a
// payload shadow per collection, persisted alongside the vectors, to serve
// Enumerate and filtered Delete.
type ChromemStore struct {
	db          *chromem.DB
	persistPath string

	mu          sync.RWMutex
	collections map[string]*chromem.Collection
	shadow      map[string]map[string]map[string]string // collection → id → payload
}

// NewChromemStore creates an embedded store. persistPath may be empty for a
// purely in-memory store (used heavily by tests).
func NewChromemStore(persistPath string) (*ChromemStore, error) {
	var db *chromem.DB
	if persistPath != "" {
		if err := os.MkdirAll(persistPath, 0o755); err != nil {
			return nil, fmt.Errorf("vectorstore.NewChromemStore: create dir: %w", err)
		}
		dbPath := filepath.Join(persistPath, "vectors.gob")
		if _, statErr := os.Stat(dbPath); statErr == nil {
			loaded, err := chromem.NewPersistentDB(dbPath, false)
			if err != nil {
				slog.Warn("failed to load vector database, starting empty", "path", dbPath, "error", err)
				db = chromem.NewDB()
			} else {
				db = loaded
				slog.Info("loaded vector database", "path", dbPath)
			}
		} else {
			db = chromem.NewDB()
		}
	} else {
		db = chromem.NewDB()
	}

	s := &ChromemStore{
		db:          db,
		persistPath: persistPath,
		collections: make(map[string]*chromem.Collection),
		shadow:      make(map[string]map[string]map[string]string),
	}
	if err := s.loadShadow(); err != nil {
		slog.Warn("failed to load payload shadow, enumeration starts empty", "error", err)
	}
	return s, nil
}

// identityEmbed rejects server-side embedding; vectors are always precomputed.
func identityEmbed(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("vectors must be precomputed")
}

func (s *ChromemStore) getCollection(name string, create bool) (*chromem.Collection, error) {
	s.mu.RLock()
	col, ok := s.collections[name]
	s.mu.RUnlock()
	if ok {
		return col, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if col, ok := s.collections[name]; ok {
		return col, nil
	}
	if !create {
		if col := s.db.GetCollection(name, identityEmbed); col != nil {
			s.collections[name] = col
			return col, nil
		}
		return nil, fmt.Errorf("vectorstore: %w: %s", ErrCollectionNotFound, name)
	}
	col, err := s.db.GetOrCreateCollection(name, nil, identityEmbed)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: get/create collection %q: %w", name, err)
	}
	s.collections[name] = col
	return col, nil
}

// EnsureCollection creates the collection if missing. chromem collections are
// dimensionless; the indexer enforces dimension consistency.
func (s *ChromemStore) EnsureCollection(_ context.Context, name string, _ int) error {
	_, err := s.getCollection(name, true)
	return err
}

// Upsert adds or replaces points keyed by ID.
func (s *ChromemStore) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	col, err := s.getCollection(collection, true)
	if err != nil {
		return err
	}

	docs := make([]chromem.Document, 0, len(points))
	for _, p := range points {
		docs = append(docs, chromem.Document{
			ID:        p.ID,
			Content:   p.Payload[PayloadText],
			Metadata:  cloneStringMap(p.Payload),
			Embedding: p.Vector,
		})
	}
	if err := col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("vectorstore: upsert %d points into %q: %w", len(points), collection, err)
	}

	s.mu.Lock()
	m := s.shadow[collection]
	if m == nil {
		m = make(map[string]map[string]string)
		s.shadow[collection] = m
	}
	for _, p := range points {
		m[p.ID] = cloneStringMap(p.Payload)
	}
	s.mu.Unlock()

	s.persist()
	return nil
}

// Search runs cosine kNN over the collection, optionally filtered by payload
// equality.
func (s *ChromemStore) Search(ctx context.Context, collection string, vector []float32, k int, filter map[string]string) ([]Hit, error) {
	col, err := s.getCollection(collection, false)
	if err != nil {
		return nil, err
	}

	// chromem rejects nResults beyond the (filtered) document count.
	count := col.Count()
	if count == 0 {
		return nil, nil
	}
	if k > count {
		k = count
	}

	var where map[string]string
	if len(filter) > 0 {
		where = cloneStringMap(filter)
	}
	results, err := col.QueryEmbedding(ctx, vector, k, where, nil)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: search %q: %w", collection, err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, Hit{
			ID:      r.ID,
			Score:   float64(r.Similarity),
			Payload: cloneStringMap(r.Metadata),
		})
	}
	return hits, nil
}

// Enumerate returns all stored payloads matching the filter. Vectors are not
// materialized.
func (s *ChromemStore) Enumerate(_ context.Context, collection string, filter map[string]string) ([]Point, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.shadow[collection]
	out := make([]Point, 0, len(m))
	for id, payload := range m {
		if matchesFilter(payload, filter) {
			out = append(out, Point{ID: id, Payload: cloneStringMap(payload)})
		}
	}
	return out, nil
}

// Delete removes all points matching the filter and returns how many.
func (s *ChromemStore) Delete(ctx context.Context, collection string, filter map[string]string) (int, error) {
	col, err := s.getCollection(collection, false)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	m := s.shadow[collection]
	ids := make([]string, 0)
	for id, payload := range m {
		if matchesFilter(payload, filter) {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	if len(ids) == 0 {
		return 0, nil
	}
	if err := col.Delete(ctx, nil, nil, ids...); err != nil {
		return 0, fmt.Errorf("vectorstore: delete from %q: %w", collection, err)
	}

	s.mu.Lock()
	for _, id := range ids {
		delete(m, id)
	}
	s.mu.Unlock()

	s.persist()
	return len(ids), nil
}

// Stats returns the point count.
func (s *ChromemStore) Stats(_ context.Context, collection string) (Stats, error) {
	col, err := s.getCollection(collection, false)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Points: col.Count()}, nil
}

// DropCollection removes a collection and all its points.
func (s *ChromemStore) DropCollection(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.DeleteCollection(name); err != nil {
		return fmt.Errorf("vectorstore: drop collection %q: %w", name, err)
	}
	delete(s.collections, name)
	delete(s.shadow, name)
	s.persistLocked()
	return nil
}

// Ping reports readiness; the embedded store is always reachable.
func (s *ChromemStore) Ping(context.Context) error { return nil }

// Close persists state and releases resources.
func (s *ChromemStore) Close() error {
	s.persist()
	return nil
}

func (s *ChromemStore) persist() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persistLocked()
}

func (s *ChromemStore) persistLocked() {
	if s.persistPath == "" {
		return
	}
	dbPath := filepath.Join(s.persistPath, "vectors.gob")
	//nolint:staticcheck // Export is the stable persistence entry point.
	if err := s.db.Export(dbPath, false, ""); err != nil {
		slog.Warn("failed to persist vector database", "path", dbPath, "error", err)
	}

	raw, err := json.Marshal(s.shadow)
	if err != nil {
		return
	}
	shadowPath := filepath.Join(s.persistPath, "payloads.json")
	if err := os.WriteFile(shadowPath, raw, 0o644); err != nil {
		slog.Warn("failed to persist payload shadow", "path", shadowPath, "error", err)
	}
}

func (s *ChromemStore) loadShadow() error {
	if s.persistPath == "" {
		return nil
	}
	raw, err := os.ReadFile(filepath.Join(s.persistPath, "payloads.json"))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.Unmarshal(raw, &s.shadow)
}

func cloneStringMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

var _ Store = (*ChromemStore)(nil)
