package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/veritex-ai/ragserve/internal/model"
)

// ErrCollectionNotFound is returned for lookups of collections that were
// never created.
var ErrCollectionNotFound = errors.New("collection not found")

// ErrModelMismatch is returned when an operation would change a non-empty
// collection's embedding model or dimension.
var ErrModelMismatch = errors.New("collection model/dimension are immutable once non-empty")

// Registry owns the per-collection JSON sidecars carrying
// {name, model_id, dimension, created_at, migrated_from?}.
type Registry struct {
	dir string

	mu   sync.Mutex
	cols map[string]*model.Collection
}

// NewRegistry loads existing sidecars from dir (created if missing).
func NewRegistry(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ingest.NewRegistry: %w", err)
	}
	r := &Registry{dir: dir, cols: make(map[string]*model.Collection)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("ingest.NewRegistry: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		var col model.Collection
		if err := json.Unmarshal(raw, &col); err != nil || col.Name == "" {
			continue
		}
		r.cols[col.Name] = &col
	}
	return r, nil
}

// Get returns a collection's sidecar.
func (r *Registry) Get(name string) (model.Collection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	col, ok := r.cols[name]
	if !ok {
		return model.Collection{}, fmt.Errorf("ingest.Get: %w: %s", ErrCollectionNotFound, name)
	}
	return *col, nil
}

// Ensure creates the sidecar if missing, or verifies (model, dimension)
// compatibility. An empty collection may change models; a non-empty one may
// not.
func (r *Registry) Ensure(name, modelID string, dimension int) (model.Collection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	col, ok := r.cols[name]
	if !ok {
		col = &model.Collection{
			Name:      name,
			ModelID:   modelID,
			Dimension: dimension,
			CreatedAt: time.Now().UTC(),
		}
		r.cols[name] = col
		if err := r.persistLocked(col); err != nil {
			return model.Collection{}, err
		}
		return *col, nil
	}

	if col.ModelID != modelID || col.Dimension != dimension {
		if col.ChunkCount > 0 {
			return model.Collection{}, fmt.Errorf("ingest.Ensure: %w: %s has (%s, %d), requested (%s, %d)",
				ErrModelMismatch, name, col.ModelID, col.Dimension, modelID, dimension)
		}
		col.ModelID = modelID
		col.Dimension = dimension
		if err := r.persistLocked(col); err != nil {
			return model.Collection{}, err
		}
	}
	return *col, nil
}

// SetChunkCount updates the cached count in the sidecar.
func (r *Registry) SetChunkCount(name string, count int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	col, ok := r.cols[name]
	if !ok {
		return fmt.Errorf("ingest.SetChunkCount: %w: %s", ErrCollectionNotFound, name)
	}
	col.ChunkCount = count
	return r.persistLocked(col)
}

// SetMigratedFrom records the migration lineage on the target sidecar.
func (r *Registry) SetMigratedFrom(target, source string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	col, ok := r.cols[target]
	if !ok {
		return fmt.Errorf("ingest.SetMigratedFrom: %w: %s", ErrCollectionNotFound, target)
	}
	col.MigratedFrom = source
	return r.persistLocked(col)
}

// Drop removes the sidecar.
func (r *Registry) Drop(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cols, name)
	err := os.Remove(r.sidecarPath(name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ingest.Drop: %w", err)
	}
	return nil
}

func (r *Registry) sidecarPath(name string) string {
	safe := strings.Map(func(ch rune) rune {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9', ch == '-', ch == '_':
			return ch
		default:
			return '_'
		}
	}, name)
	return filepath.Join(r.dir, safe+".json")
}

func (r *Registry) persistLocked(col *model.Collection) error {
	raw, err := json.MarshalIndent(col, "", "  ")
	if err != nil {
		return fmt.Errorf("ingest: marshal sidecar %s: %w", col.Name, err)
	}
	if err := os.WriteFile(r.sidecarPath(col.Name), raw, 0o644); err != nil {
		return fmt.Errorf("ingest: write sidecar %s: %w", col.Name, err)
	}
	return nil
}
