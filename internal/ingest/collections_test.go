package ingest

import (
	"errors"
	"testing"
)

func TestRegistryEnsureAndGet(t *testing.T) {
	r, err := NewRegistry(t.TempDir())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	col, err := r.Ensure("c1", "model-a", 768)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if col.Name != "c1" || col.ModelID != "model-a" || col.Dimension != 768 {
		t.Errorf("col = %+v", col)
	}
	if col.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}

	if _, err := r.Get("missing"); !errors.Is(err, ErrCollectionNotFound) {
		t.Errorf("Get(missing) err = %v, want ErrCollectionNotFound", err)
	}
}

func TestRegistryImmutabilityOnceNonEmpty(t *testing.T) {
	r, _ := NewRegistry(t.TempDir())
	r.Ensure("c1", "model-a", 768)

	// Empty collection may still change models.
	if _, err := r.Ensure("c1", "model-b", 1024); err != nil {
		t.Fatalf("empty collection should allow model change: %v", err)
	}

	r.SetChunkCount("c1", 10)
	if _, err := r.Ensure("c1", "model-c", 512); !errors.Is(err, ErrModelMismatch) {
		t.Errorf("non-empty collection change err = %v, want ErrModelMismatch", err)
	}
	// Re-ensuring the current model is always fine.
	if _, err := r.Ensure("c1", "model-b", 1024); err != nil {
		t.Errorf("same-model ensure failed: %v", err)
	}
}

func TestRegistryPersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	r1, _ := NewRegistry(dir)
	r1.Ensure("c1", "model-a", 768)
	r1.SetChunkCount("c1", 5)
	r1.SetMigratedFrom("c1", "c0")

	r2, err := NewRegistry(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	col, err := r2.Get("c1")
	if err != nil {
		t.Fatalf("Get after reload: %v", err)
	}
	if col.ChunkCount != 5 || col.MigratedFrom != "c0" || col.ModelID != "model-a" {
		t.Errorf("reloaded col = %+v", col)
	}
}

func TestRegistryDrop(t *testing.T) {
	dir := t.TempDir()
	r, _ := NewRegistry(dir)
	r.Ensure("c1", "model-a", 768)
	if err := r.Drop("c1"); err != nil {
		t.Fatalf("Drop: %v", err)
	}
	if _, err := r.Get("c1"); err == nil {
		t.Error("dropped collection still present")
	}

	r2, _ := NewRegistry(dir)
	if _, err := r2.Get("c1"); err == nil {
		t.Error("dropped collection survived reload")
	}
}
