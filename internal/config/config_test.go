package config

import (
	"testing"
	"time"
)

func TestLoad_RequiresAPIKey(t *testing.T) {
	t.Setenv("API_KEY", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when API_KEY is missing")
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("API_KEY", "test-key")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.VectorBackend != "local" {
		t.Errorf("VectorBackend = %q, want local", cfg.VectorBackend)
	}
	if cfg.VectorCacheTTL != 2*time.Hour {
		t.Errorf("VectorCacheTTL = %v, want 2h", cfg.VectorCacheTTL)
	}
	if cfg.RerankCacheTTL != 30*time.Minute {
		t.Errorf("RerankCacheTTL = %v, want 30m", cfg.RerankCacheTTL)
	}
	if cfg.AnswerCacheTTL != 10*time.Minute {
		t.Errorf("AnswerCacheTTL = %v, want 10m", cfg.AnswerCacheTTL)
	}
	if cfg.OverloadThreshold != 0.8 {
		t.Errorf("OverloadThreshold = %v, want 0.8", cfg.OverloadThreshold)
	}
	if got := cfg.AllowedFileTypes; len(got) != 3 || got[0] != "pdf" {
		t.Errorf("AllowedFileTypes = %v, want [pdf md txt]", got)
	}
}

func TestLoad_RejectsUnknownBackends(t *testing.T) {
	t.Setenv("API_KEY", "test-key")
	t.Setenv("VECTOR_BACKEND", "faiss")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown vector backend")
	}
}

func TestLoad_PgvectorRequiresDatabaseURL(t *testing.T) {
	t.Setenv("API_KEY", "test-key")
	t.Setenv("VECTOR_BACKEND", "pgvector")
	t.Setenv("DATABASE_URL", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when pgvector backend has no DATABASE_URL")
	}
}

func TestLoad_RemoteRerankerRequiresURL(t *testing.T) {
	t.Setenv("API_KEY", "test-key")
	t.Setenv("RERANKER_KIND", "remote_service")
	t.Setenv("RERANKER_URL", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when remote reranker has no URL")
	}
}

func TestLoad_OverlapMustBeSmallerThanChunkSize(t *testing.T) {
	t.Setenv("API_KEY", "test-key")
	t.Setenv("CHUNK_SIZE", "100")
	t.Setenv("CHUNK_OVERLAP", "100")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when overlap >= chunk size")
	}
}

func TestEnvDuration_BareSeconds(t *testing.T) {
	t.Setenv("API_KEY", "test-key")
	t.Setenv("RERANK_CACHE_TTL", "1800")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.RerankCacheTTL != 30*time.Minute {
		t.Errorf("RerankCacheTTL = %v, want 30m from bare seconds", cfg.RerankCacheTTL)
	}
}
