package vectorstore

import (
	"context"
	"fmt"

	"github.com/veritex-ai/ragserve/internal/config"
)

// New selects and constructs the vector backend from config.
func New(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.VectorBackend {
	case "local":
		return NewChromemStore(cfg.VectorPersistPath)
	case "remote":
		return NewQdrantStore(QdrantConfig{
			Host:   cfg.QdrantHost,
			Port:   cfg.QdrantPort,
			APIKey: cfg.QdrantAPIKey,
			UseTLS: cfg.QdrantUseTLS,
		})
	case "pgvector":
		return NewPgvectorStore(ctx, cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("vectorstore.New: unknown backend %q", cfg.VectorBackend)
	}
}
