package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration loaded from environment
// variables. It is immutable after Load() returns.
type Config struct {
	Port        int
	MetricsPort int // 0 = serve /metrics on the main port
	Environment string
	LogLevel    string
	DataDir     string

	// Auth
	APIKey string

	// Embedding provider
	EmbeddingModel     string
	EmbeddingDimension int
	EmbeddingBatchSize int

	// LLM provider
	LLMEndpoint string
	LLMModel    string
	LLMAPIKey   string

	// Vector store
	VectorBackend     string // local | remote | pgvector
	VectorPersistPath string
	DatabaseURL       string
	QdrantHost        string
	QdrantPort        int
	QdrantAPIKey      string
	QdrantUseTLS      bool

	// Lexical index
	LexicalBackendURL  string
	LexicalPersistPath string

	// Reranker
	RerankerKind  string // local_cross_encoder | remote_service | none
	RerankerModel string
	RerankerURL   string

	// Cache
	CacheBackendURL string
	VectorCacheTTL  time.Duration
	RerankCacheTTL  time.Duration
	AnswerCacheTTL  time.Duration

	// Ingest limits
	MaxFileSizeMB    int
	MaxRequestSizeMB int
	AllowedFileTypes []string
	ChunkSize        int
	ChunkOverlap     int

	// Query limits
	MaxQueryResults  int
	MaxTokens        int
	MaxContextTokens int
	RequestDeadline  time.Duration

	// Answer guardrails
	RequireCitations   bool
	ForbidUnverifiable bool

	// Admission control
	RateLimitRPM          int
	RateLimitRPH          int
	RateLimitBurst        int
	MaxConcurrentRequests int
	MaxQueueDepth         int
	OverloadThreshold     float64
}

// Load reads configuration from environment variables. API_KEY is required;
// everything else has a sensible default.
func Load() (*Config, error) {
	apiKey := os.Getenv("API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("config.Load: API_KEY is required")
	}

	cfg := &Config{
		Port:        envInt("PORT", 8080),
		MetricsPort: envInt("METRICS_PORT", 0),
		Environment: envStr("ENVIRONMENT", "development"),
		LogLevel:    envStr("LOG_LEVEL", "info"),
		DataDir:     envStr("DATA_DIR", "./data"),

		APIKey: apiKey,

		EmbeddingModel:     envStr("EMBEDDING_MODEL", "text-embedding-3-small"),
		EmbeddingDimension: envInt("EMBEDDING_DIMENSION", 1536),
		EmbeddingBatchSize: envInt("EMBEDDING_BATCH_SIZE", 64),

		LLMEndpoint: envStr("LLM_ENDPOINT", ""),
		LLMModel:    envStr("LLM_MODEL", "gpt-4o-mini"),
		LLMAPIKey:   envStr("LLM_API_KEY", ""),

		VectorBackend:     envStr("VECTOR_BACKEND", "local"),
		VectorPersistPath: envStr("VECTOR_PERSIST_PATH", ""),
		DatabaseURL:       envStr("DATABASE_URL", ""),
		QdrantHost:        envStr("QDRANT_HOST", "localhost"),
		QdrantPort:        envInt("QDRANT_PORT", 6334),
		QdrantAPIKey:      envStr("QDRANT_API_KEY", ""),
		QdrantUseTLS:      envBool("QDRANT_USE_TLS", false),

		LexicalBackendURL:  envStr("LEXICAL_BACKEND_URL", ""),
		LexicalPersistPath: envStr("LEXICAL_PERSIST_PATH", ""),

		RerankerKind:  envStr("RERANKER_KIND", "local_cross_encoder"),
		RerankerModel: envStr("RERANKER_MODEL", ""),
		RerankerURL:   envStr("RERANKER_URL", ""),

		CacheBackendURL: envStr("CACHE_BACKEND_URL", ""),
		VectorCacheTTL:  envDuration("VECTOR_CACHE_TTL", 2*time.Hour),
		RerankCacheTTL:  envDuration("RERANK_CACHE_TTL", 30*time.Minute),
		AnswerCacheTTL:  envDuration("ANSWER_CACHE_TTL", 10*time.Minute),

		MaxFileSizeMB:    envInt("MAX_FILE_SIZE_MB", 25),
		MaxRequestSizeMB: envInt("MAX_REQUEST_SIZE_MB", 100),
		AllowedFileTypes: envList("ALLOWED_FILE_TYPES", []string{"pdf", "md", "txt"}),
		ChunkSize:        envInt("CHUNK_SIZE", 512),
		ChunkOverlap:     envInt("CHUNK_OVERLAP", 64),

		MaxQueryResults:  envInt("MAX_QUERY_RESULTS", 20),
		MaxTokens:        envInt("MAX_TOKENS", 1024),
		MaxContextTokens: envInt("MAX_CONTEXT_TOKENS", 6000),
		RequestDeadline:  envDuration("REQUEST_DEADLINE", 60*time.Second),

		RequireCitations:   envBool("REQUIRE_CITATIONS", true),
		ForbidUnverifiable: envBool("FORBID_UNVERIFIABLE", false),

		RateLimitRPM:          envInt("RATE_LIMIT_RPM", 100),
		RateLimitRPH:          envInt("RATE_LIMIT_RPH", 1000),
		RateLimitBurst:        envInt("RATE_LIMIT_BURST", 20),
		MaxConcurrentRequests: envInt("MAX_CONCURRENT_REQUESTS", 10),
		MaxQueueDepth:         envInt("MAX_QUEUE_DEPTH", 100),
		OverloadThreshold:     envFloat("OVERLOAD_THRESHOLD", 0.8),
	}

	switch cfg.VectorBackend {
	case "local", "remote", "pgvector":
	default:
		return nil, fmt.Errorf("config.Load: unknown VECTOR_BACKEND %q", cfg.VectorBackend)
	}
	if cfg.VectorBackend == "pgvector" && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("config.Load: DATABASE_URL is required for VECTOR_BACKEND=pgvector")
	}

	switch cfg.RerankerKind {
	case "local_cross_encoder", "remote_service", "none":
	default:
		return nil, fmt.Errorf("config.Load: unknown RERANKER_KIND %q", cfg.RerankerKind)
	}
	if cfg.RerankerKind == "remote_service" && cfg.RerankerURL == "" {
		return nil, fmt.Errorf("config.Load: RERANKER_URL is required for RERANKER_KIND=remote_service")
	}

	if cfg.ChunkOverlap >= cfg.ChunkSize {
		return nil, fmt.Errorf("config.Load: CHUNK_OVERLAP (%d) must be smaller than CHUNK_SIZE (%d)", cfg.ChunkOverlap, cfg.ChunkSize)
	}

	return cfg, nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	// Accept both Go durations ("30m") and bare seconds ("1800").
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
