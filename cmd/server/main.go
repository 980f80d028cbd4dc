package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/veritex-ai/ragserve/internal/admission"
	"github.com/veritex-ai/ragserve/internal/aiclient"
	"github.com/veritex-ai/ragserve/internal/cache"
	"github.com/veritex-ai/ragserve/internal/config"
	"github.com/veritex-ai/ragserve/internal/handler"
	"github.com/veritex-ai/ragserve/internal/ingest"
	"github.com/veritex-ai/ragserve/internal/lexical"
	"github.com/veritex-ai/ragserve/internal/middleware"
	"github.com/veritex-ai/ragserve/internal/model"
	"github.com/veritex-ai/ragserve/internal/query"
	"github.com/veritex-ai/ragserve/internal/rerank"
	"github.com/veritex-ai/ragserve/internal/router"
	"github.com/veritex-ai/ragserve/internal/tokens"
	"github.com/veritex-ai/ragserve/internal/trace"
	"github.com/veritex-ai/ragserve/internal/vectorstore"
)

const version = "0.3.0"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing: stdout exporter in development, recorder-only otherwise.
	var otelTracer oteltrace.Tracer
	if cfg.Environment == "development" {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
		defer tp.Shutdown(context.Background())
		otelTracer = tp.Tracer("ragserve")
	}
	tracer := trace.New(otelTracer)

	// Metrics.
	reg := prometheus.NewRegistry()
	metrics := middleware.NewMetrics(reg)

	// Cache: shared backend when configured, in-process otherwise.
	var store cache.Store
	if cfg.CacheBackendURL != "" {
		store, err = cache.NewRedisStore(cfg.CacheBackendURL)
		if err != nil {
			return fmt.Errorf("cache: %w", err)
		}
	} else {
		store = cache.NewMemoryStore()
	}
	resultCache := cache.New(store, cache.TTLs{
		VectorHits:  cfg.VectorCacheTTL,
		RerankScore: cfg.RerankCacheTTL,
		Answer:      cfg.AnswerCacheTTL,
	})

	// Backends.
	vectors, err := vectorstore.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("vector store: %w", err)
	}
	defer vectors.Close()

	lexPath := cfg.LexicalPersistPath
	if lexPath == "" {
		lexPath = filepath.Join(cfg.DataDir, "lexical")
	}
	lex, err := lexical.NewBleveIndex(lexPath)
	if err != nil {
		return fmt.Errorf("lexical index: %w", err)
	}
	defer lex.Close()

	// Provider clients.
	embedder := aiclient.NewEmbeddingClient(cfg.LLMAPIKey, cfg.LLMEndpoint, cfg.EmbeddingModel, cfg.EmbeddingDimension, cfg.EmbeddingBatchSize)
	llm := aiclient.NewChatClient(cfg.LLMAPIKey, cfg.LLMEndpoint, cfg.LLMModel)
	counter := tokens.NewCounter(cfg.LLMModel)

	// Ingest side.
	registry, err := ingest.NewRegistry(filepath.Join(cfg.DataDir, "collections"))
	if err != nil {
		return fmt.Errorf("collection registry: %w", err)
	}
	indexer := ingest.NewIndexer(vectors, lex, ingest.NewDeduper(), registry, resultCache, cfg.EmbeddingModel, cfg.EmbeddingDimension)
	chunker := ingest.NewChunker(counter, cfg.ChunkSize, cfg.ChunkOverlap)
	ingestSvc := ingest.NewService(chunker, embedder, indexer, cfg.AllowedFileTypes, cfg.MaxFileSizeMB)

	// Reranker.
	var scorer rerank.Scorer
	switch cfg.RerankerKind {
	case "local_cross_encoder":
		scorer = rerank.NewCosineScorer(embedder)
	case "remote_service":
		scorer = rerank.NewRemoteScorer(cfg.RerankerURL, cfg.RerankerModel)
	case "none":
		scorer = nil
	}
	reranker := rerank.New(scorer, resultCache, 16)

	// Admission.
	controller := admission.New(admission.Config{
		GlobalCapacity:    cfg.MaxConcurrentRequests,
		MaxQueueDepth:     cfg.MaxQueueDepth,
		OverloadThreshold: cfg.OverloadThreshold,
	})
	controller.Register(model.ClientQuota{
		ClientID:      middleware.DefaultClientID,
		RPM:           cfg.RateLimitRPM,
		RPH:           cfg.RateLimitRPH,
		MaxConcurrent: cfg.MaxConcurrentRequests,
		Burst:         cfg.RateLimitBurst,
		Scopes:        []string{model.ScopeQuery, model.ScopeIngest},
		Active:        true,
	})

	// Query side.
	retriever := query.NewRetriever(vectors, lex, resultCache)
	answerer := query.NewAnswerer(llm, counter, query.AnswererConfig{
		MaxTokens:          cfg.MaxTokens,
		MaxContextTokens:   cfg.MaxContextTokens,
		RequireCitations:   cfg.RequireCitations,
		ForbidUnverifiable: cfg.ForbidUnverifiable,
	})
	orchestrator := query.NewOrchestrator(
		controller,
		query.NewPlanner(),
		embedder,
		retriever,
		reranker,
		answerer,
		llm,
		resultCache,
		tracer,
		cfg.RequestDeadline,
		cfg.MaxQueryResults,
	)

	mux := router.New(&router.Dependencies{
		APIKey:         cfg.APIKey,
		MaxRequestSize: int64(cfg.MaxRequestSizeMB) * 1024 * 1024,
		Metrics:        metrics,
		MetricsReg:     reg,
		QueryDeps: handler.QueryDeps{
			Executor:  orchestrator,
			Admission: controller,
			Metrics:   metrics,
			MaxBatch:  32,
		},
		IngestDeps: handler.IngestDeps{
			Service:     ingestSvc,
			Deleter:     indexer,
			Collections: indexer,
			Admission:   controller,
			Metrics:     metrics,
		},
		HealthDeps: handler.HealthDeps{
			Version: version,
			Checks: map[string]handler.Pinger{
				"vector_store":  vectors,
				"lexical_index": lex,
				"cache":         resultCache,
			},
		},
	})

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     mux,
		ReadTimeout: 60 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	// Optional dedicated metrics listener.
	var metricsSrv *http.Server
	if cfg.MetricsPort > 0 && cfg.MetricsPort != cfg.Port {
		mm := http.NewServeMux()
		mm.Handle("/metrics", middleware.MetricsHandler(reg))
		metricsSrv = &http.Server{Addr: fmt.Sprintf(":%d", cfg.MetricsPort), Handler: mm}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server error", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("ragserve starting",
			"version", version,
			"port", cfg.Port,
			"vector_backend", cfg.VectorBackend,
			"reranker", cfg.RerankerKind,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	slog.Info("server stopped")
	return nil
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}
