package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/veritex-ai/ragserve/internal/model"
)

// ingestParallelism bounds concurrent per-file pipelines.
const ingestParallelism = 4

// FileInput is one uploaded file.
type FileInput struct {
	Name string
	Data []byte
}

// Result aggregates one ingest call. Errors are per-file so a poison document
// never sinks the batch.
type Result struct {
	DocumentsProcessed int      `json:"documents_processed"`
	ChunksCreated      int      `json:"chunks_created"`
	DuplicatesSkipped  int      `json:"duplicates_skipped"`
	DeletedDocuments   int      `json:"deleted_documents,omitempty"`
	Errors             []string `json:"errors"`
}

// Service runs the ingest pipeline: sniff → parse → chunk → embed → index,
// fanned out over files with per-file error isolation.
type Service struct {
	chunker      *Chunker
	embedder     Embedder
	indexer      *Indexer
	allowedTypes []string
	maxFileBytes int64
}

// NewService creates the ingest service.
func NewService(chunker *Chunker, embedder Embedder, indexer *Indexer, allowedTypes []string, maxFileSizeMB int) *Service {
	return &Service{
		chunker:      chunker,
		embedder:     embedder,
		indexer:      indexer,
		allowedTypes: allowedTypes,
		maxFileBytes: int64(maxFileSizeMB) * 1024 * 1024,
	}
}

// IngestFiles processes files into a collection. chunkSize/chunkOverlap of 0
// use the configured defaults.
func (s *Service) IngestFiles(ctx context.Context, collection string, files []FileInput, chunkSize, chunkOverlap int, version string) Result {
	var (
		mu     sync.Mutex
		result Result
	)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(ingestParallelism)

	for _, file := range files {
		g.Go(func() error {
			upsert, err := s.ingestOne(gCtx, collection, file, chunkSize, chunkOverlap, version)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", file.Name, err))
				return nil // per-file isolation
			}
			result.DocumentsProcessed++
			result.ChunksCreated += upsert.Unique
			result.DuplicatesSkipped += upsert.Duplicates
			result.Errors = append(result.Errors, upsert.Errors...)
			return nil
		})
	}
	_ = g.Wait()

	if result.Errors == nil {
		result.Errors = []string{}
	}
	slog.Info("ingest complete",
		"collection", collection,
		"documents", result.DocumentsProcessed,
		"chunks_created", result.ChunksCreated,
		"duplicates_skipped", result.DuplicatesSkipped,
		"errors", len(result.Errors),
	)
	return result
}

func (s *Service) ingestOne(ctx context.Context, collection string, file FileInput, chunkSize, chunkOverlap int, version string) (UpsertResult, error) {
	if s.maxFileBytes > 0 && int64(len(file.Data)) > s.maxFileBytes {
		return UpsertResult{}, fmt.Errorf("file exceeds %d MB limit", s.maxFileBytes/(1024*1024))
	}

	slog.Info("ingest step 1: parsing", "file", file.Name, "bytes", len(file.Data))
	parsed, err := Parse(file.Name, file.Data, s.allowedTypes)
	if err != nil {
		return UpsertResult{}, err
	}

	slog.Info("ingest step 2: chunking", "file", file.Name, "chars", len(parsed.Text))
	chunks := s.chunker.ChunkDocument(ChunkRequest{
		Collection: collection,
		Source:     file.Name,
		Version:    version,
		Text:       parsed.Text,
		Size:       chunkSize,
		Overlap:    chunkOverlap,
	})
	if len(chunks) == 0 {
		return UpsertResult{}, fmt.Errorf("no indexable content")
	}

	slog.Info("ingest step 3: embedding", "file", file.Name, "chunks", len(chunks))
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	embeddings, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("embed: %w", err)
	}

	slog.Info("ingest step 4: indexing", "file", file.Name, "chunks", len(chunks))
	upsert, err := s.indexer.Upsert(ctx, collection, chunks, embeddings)
	if err != nil {
		return upsert, fmt.Errorf("index: %w", err)
	}
	return upsert, nil
}

// ReindexSource replaces a source's chunks with freshly ingested content from
// the given files (all attributed to the source name).
func (s *Service) ReindexSource(ctx context.Context, collection, source string, files []FileInput, chunkSize, chunkOverlap int, version string) Result {
	var result Result

	var allChunks []model.Chunk
	var allTexts []string
	for _, file := range files {
		if s.maxFileBytes > 0 && int64(len(file.Data)) > s.maxFileBytes {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: file exceeds size limit", file.Name))
			continue
		}
		parsed, err := Parse(file.Name, file.Data, s.allowedTypes)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", file.Name, err))
			continue
		}
		chunks := s.chunker.ChunkDocument(ChunkRequest{
			Collection: collection,
			Source:     source,
			Version:    version,
			Text:       parsed.Text,
			Size:       chunkSize,
			Overlap:    chunkOverlap,
		})
		for _, c := range chunks {
			allChunks = append(allChunks, c)
			allTexts = append(allTexts, c.Text)
		}
		result.DocumentsProcessed++
	}

	if len(allChunks) == 0 {
		if result.Errors == nil {
			result.Errors = []string{}
		}
		return result
	}

	embeddings, err := s.embedder.EmbedBatch(ctx, allTexts)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("embed: %v", err))
		return result
	}

	upsert, deleted, err := s.indexer.ReindexSource(ctx, collection, source, allChunks, embeddings)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("reindex: %v", err))
		return result
	}
	result.ChunksCreated = upsert.Unique
	result.DuplicatesSkipped = upsert.Duplicates
	result.DeletedDocuments = deleted
	result.Errors = append(result.Errors, upsert.Errors...)
	if result.Errors == nil {
		result.Errors = []string{}
	}

	slog.Info("reindex complete",
		"collection", collection,
		"source", source,
		"deleted", deleted,
		"chunks_created", result.ChunksCreated,
	)
	return result
}
