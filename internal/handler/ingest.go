package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/veritex-ai/ragserve/internal/admission"
	"github.com/veritex-ai/ragserve/internal/ingest"
	"github.com/veritex-ai/ragserve/internal/middleware"
	"github.com/veritex-ai/ragserve/internal/model"
)

// Ingestor is the slice of the ingest service the handlers need.
type Ingestor interface {
	IngestFiles(ctx context.Context, collection string, files []ingest.FileInput, chunkSize, chunkOverlap int, version string) ingest.Result
	ReindexSource(ctx context.Context, collection, source string, files []ingest.FileInput, chunkSize, chunkOverlap int, version string) ingest.Result
}

// SourceDeleter is the slice of the indexer the delete handler needs.
type SourceDeleter interface {
	DeleteBySource(ctx context.Context, collection, source, version string) (int, error)
}

// CollectionReader is the slice of the indexer the info handler needs.
type CollectionReader interface {
	CollectionInfo(ctx context.Context, collection string) (model.Collection, error)
}

type ingestObserver interface {
	ObserveIngest(documents, chunks, duplicates int)
}

// IngestDeps wires the ingest handlers.
type IngestDeps struct {
	Service    Ingestor
	Deleter    SourceDeleter
	Collections CollectionReader
	Admission  *admission.Controller
	Metrics    ingestObserver
}

// admitIngest runs admission for the ingest scope, writing the denial itself.
// The returned release is nil when denied.
func admitIngest(w http.ResponseWriter, r *http.Request, ctrl *admission.Controller) func() {
	if ctrl == nil {
		return func() {}
	}
	decision, ticket := ctrl.Admit(middleware.ClientIDFromContext(r.Context()), model.ScopeIngest)
	if !decision.Allowed {
		writeDenial(w, decision)
		return nil
	}
	return ticket.Release
}

// readMultipartFiles collects uploaded files from a multipart form.
func readMultipartFiles(r *http.Request, maxMemory int64) ([]ingest.FileInput, error) {
	if err := r.ParseMultipartForm(maxMemory); err != nil {
		return nil, err
	}
	var files []ingest.FileInput
	for _, headers := range r.MultipartForm.File {
		for _, fh := range headers {
			f, err := fh.Open()
			if err != nil {
				return nil, err
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				return nil, err
			}
			files = append(files, ingest.FileInput{Name: fh.Filename, Data: data})
		}
	}
	return files, nil
}

func formInt(r *http.Request, key string) int {
	n, _ := strconv.Atoi(r.FormValue(key))
	return n
}

// Ingest handles POST /ingest (multipart: files + collection, chunk_size,
// chunk_overlap).
func Ingest(deps IngestDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		release := admitIngest(w, r, deps.Admission)
		if release == nil {
			return
		}
		defer release()

		files, err := readMultipartFiles(r, 32<<20)
		if err != nil {
			writePayloadError(w, err)
			return
		}
		collection := r.FormValue("collection")
		if collection == "" || len(files) == 0 {
			writeError(w, http.StatusBadRequest, "validation", "collection and at least one file are required")
			return
		}

		result := deps.Service.IngestFiles(r.Context(), collection, files,
			formInt(r, "chunk_size"), formInt(r, "chunk_overlap"), r.FormValue("version"))
		if deps.Metrics != nil {
			deps.Metrics.ObserveIngest(result.DocumentsProcessed, result.ChunksCreated, result.DuplicatesSkipped)
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// Reindex handles POST /ingest/reindex_source.
func Reindex(deps IngestDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		release := admitIngest(w, r, deps.Admission)
		if release == nil {
			return
		}
		defer release()

		files, err := readMultipartFiles(r, 32<<20)
		if err != nil {
			writePayloadError(w, err)
			return
		}
		collection := r.FormValue("collection")
		source := r.FormValue("source")
		if collection == "" || source == "" || len(files) == 0 {
			writeError(w, http.StatusBadRequest, "validation", "collection, source, and at least one file are required")
			return
		}

		result := deps.Service.ReindexSource(r.Context(), collection, source, files,
			formInt(r, "chunk_size"), formInt(r, "chunk_overlap"), r.FormValue("version"))
		if deps.Metrics != nil {
			deps.Metrics.ObserveIngest(result.DocumentsProcessed, result.ChunksCreated, result.DuplicatesSkipped)
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// DeleteSource handles DELETE /collections/{collection}/sources/{source}.
func DeleteSource(deps IngestDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		release := admitIngest(w, r, deps.Admission)
		if release == nil {
			return
		}
		defer release()

		collection := chi.URLParam(r, "collection")
		source := chi.URLParam(r, "source")
		version := r.URL.Query().Get("version")

		deleted, err := deps.Deleter.DeleteBySource(r.Context(), collection, source, version)
		if err != nil {
			mapError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"deleted_documents": deleted})
	}
}

// CollectionInfo handles GET /collections/{collection}.
func CollectionInfo(deps IngestDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		col, err := deps.Collections.CollectionInfo(r.Context(), chi.URLParam(r, "collection"))
		if err != nil {
			mapError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"chunk_count": col.ChunkCount,
			"dimension":   col.Dimension,
			"model_id":    col.ModelID,
			"status":      "ready",
			"created_at":  col.CreatedAt,
			"migrated_from": col.MigratedFrom,
		})
	}
}

// writePayloadError distinguishes oversized bodies (413) from malformed ones
// (400).
func writePayloadError(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		writeError(w, http.StatusRequestEntityTooLarge, "validation", "request payload too large")
		return
	}
	writeError(w, http.StatusBadRequest, "validation", "invalid multipart form")
}
