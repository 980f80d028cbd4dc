package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// PgvectorStore implements Store on Postgres with the pgvector extension.
// Each collection maps to its own table; payloads are stored as jsonb so
// filtered delete and enumeration ride on the @> containment operator.
type PgvectorStore struct {
	pool *pgxpool.Pool
}

// NewPgvectorStore connects to Postgres and enables the vector extension.
func NewPgvectorStore(ctx context.Context, databaseURL string) (*PgvectorStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		pool.Close()
		return nil, fmt.Errorf("vectorstore: enable pgvector: %w", err)
	}
	return &PgvectorStore{pool: pool}, nil
}

var tableNameSanitizer = regexp.MustCompile(`[^a-z0-9_]`)

func tableFor(collection string) string {
	return "rag_chunks_" + tableNameSanitizer.ReplaceAllString(strings.ToLower(collection), "_")
}

// EnsureCollection creates the collection table and its indexes.
func (s *PgvectorStore) EnsureCollection(ctx context.Context, name string, dimension int) error {
	table := tableFor(name)
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			embedding vector(%d) NOT NULL,
			payload JSONB NOT NULL DEFAULT '{}'::jsonb
		)`, table, dimension),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_embedding_idx ON %s USING hnsw (embedding vector_cosine_ops)`, table, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_payload_idx ON %s USING gin (payload)`, table, table),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("vectorstore: ensure collection %q: %w", name, err)
		}
	}
	return nil
}

// Upsert inserts or replaces points keyed by ID in one batch.
func (s *PgvectorStore) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	table := tableFor(collection)

	batch := &pgx.Batch{}
	for _, p := range points {
		payload, err := json.Marshal(p.Payload)
		if err != nil {
			return fmt.Errorf("vectorstore: marshal payload for %s: %w", p.ID, err)
		}
		batch.Queue(fmt.Sprintf(`
			INSERT INTO %s (id, embedding, payload) VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET embedding = EXCLUDED.embedding, payload = EXCLUDED.payload
		`, table), p.ID, pgvector.NewVector(p.Vector), payload)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range points {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("vectorstore: upsert into %q: %w", collection, err)
		}
	}
	return nil
}

// Search runs cosine kNN ordered by descending similarity.
func (s *PgvectorStore) Search(ctx context.Context, collection string, vector []float32, k int, filter map[string]string) ([]Hit, error) {
	table := tableFor(collection)
	filterJSON, err := filterJSONB(filter)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, payload, 1 - (embedding <=> $1) AS similarity
		FROM %s
		WHERE payload @> $2
		ORDER BY embedding <=> $1
		LIMIT $3
	`, table), pgvector.NewVector(vector), filterJSON, k)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: search %q: %w", collection, err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var (
			id      string
			payload map[string]string
			score   float64
		)
		if err := rows.Scan(&id, &payload, &score); err != nil {
			return nil, fmt.Errorf("vectorstore: search scan: %w", err)
		}
		hits = append(hits, Hit{ID: id, Score: score, Payload: payload})
	}
	return hits, rows.Err()
}

// Enumerate returns IDs and payloads matching the filter.
func (s *PgvectorStore) Enumerate(ctx context.Context, collection string, filter map[string]string) ([]Point, error) {
	table := tableFor(collection)
	filterJSON, err := filterJSONB(filter)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, payload FROM %s WHERE payload @> $1
	`, table), filterJSON)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: enumerate %q: %w", collection, err)
	}
	defer rows.Close()

	var out []Point
	for rows.Next() {
		var p Point
		if err := rows.Scan(&p.ID, &p.Payload); err != nil {
			return nil, fmt.Errorf("vectorstore: enumerate scan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Delete removes matching points and returns the affected row count.
func (s *PgvectorStore) Delete(ctx context.Context, collection string, filter map[string]string) (int, error) {
	table := tableFor(collection)
	filterJSON, err := filterJSONB(filter)
	if err != nil {
		return 0, err
	}

	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE payload @> $1`, table), filterJSON)
	if err != nil {
		return 0, fmt.Errorf("vectorstore: delete from %q: %w", collection, err)
	}
	return int(tag.RowsAffected()), nil
}

// Stats returns the row count.
func (s *PgvectorStore) Stats(ctx context.Context, collection string) (Stats, error) {
	table := tableFor(collection)
	var count int
	if err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, table)).Scan(&count); err != nil {
		return Stats{}, fmt.Errorf("vectorstore: stats %q: %w", collection, err)
	}
	return Stats{Points: count}, nil
}

// DropCollection drops the collection table.
func (s *PgvectorStore) DropCollection(ctx context.Context, name string) error {
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, tableFor(name))); err != nil {
		return fmt.Errorf("vectorstore: drop collection %q: %w", name, err)
	}
	return nil
}

// Ping checks connectivity.
func (s *PgvectorStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *PgvectorStore) Close() error {
	s.pool.Close()
	return nil
}

func filterJSONB(filter map[string]string) ([]byte, error) {
	if filter == nil {
		filter = map[string]string{}
	}
	raw, err := json.Marshal(filter)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: marshal filter: %w", err)
	}
	return raw, nil
}

var _ Store = (*PgvectorStore)(nil)
