package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/veritex-ai/ragserve/internal/model"
)

// Key families. Each family carries its own default TTL.
const (
	familyVector = "vh"
	familyRerank = "rs"
	familyAnswer = "an"
)

// TTLs configures the per-family lifetimes.
type TTLs struct {
	VectorHits  time.Duration
	RerankScore time.Duration
	Answer      time.Duration
}

// Cache is the typed cache over a Store backend. Every write is associated
// with a collection tag; InvalidateTag evicts everything written under it.
// All backend errors are logged and swallowed (open circuit).
type Cache struct {
	store Store
	ttls  TTLs
}

// New creates a Cache over the given Store.
func New(store Store, ttls TTLs) *Cache {
	return &Cache{store: store, ttls: ttls}
}

func collectionTag(collection string) string {
	return "tag:collection:" + collection
}

// GetVectorHits returns cached fused candidates for a query fingerprint.
func (c *Cache) GetVectorHits(ctx context.Context, queryFP string) ([]model.Candidate, bool) {
	raw, ok := c.get(ctx, familyVector+":"+queryFP)
	if !ok {
		return nil, false
	}
	var out []model.Candidate
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		slog.Warn("cache decode failed", "family", "vector_hits", "error", err)
		return nil, false
	}
	return out, true
}

// SetVectorHits caches fused candidates under the collection's tag.
func (c *Cache) SetVectorHits(ctx context.Context, queryFP, collection string, cands []model.Candidate) {
	raw, err := json.Marshal(cands)
	if err != nil {
		return
	}
	c.set(ctx, familyVector+":"+queryFP, string(raw), collection, c.ttls.VectorHits)
}

// GetRerankScore returns the cached pairwise score for (query fingerprint,
// chunk ID).
func (c *Cache) GetRerankScore(ctx context.Context, queryFP, chunkID string) (float64, bool) {
	raw, ok := c.get(ctx, familyRerank+":"+queryFP+":"+chunkID)
	if !ok {
		return 0, false
	}
	score, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return score, true
}

// SetRerankScore caches a pairwise score. Writes are last-writer-wins.
func (c *Cache) SetRerankScore(ctx context.Context, queryFP, chunkID, collection string, score float64) {
	c.set(ctx, familyRerank+":"+queryFP+":"+chunkID, strconv.FormatFloat(score, 'g', -1, 64), collection, c.ttls.RerankScore)
}

// GetAnswer returns a cached answer for a query fingerprint.
func (c *Cache) GetAnswer(ctx context.Context, queryFP string) (*model.Answer, bool) {
	raw, ok := c.get(ctx, familyAnswer+":"+queryFP)
	if !ok {
		return nil, false
	}
	var a model.Answer
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		slog.Warn("cache decode failed", "family", "answer", "error", err)
		return nil, false
	}
	return &a, true
}

// SetAnswer caches an answer under the collection's tag.
func (c *Cache) SetAnswer(ctx context.Context, queryFP, collection string, a *model.Answer) {
	raw, err := json.Marshal(a)
	if err != nil {
		return
	}
	c.set(ctx, familyAnswer+":"+queryFP, string(raw), collection, c.ttls.Answer)
}

// InvalidateCollection evicts every key written under the collection's tag.
// Called by the indexer whenever it mutates a collection.
func (c *Cache) InvalidateCollection(ctx context.Context, collection string) {
	tag := collectionTag(collection)
	members, err := c.store.SetMembers(ctx, tag)
	if err != nil {
		slog.Warn("cache tag lookup failed", "tag", tag, "error", err)
		return
	}
	if len(members) == 0 {
		return
	}
	if err := c.store.Delete(ctx, append(members, tag)...); err != nil {
		slog.Warn("cache tag invalidation failed", "tag", tag, "error", err)
		return
	}
	slog.Info("cache invalidated", "tag", tag, "entries_removed", len(members))
}

// Ping reports backend reachability (used by readiness checks).
func (c *Cache) Ping(ctx context.Context) error {
	return c.store.Ping(ctx)
}

func (c *Cache) get(ctx context.Context, key string) (string, bool) {
	v, ok, err := c.store.Get(ctx, key)
	if err != nil {
		slog.Warn("cache get failed", "key", key, "error", err)
		return "", false
	}
	return v, ok
}

func (c *Cache) set(ctx context.Context, key, value, collection string, ttl time.Duration) {
	if err := c.store.Set(ctx, key, value, ttl); err != nil {
		slog.Warn("cache set failed", "key", key, "error", err)
		return
	}
	if err := c.store.AddToSet(ctx, collectionTag(collection), key, ttl); err != nil {
		slog.Warn("cache tag association failed", "key", key, "error", err)
	}
}
