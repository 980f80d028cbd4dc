// Package fingerprint provides the deterministic hashing used for chunk IDs,
// content-level deduplication, and query-scoped cache keys. Same input must
// produce the same output across processes and restarts.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// chunkNamespace seeds the deterministic chunk UUIDs. Vector backends that
// require UUID point IDs (qdrant) get stable, replayable identifiers.
var chunkNamespace = uuid.MustParse("b1e0c6d4-9f21-4a7e-8c35-2d6a70f3d9b1")

const sep = "|||"

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	punctRe      = regexp.MustCompile(`[^\p{L}\p{N}\s]`)
)

// Normalize lowercases, strips punctuation, and collapses whitespace. It is
// used only when computing content hashes, never on text destined for
// retrieval or display.
func Normalize(text string) string {
	text = strings.ToLower(text)
	text = punctRe.ReplaceAllString(text, "")
	text = whitespaceRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// Canonical renders a metadata map as sorted key=value pairs so that hashing
// is independent of map iteration order.
func Canonical(meta map[string]string) string {
	if len(meta) == 0 {
		return ""
	}
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(';')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(meta[k])
	}
	return sb.String()
}

// ContentHash computes the SHA-256 content fingerprint over normalized text
// plus the canonical form of the stable metadata subset. Callers must not
// include volatile fields (timestamps, vectors, scores) in meta.
func ContentHash(text string, meta map[string]string) string {
	h := sha256.Sum256([]byte(Normalize(text) + sep + Canonical(meta)))
	return hex.EncodeToString(h[:])
}

// QueryFingerprint computes the SHA-256 fingerprint identifying one logical
// query against one collection with one filter set. It keys the rerank and
// answer caches.
func QueryFingerprint(query, collection string, filters map[string]string) string {
	h := sha256.Sum256([]byte(query + sep + collection + sep + Canonical(filters)))
	return hex.EncodeToString(h[:])
}

// ChunkID derives the stable chunk identifier from the chunk's position. It is
// a name-based UUID (full 128 bits) so every backend can use it verbatim.
func ChunkID(collection, source string, sectionIndex, chunkIndex int) string {
	name := fmt.Sprintf("%s%s%s%s%d%s%d", collection, sep, source, sep, sectionIndex, sep, chunkIndex)
	return uuid.NewSHA1(chunkNamespace, []byte(name)).String()
}
