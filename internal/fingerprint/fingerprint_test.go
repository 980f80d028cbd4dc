package fingerprint

import (
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercase", "Hello World", "hello world"},
		{"collapse whitespace", "a \t b\n\nc", "a b c"},
		{"strip punctuation", "foo, bar! (baz)", "foo bar baz"},
		{"mixed", "  The Quick,  Brown FOX.  ", "the quick brown fox"},
		{"empty", "", ""},
		{"unicode letters kept", "Caffè Nötes", "caffè nötes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.in); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestContentHash_Deterministic(t *testing.T) {
	meta := map[string]string{"source": "a.md", "section_title": "Intro"}
	h1 := ContentHash("Some text here.", meta)
	h2 := ContentHash("Some text here.", map[string]string{"section_title": "Intro", "source": "a.md"})
	if h1 != h2 {
		t.Errorf("hash differs across map orderings: %s vs %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(h1))
	}
}

func TestContentHash_NormalizationEquivalence(t *testing.T) {
	meta := map[string]string{"source": "a.md"}
	h1 := ContentHash("Hello,   World!", meta)
	h2 := ContentHash("hello world", meta)
	if h1 != h2 {
		t.Error("normalization-equivalent texts should hash identically")
	}
}

func TestContentHash_MetadataMatters(t *testing.T) {
	h1 := ContentHash("text", map[string]string{"source": "a.md"})
	h2 := ContentHash("text", map[string]string{"source": "b.md"})
	if h1 == h2 {
		t.Error("different metadata should change the hash")
	}
}

func TestQueryFingerprint(t *testing.T) {
	f1 := QueryFingerprint("what is x", "c1", map[string]string{"source": "a.md"})
	f2 := QueryFingerprint("what is x", "c1", map[string]string{"source": "a.md"})
	if f1 != f2 {
		t.Error("fingerprint not deterministic")
	}
	if f1 == QueryFingerprint("what is x", "c2", nil) {
		t.Error("collection should change the fingerprint")
	}
	if f1 == QueryFingerprint("what is y", "c1", map[string]string{"source": "a.md"}) {
		t.Error("query should change the fingerprint")
	}
}

func TestChunkID_StableAndDistinct(t *testing.T) {
	id1 := ChunkID("c1", "docA.md", 0, 0)
	id2 := ChunkID("c1", "docA.md", 0, 0)
	if id1 != id2 {
		t.Fatalf("chunk ID not stable: %s vs %s", id1, id2)
	}
	if id1 == ChunkID("c1", "docA.md", 0, 1) {
		t.Error("chunk index should change the ID")
	}
	if id1 == ChunkID("c1", "docA.md", 1, 0) {
		t.Error("section index should change the ID")
	}
	if id1 == ChunkID("c2", "docA.md", 0, 0) {
		t.Error("collection should change the ID")
	}
	// UUID shape: 8-4-4-4-12
	if parts := strings.Split(id1, "-"); len(parts) != 5 {
		t.Errorf("chunk ID %q is not a UUID", id1)
	}
}
