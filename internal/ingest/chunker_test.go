package ingest

import (
	"strings"
	"testing"

	"github.com/veritex-ai/ragserve/internal/tokens"
)

func testChunker() *Chunker {
	return NewChunker(tokens.NewCounter("gpt-4o-mini"), 512, 64)
}

const docA = `# Intro

This is the introduction paragraph with enough words to be a chunk.

# Body

The body section explains the main topic in a couple of sentences. It keeps going for a little while.

# Conclusion

A short wrap-up of everything discussed above.`

func TestChunkDocument_SectionsBecomeChunks(t *testing.T) {
	c := testChunker()
	chunks := c.ChunkDocument(ChunkRequest{Collection: "c1", Source: "docA.md", Text: docA})

	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	wantTitles := []string{"Intro", "Body", "Conclusion"}
	for i, chunk := range chunks {
		if chunk.SectionTitle != wantTitles[i] {
			t.Errorf("chunk %d section = %q, want %q", i, chunk.SectionTitle, wantTitles[i])
		}
		if chunk.SectionIndex != i {
			t.Errorf("chunk %d sectionIndex = %d, want %d", i, chunk.SectionIndex, i)
		}
		if chunk.ChunkIndex != 0 {
			t.Errorf("chunk %d chunkIndex = %d, want 0", i, chunk.ChunkIndex)
		}
		if chunk.DocTitle != "Intro" {
			t.Errorf("chunk %d docTitle = %q, want Intro", i, chunk.DocTitle)
		}
		if chunk.ContentHash == "" || chunk.ID == "" {
			t.Errorf("chunk %d missing hash or ID", i)
		}
		if chunk.TokenCount <= 0 {
			t.Errorf("chunk %d tokenCount = %d", i, chunk.TokenCount)
		}
	}
}

func TestChunkDocument_StableAcrossRuns(t *testing.T) {
	c := testChunker()
	req := ChunkRequest{Collection: "c1", Source: "docA.md", Text: docA}
	first := c.ChunkDocument(req)
	second := c.ChunkDocument(req)

	for i := range first {
		if first[i].ID != second[i].ID {
			t.Errorf("chunk %d ID unstable", i)
		}
		if first[i].ContentHash != second[i].ContentHash {
			t.Errorf("chunk %d hash unstable", i)
		}
	}
}

func TestChunkDocument_NoHeadingsBecomesIntroduction(t *testing.T) {
	c := testChunker()
	chunks := c.ChunkDocument(ChunkRequest{
		Collection: "c1",
		Source:     "plain.txt",
		Text:       "just a plain paragraph with no structure at all.\n\nand another one.",
	})
	if len(chunks) == 0 {
		t.Fatal("expected at least one chunk")
	}
	if chunks[0].SectionTitle != "Introduction" {
		t.Errorf("section = %q, want Introduction", chunks[0].SectionTitle)
	}
}

func TestChunkDocument_EmptyInput(t *testing.T) {
	c := testChunker()
	if chunks := c.ChunkDocument(ChunkRequest{Collection: "c1", Source: "e.txt", Text: "   \n\n  "}); len(chunks) != 0 {
		t.Errorf("got %d chunks from whitespace, want 0", len(chunks))
	}
}

func TestChunkDocument_HeadingVariants(t *testing.T) {
	text := `Title line

1. Numbered Section

body one

OVERVIEW SECTION

body two

Installation Guide:

body three`
	c := testChunker()
	chunks := c.ChunkDocument(ChunkRequest{Collection: "c1", Source: "v.txt", Text: text})

	var titles []string
	for _, ch := range chunks {
		titles = append(titles, ch.SectionTitle)
	}
	joined := strings.Join(titles, "|")
	for _, want := range []string{"1. Numbered Section", "OVERVIEW SECTION", "Installation Guide"} {
		if !strings.Contains(joined, want) {
			t.Errorf("missing section %q in %q", want, joined)
		}
	}
}

func TestChunkDocument_PageMarkers(t *testing.T) {
	text := `# Doc

first page content

[Page 2]

second page content`
	c := testChunker()
	chunks := c.ChunkDocument(ChunkRequest{Collection: "c1", Source: "p.txt", Text: text})
	if len(chunks) == 0 {
		t.Fatal("no chunks")
	}
	// All content lives in one section, whose page is where it started.
	if chunks[0].Page != 1 {
		t.Errorf("page = %d, want 1", chunks[0].Page)
	}
}

func TestChunkDocument_LargeSectionSplitsWithOverlap(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("# Big\n\n")
	for i := 0; i < 60; i++ {
		sb.WriteString("This sentence repeats to inflate the section far past the configured chunk size limit. ")
	}

	c := NewChunker(tokens.NewCounter("gpt-4o-mini"), 128, 32)
	chunks := c.ChunkDocument(ChunkRequest{Collection: "c1", Source: "big.md", Text: sb.String()})

	if len(chunks) < 2 {
		t.Fatalf("got %d chunks, want several", len(chunks))
	}
	for i, ch := range chunks {
		if ch.ChunkIndex != i {
			t.Errorf("chunk %d has chunkIndex %d", i, ch.ChunkIndex)
		}
		// Overlap inflates pieces somewhat; they must stay in the vicinity of
		// the target, not multiples of it.
		if ch.TokenCount > 128+64 {
			t.Errorf("chunk %d tokenCount = %d, far above target", i, ch.TokenCount)
		}
	}
	// Trailing overlap: each piece after the first starts with the tail of
	// its predecessor.
	tail := chunks[0].Text[len(chunks[0].Text)-20:]
	if !strings.Contains(chunks[1].Text, strings.TrimSpace(tail)) {
		t.Error("second chunk does not carry trailing context from the first")
	}
}

func TestExtractDocTitle(t *testing.T) {
	tests := []struct {
		name, text, want string
	}{
		{"h1", "# My Title\n\nbody", "My Title"},
		{"first short line", "Short Title\n\nlong body follows here", "Short Title"},
		{"skips empty lines", "\n\n\nActual Title\nmore", "Actual Title"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractDocTitle(tt.text); got != tt.want {
				t.Errorf("extractDocTitle = %q, want %q", got, tt.want)
			}
		})
	}
}
