package ingest

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/veritex-ai/ragserve/internal/fingerprint"
	"github.com/veritex-ai/ragserve/internal/model"
	"github.com/veritex-ai/ragserve/internal/tokens"
)

// Chunker turns parsed document text into chunks carrying section and page
// metadata. Splitting targets chunkSize tokens per chunk with chunkOverlap
// tokens of trailing context, preferring paragraph, then sentence, then word,
// then character boundaries.
type Chunker struct {
	counter      *tokens.Counter
	chunkSize    int
	chunkOverlap int
}

// NewChunker creates a Chunker with default sizes; ChunkDocument accepts
// per-call overrides.
func NewChunker(counter *tokens.Counter, chunkSize, chunkOverlap int) *Chunker {
	if chunkSize <= 0 {
		chunkSize = 512
	}
	if chunkOverlap < 0 || chunkOverlap >= chunkSize {
		chunkOverlap = chunkSize / 8
	}
	return &Chunker{counter: counter, chunkSize: chunkSize, chunkOverlap: chunkOverlap}
}

// ChunkRequest parameterizes one chunking run. Size and Overlap of 0 use the
// chunker defaults.
type ChunkRequest struct {
	Collection string
	Source     string
	Version    string
	Text       string
	Size       int
	Overlap    int
}

var (
	mdHeadingRe   = regexp.MustCompile(`^(#{1,6})\s+(.+?)\s*$`)
	numberedRe    = regexp.MustCompile(`^(\d+(?:\.\d+)*)[.)]?\s+(\S.*?)\s*$`)
	allCapsRe     = regexp.MustCompile(`^[A-Z][A-Z0-9\s\-:]{2,59}$`)
	titleColonRe  = regexp.MustCompile(`^([A-Z][A-Za-z0-9\s]{2,59}):\s*$`)
	hruleRe       = regexp.MustCompile(`^\s*(?:-{3,}|\*{3,})\s*$`)
	pageMarkerRe  = regexp.MustCompile(`^\s*\[?Page\s+(\d+)\]?\s*$`)
	sentenceSplit = regexp.MustCompile(`(?s)(.*?[.!?])(?:\s+|$)`)
)

type section struct {
	title string
	level int
	page  int
	body  []string
}

// ChunkDocument splits text into chunks. Documents with no detectable
// sections become a single "Introduction" section; empty chunks are dropped.
func (c *Chunker) ChunkDocument(req ChunkRequest) []model.Chunk {
	size := req.Size
	if size <= 0 {
		size = c.chunkSize
	}
	overlap := req.Overlap
	if overlap <= 0 || overlap >= size {
		overlap = c.chunkOverlap
		if overlap >= size {
			overlap = size / 8
		}
	}

	docTitle := extractDocTitle(req.Text)
	sections := splitSections(req.Text)
	now := time.Now().UTC()

	var chunks []model.Chunk
	for sectionIndex, sec := range sections {
		body := strings.TrimSpace(strings.Join(sec.body, "\n"))
		if body == "" {
			continue
		}
		pieces := c.splitBody(body, size, overlap)

		chunkIndex := 0
		for _, text := range pieces {
			text = strings.TrimSpace(text)
			if text == "" {
				continue
			}
			meta := map[string]string{
				"collection":    req.Collection,
				"source":        req.Source,
				"doc_title":     docTitle,
				"section_title": sec.title,
				"section_index": strconv.Itoa(sectionIndex),
				"chunk_index":   strconv.Itoa(chunkIndex),
				"page":          strconv.Itoa(sec.page),
			}
			chunks = append(chunks, model.Chunk{
				ID:           fingerprint.ChunkID(req.Collection, req.Source, sectionIndex, chunkIndex),
				Collection:   req.Collection,
				Source:       req.Source,
				DocTitle:     docTitle,
				SectionTitle: sec.title,
				SectionLevel: sec.level,
				SectionIndex: sectionIndex,
				Page:         sec.page,
				ChunkIndex:   chunkIndex,
				Text:         text,
				TokenCount:   c.counter.Count(text),
				ContentHash:  fingerprint.ContentHash(text, meta),
				Version:      req.Version,
				CreatedAt:    now,
			})
			chunkIndex++
		}
	}
	return chunks
}

// extractDocTitle uses the first top-level heading, else the first short
// non-empty line.
func extractDocTitle(text string) string {
	var firstShort string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if m := mdHeadingRe.FindStringSubmatch(trimmed); m != nil && len(m[1]) == 1 {
			return m[2]
		}
		if firstShort == "" && len(trimmed) <= 80 {
			firstShort = trimmed
		}
	}
	return firstShort
}

// detectHeading returns (title, level, true) when the line looks like a
// section heading.
func detectHeading(line string) (string, int, bool) {
	if m := mdHeadingRe.FindStringSubmatch(line); m != nil {
		return m[2], len(m[1]), true
	}
	if m := numberedRe.FindStringSubmatch(line); m != nil && len(line) <= 80 {
		level := strings.Count(m[1], ".") + 1
		return strings.TrimSpace(line), level, true
	}
	if allCapsRe.MatchString(line) && !strings.ContainsAny(line, "abcdefghijklmnopqrstuvwxyz") && len(strings.Fields(line)) <= 8 {
		return strings.TrimSpace(strings.TrimSuffix(line, ":")), 1, true
	}
	if m := titleColonRe.FindStringSubmatch(line); m != nil {
		return m[1], 2, true
	}
	return "", 0, false
}

// splitSections walks the document detecting headings and page-break markers.
func splitSections(text string) []section {
	lines := strings.Split(text, "\n")
	page := 1
	var sections []section
	current := section{title: "Introduction", level: 1, page: 1}

	flush := func() {
		if strings.TrimSpace(strings.Join(current.body, "\n")) != "" {
			sections = append(sections, current)
		}
	}

	for _, raw := range lines {
		line := strings.TrimRight(raw, " \t")
		trimmed := strings.TrimSpace(line)

		if strings.Contains(line, "\f") {
			page++
			line = strings.ReplaceAll(line, "\f", "")
			trimmed = strings.TrimSpace(line)
		}
		if hruleRe.MatchString(trimmed) {
			page++
			continue
		}
		if m := pageMarkerRe.FindStringSubmatch(trimmed); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				page = n
			} else {
				page++
			}
			continue
		}

		if title, level, ok := detectHeading(trimmed); ok && trimmed != "" {
			flush()
			current = section{title: title, level: level, page: page}
			continue
		}

		current.body = append(current.body, line)
	}
	flush()

	return sections
}

// splitBody splits a section body into ≤size-token pieces with overlap tokens
// of trailing context from the previous piece.
func (c *Chunker) splitBody(body string, size, overlap int) []string {
	paragraphs := splitParagraphs(body)

	var pieces []string
	var current strings.Builder
	currentTokens := 0

	flush := func() {
		if current.Len() > 0 {
			pieces = append(pieces, current.String())
			current.Reset()
			currentTokens = 0
		}
	}

	for _, para := range paragraphs {
		paraTokens := c.counter.Count(para)

		if paraTokens > size {
			flush()
			pieces = append(pieces, c.splitOversized(para, size)...)
			continue
		}

		if currentTokens > 0 && currentTokens+paraTokens > size {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
		currentTokens += paraTokens
	}
	flush()

	return c.applyOverlap(pieces, overlap)
}

// splitOversized breaks a paragraph larger than the chunk size on sentence,
// then word, then character boundaries.
func (c *Chunker) splitOversized(para string, size int) []string {
	sentences := splitSentences(para)

	var pieces []string
	var current strings.Builder
	currentTokens := 0
	for _, sent := range sentences {
		sentTokens := c.counter.Count(sent)
		if sentTokens > size {
			if current.Len() > 0 {
				pieces = append(pieces, current.String())
				current.Reset()
				currentTokens = 0
			}
			pieces = append(pieces, c.splitByWords(sent, size)...)
			continue
		}
		if currentTokens > 0 && currentTokens+sentTokens > size {
			pieces = append(pieces, current.String())
			current.Reset()
			currentTokens = 0
		}
		if current.Len() > 0 {
			current.WriteString(" ")
		}
		current.WriteString(sent)
		currentTokens += sentTokens
	}
	if current.Len() > 0 {
		pieces = append(pieces, current.String())
	}
	return pieces
}

// splitByWords splits on word boundaries, falling back to raw character runs
// for pathological single-word inputs.
func (c *Chunker) splitByWords(text string, size int) []string {
	words := strings.Fields(text)
	if len(words) <= 1 {
		return splitByChars(text, size*4) // ~4 chars per token
	}

	var pieces []string
	var current strings.Builder
	currentTokens := 0
	for _, w := range words {
		wTokens := c.counter.Count(w)
		if currentTokens > 0 && currentTokens+wTokens > size {
			pieces = append(pieces, current.String())
			current.Reset()
			currentTokens = 0
		}
		if current.Len() > 0 {
			current.WriteString(" ")
		}
		current.WriteString(w)
		currentTokens += wTokens
	}
	if current.Len() > 0 {
		pieces = append(pieces, current.String())
	}
	return pieces
}

func splitByChars(text string, runLen int) []string {
	if runLen <= 0 {
		runLen = 1024
	}
	runes := []rune(text)
	var pieces []string
	for i := 0; i < len(runes); i += runLen {
		end := i + runLen
		if end > len(runes) {
			end = len(runes)
		}
		pieces = append(pieces, string(runes[i:end]))
	}
	return pieces
}

// applyOverlap prepends the token-measured tail of each piece to its
// successor.
func (c *Chunker) applyOverlap(pieces []string, overlap int) []string {
	if len(pieces) <= 1 || overlap <= 0 {
		return pieces
	}
	out := make([]string, len(pieces))
	out[0] = pieces[0]
	for i := 1; i < len(pieces); i++ {
		tail := c.tailTokens(pieces[i-1], overlap)
		if tail != "" {
			out[i] = tail + "\n\n" + pieces[i]
		} else {
			out[i] = pieces[i]
		}
	}
	return out
}

// tailTokens returns the smallest word-aligned suffix of text holding at
// least n tokens (or all of it).
func (c *Chunker) tailTokens(text string, n int) string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return ""
	}
	for take := 1; take <= len(words); take++ {
		candidate := strings.Join(words[len(words)-take:], " ")
		if c.counter.Count(candidate) >= n {
			return candidate
		}
	}
	return strings.Join(words, " ")
}

func splitParagraphs(text string) []string {
	raw := strings.Split(text, "\n\n")
	var out []string
	for _, p := range raw {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func splitSentences(text string) []string {
	matches := sentenceSplit.FindAllStringSubmatch(text, -1)
	var out []string
	consumed := 0
	for _, m := range matches {
		out = append(out, strings.TrimSpace(m[1]))
		consumed += len(m[0])
	}
	if rest := strings.TrimSpace(text[consumed:]); rest != "" {
		out = append(out, rest)
	}
	if len(out) == 0 {
		return []string{text}
	}
	return out
}
