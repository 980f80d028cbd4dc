package ingest

import (
	"bytes"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

// ParseResult is the extracted text of one uploaded file.
type ParseResult struct {
	Text     string
	Pages    int
	FileType string // pdf | md | txt
}

// SniffType determines the file type by content, not extension alone. PDFs
// are recognized by magic bytes; everything else must be valid UTF-8 text,
// with the extension only distinguishing markdown from plain text.
func SniffType(filename string, data []byte) (string, error) {
	if bytes.HasPrefix(data, []byte("%PDF-")) {
		return "pdf", nil
	}

	contentType := http.DetectContentType(data)
	if !strings.HasPrefix(contentType, "text/") {
		return "", fmt.Errorf("ingest.SniffType: unsupported content type %q for %s", contentType, filename)
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("ingest.SniffType: %s is not valid UTF-8", filename)
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".md", ".markdown":
		return "md", nil
	default:
		return "txt", nil
	}
}

// Parse extracts plain text from a PDF, Markdown, or plain-text file.
// allowedTypes restricts the accepted sniffed types.
func Parse(filename string, data []byte, allowedTypes []string) (*ParseResult, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("ingest.Parse: %s is empty", filename)
	}

	fileType, err := SniffType(filename, data)
	if err != nil {
		return nil, err
	}
	if !typeAllowed(fileType, allowedTypes) {
		return nil, fmt.Errorf("ingest.Parse: file type %q is not allowed", fileType)
	}

	if fileType == "pdf" {
		return parsePDF(filename, data)
	}
	return &ParseResult{
		Text:     string(data),
		Pages:    1,
		FileType: fileType,
	}, nil
}

// parsePDF extracts text per page, inserting explicit page markers so the
// chunker can carry page numbers into chunk metadata.
func parsePDF(filename string, data []byte) (*ParseResult, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("ingest.Parse: open pdf %s: %w", filename, err)
	}

	var sb strings.Builder
	pages := reader.NumPage()
	extracted := 0
	for i := 1; i <= pages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// A single unreadable page does not sink the document.
			continue
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		if extracted > 0 {
			fmt.Fprintf(&sb, "\n\n[Page %d]\n\n", i)
		}
		sb.WriteString(text)
		extracted++
	}

	if sb.Len() == 0 {
		return nil, fmt.Errorf("ingest.Parse: no extractable text in %s", filename)
	}
	return &ParseResult{
		Text:     sb.String(),
		Pages:    pages,
		FileType: "pdf",
	}, nil
}

func typeAllowed(fileType string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, t := range allowed {
		if strings.EqualFold(t, fileType) {
			return true
		}
	}
	return false
}
