package ingest

import (
	"strings"
	"testing"
)

func TestSniffType(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		data     []byte
		want     string
		wantErr  bool
	}{
		{"pdf magic", "doc.pdf", []byte("%PDF-1.7 rest of file"), "pdf", false},
		{"pdf magic wrong extension", "doc.txt", []byte("%PDF-1.4 binary"), "pdf", false},
		{"markdown", "notes.md", []byte("# Heading\n\nbody"), "md", false},
		{"plain text", "readme", []byte("plain text content"), "txt", false},
		{"binary rejected", "blob.md", []byte{0x00, 0x01, 0x02, 0xff, 0xfe, 0x00, 0x01, 0x02}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SniffType(tt.filename, tt.data)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got type %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("SniffType: %v", err)
			}
			if got != tt.want {
				t.Errorf("SniffType = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseText(t *testing.T) {
	res, err := Parse("a.md", []byte("# Title\n\nbody"), []string{"pdf", "md", "txt"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if res.FileType != "md" || !strings.Contains(res.Text, "Title") {
		t.Errorf("result = %+v", res)
	}
}

func TestParseRejectsDisallowedType(t *testing.T) {
	if _, err := Parse("a.md", []byte("# Title"), []string{"pdf"}); err == nil {
		t.Error("expected error for disallowed type")
	}
}

func TestParseRejectsEmpty(t *testing.T) {
	if _, err := Parse("a.md", nil, nil); err == nil {
		t.Error("expected error for empty file")
	}
}
