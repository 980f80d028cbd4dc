package model

import "time"

// Chunk is a unit of indexed content. Chunks are immutable after the indexer
// commits them; the ID is derived from position, the content hash from text
// plus stable metadata, so re-ingesting the same file reproduces both.
type Chunk struct {
	ID           string    `json:"id"`
	Collection   string    `json:"collection"`
	Source       string    `json:"source"`
	DocTitle     string    `json:"docTitle"`
	SectionTitle string    `json:"sectionTitle"`
	SectionLevel int       `json:"sectionLevel"`
	SectionIndex int       `json:"sectionIndex"`
	Page         int       `json:"page"`
	ChunkIndex   int       `json:"chunkIndex"` // position within the section
	Text         string    `json:"text"`
	TokenCount   int       `json:"tokenCount"`
	ContentHash  string    `json:"contentHash"`
	Version      string    `json:"version,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Collection describes a named index. (ModelID, Dimension) are immutable once
// the collection holds chunks; changing them requires a migration into a new
// collection.
type Collection struct {
	Name         string    `json:"name"`
	ModelID      string    `json:"model_id"`
	Dimension    int       `json:"dimension"`
	CreatedAt    time.Time `json:"created_at"`
	ChunkCount   int       `json:"chunk_count"`
	MigratedFrom string    `json:"migrated_from,omitempty"`
}
