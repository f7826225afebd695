package models

import (
	"time"

	"github.com/pgvector/pgvector-go"
)

// EmbeddingDimensions matches text-embedding-004.
const EmbeddingDimensions = 768

// IndexedDocument is the bookkeeping row used for incremental re-indexing.
type IndexedDocument struct {
	ID          uint   `gorm:"primaryKey"`
	DocKey      string `gorm:"uniqueIndex;not null"`
	ContentHash string `gorm:"size:64;not null"`
	SourceKind  string
	SourceType  string
	ChunkCount  int
	IndexedAt   time.Time `gorm:"index"`
}

type DocumentChunk struct {
	ID         uint   `gorm:"primaryKey"`
	DocKey     string `gorm:"index;not null"`
	Ordinal    int
	Content    string `gorm:"type:text"`
	SourceURL  string
	SourceType string
	SourceKind string
	FilePath   string
	Owner      string
	Repo       string
	Embedding  pgvector.Vector `gorm:"type:vector(768)"`
	CreatedAt  time.Time
}
