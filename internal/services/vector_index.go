package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bossdb_rag_go_backend/internal/models"

	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SearchResult is one retrieved chunk with its citable source.
type SearchResult struct {
	Content    string
	SourceURL  string
	SourceType string
	FilePath   string
	Owner      string
	Repo       string
	Score      float64
}

// VectorIndex returns chunks ordered by relevance to query.
type VectorIndex interface {
	Search(ctx context.Context, query string, topK int) ([]SearchResult, error)
}

type IndexStats struct {
	LastUpdate     *time.Time `json:"last_update"`
	TotalDocuments int64      `json:"total_documents"`
	TotalChunks    int64      `json:"total_chunks"`
}

// ChunkStore is the write side of the index used by the index builder.
type ChunkStore interface {
	DocumentHash(ctx context.Context, docKey string) (string, bool, error)
	ReplaceDocument(ctx context.Context, doc models.IndexedDocument, chunks []models.DocumentChunk) error
	Reset(ctx context.Context) error
	Stats(ctx context.Context) (IndexStats, error)
}

// PGVectorIndex keeps chunks and their embeddings in postgres with pgvector.
type PGVectorIndex struct {
	db       *gorm.DB
	embedder Embedder
	retry    RetryPolicy
}

func NewPGVectorIndex(db *gorm.DB, embedder Embedder, retry RetryPolicy) *PGVectorIndex {
	return &PGVectorIndex{db: db, embedder: embedder, retry: retry}
}

type chunkHit struct {
	Content    string
	SourceURL  string
	SourceType string
	FilePath   string
	Owner      string
	Repo       string
	Distance   float64
}

// Search ranks chunks by cosine distance; Score is 1 - distance.
func (idx *PGVectorIndex) Search(ctx context.Context, query string, topK int) ([]SearchResult, error) {
	vec, err := idx.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	hits, err := withRetry(ctx, idx.retry, "vector search", func() ([]chunkHit, error) {
		var hits []chunkHit
		err := idx.db.WithContext(ctx).
			Model(&models.DocumentChunk{}).
			Select("content, source_url, source_type, file_path, owner, repo, embedding <=> ? AS distance", pgvector.NewVector(vec)).
			Order("distance").
			Limit(topK).
			Scan(&hits).Error
		return hits, err
	})
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, len(hits))
	for i, h := range hits {
		results[i] = SearchResult{
			Content:    h.Content,
			SourceURL:  h.SourceURL,
			SourceType: h.SourceType,
			FilePath:   h.FilePath,
			Owner:      h.Owner,
			Repo:       h.Repo,
			Score:      1 - h.Distance,
		}
	}
	return results, nil
}

func (idx *PGVectorIndex) DocumentHash(ctx context.Context, docKey string) (string, bool, error) {
	var doc models.IndexedDocument
	err := idx.db.WithContext(ctx).Where("doc_key = ?", docKey).First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read document %s: %w", docKey, err)
	}
	return doc.ContentHash, true, nil
}

// ReplaceDocument swaps a document's chunks and bookkeeping in one
// transaction. On failure the previous chunks and hash remain.
func (idx *PGVectorIndex) ReplaceDocument(ctx context.Context, doc models.IndexedDocument, chunks []models.DocumentChunk) error {
	return idx.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("doc_key = ?", doc.DocKey).Delete(&models.DocumentChunk{}).Error; err != nil {
			return fmt.Errorf("failed to delete old chunks: %w", err)
		}
		if len(chunks) > 0 {
			if err := tx.CreateInBatches(chunks, 100).Error; err != nil {
				return fmt.Errorf("failed to insert chunks: %w", err)
			}
		}
		doc.ChunkCount = len(chunks)
		doc.IndexedAt = time.Now().UTC()
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "doc_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"content_hash", "source_kind", "source_type", "chunk_count", "indexed_at"}),
		}).Create(&doc).Error
		if err != nil {
			return fmt.Errorf("failed to record document: %w", err)
		}
		return nil
	})
}

func (idx *PGVectorIndex) Reset(ctx context.Context) error {
	return idx.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.DocumentChunk{}).Error; err != nil {
			return fmt.Errorf("failed to clear chunks: %w", err)
		}
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.IndexedDocument{}).Error; err != nil {
			return fmt.Errorf("failed to clear documents: %w", err)
		}
		return nil
	})
}

func (idx *PGVectorIndex) Stats(ctx context.Context) (IndexStats, error) {
	var stats IndexStats
	db := idx.db.WithContext(ctx)
	if err := db.Model(&models.IndexedDocument{}).Count(&stats.TotalDocuments).Error; err != nil {
		return stats, fmt.Errorf("failed to count documents: %w", err)
	}
	if err := db.Model(&models.DocumentChunk{}).Count(&stats.TotalChunks).Error; err != nil {
		return stats, fmt.Errorf("failed to count chunks: %w", err)
	}
	var latest models.IndexedDocument
	err := db.Order("indexed_at desc").First(&latest).Error
	if err == nil {
		t := latest.IndexedAt
		stats.LastUpdate = &t
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return stats, fmt.Errorf("failed to read last update: %w", err)
	}
	return stats, nil
}
