package services

import (
	"context"
	"testing"

	"bossdb_rag_go_backend/internal/models"
	"bossdb_rag_go_backend/internal/testutil"

	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chunksFor(docKey string, texts ...string) []models.DocumentChunk {
	chunks := make([]models.DocumentChunk, len(texts))
	for i, text := range texts {
		chunks[i] = models.DocumentChunk{
			DocKey:    docKey,
			Ordinal:   i,
			Content:   text,
			Embedding: pgvector.NewVector([]float32{float32(i), 1}),
		}
	}
	return chunks
}

func TestPGVectorIndex_ChunkStore(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewTestDB(t)
	idx := NewPGVectorIndex(db, new(MockEmbedder), fastRetry)

	t.Run("Unknown document has no hash", func(t *testing.T) {
		_, ok, err := idx.DocumentHash(ctx, "https://bossdb.org")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Replace stores chunks and hash", func(t *testing.T) {
		doc := models.IndexedDocument{DocKey: "https://bossdb.org", ContentHash: "h1", SourceKind: "text"}
		require.NoError(t, idx.ReplaceDocument(ctx, doc, chunksFor(doc.DocKey, "a", "b")))

		hash, ok, err := idx.DocumentHash(ctx, doc.DocKey)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "h1", hash)

		stats, err := idx.Stats(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 1, stats.TotalDocuments)
		assert.EqualValues(t, 2, stats.TotalChunks)
		assert.NotNil(t, stats.LastUpdate)
	})

	t.Run("Replacing again swaps chunks and updates the hash", func(t *testing.T) {
		doc := models.IndexedDocument{DocKey: "https://bossdb.org", ContentHash: "h2", SourceKind: "text"}
		require.NoError(t, idx.ReplaceDocument(ctx, doc, chunksFor(doc.DocKey, "c")))

		hash, _, err := idx.DocumentHash(ctx, doc.DocKey)
		require.NoError(t, err)
		assert.Equal(t, "h2", hash)

		var chunks []models.DocumentChunk
		require.NoError(t, db.Where("doc_key = ?", doc.DocKey).Find(&chunks).Error)
		require.Len(t, chunks, 1)
		assert.Equal(t, "c", chunks[0].Content)
		assert.Equal(t, []float32{0, 1}, chunks[0].Embedding.Slice())
	})

	t.Run("Reset clears everything", func(t *testing.T) {
		require.NoError(t, idx.Reset(ctx))
		stats, err := idx.Stats(ctx)
		require.NoError(t, err)
		assert.Zero(t, stats.TotalDocuments)
		assert.Zero(t, stats.TotalChunks)
		assert.Nil(t, stats.LastUpdate)
	})
}
