package services

import (
	"context"
	"encoding/hex"
	"fmt"

	"bossdb_rag_go_backend/cmd/api/config"
	"bossdb_rag_go_backend/internal/models"

	"github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog/log"
	"github.com/zeebo/blake3"
)

// DocumentSource produces the documents to index.
type DocumentSource interface {
	LoadAll(ctx context.Context) ([]Document, error)
}

type BuildReport struct {
	Loaded  int        `json:"loaded"`
	Indexed int        `json:"indexed"`
	Skipped int        `json:"skipped"`
	Failed  int        `json:"failed"`
	Stats   IndexStats `json:"stats"`
}

type IndexBuilder struct {
	source      DocumentSource
	splitter    *Splitter
	embedder    Embedder
	store       ChunkStore
	forceReload bool
	incremental bool
}

func NewIndexBuilder(source DocumentSource, splitter *Splitter, embedder Embedder, store ChunkStore, cfg config.IndexConfig) *IndexBuilder {
	return &IndexBuilder{
		source:      source,
		splitter:    splitter,
		embedder:    embedder,
		store:       store,
		forceReload: cfg.ForceReload,
		incremental: cfg.Incremental,
	}
}

// BuildOrLoad reuses an existing index unless a reload or incremental
// refresh is configured. Each document is replaced atomically, so a failed
// document keeps its previous chunks and hash and is retried next run.
func (b *IndexBuilder) BuildOrLoad(ctx context.Context) (BuildReport, error) {
	var report BuildReport

	stats, err := b.store.Stats(ctx)
	if err != nil {
		return report, err
	}
	if stats.TotalChunks > 0 && !b.forceReload && !b.incremental {
		log.Info().
			Int64("documents", stats.TotalDocuments).
			Int64("chunks", stats.TotalChunks).
			Msg("Loading existing index")
		report.Stats = stats
		return report, nil
	}

	if b.forceReload {
		log.Info().Msg("Force reload requested, clearing index")
		if err := b.store.Reset(ctx); err != nil {
			return report, err
		}
	}

	docs, err := b.source.LoadAll(ctx)
	if err != nil {
		return report, err
	}
	docs = mergeByKey(docs)
	if len(docs) == 0 {
		return report, ErrNoDocuments
	}
	report.Loaded = len(docs)

	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		hash := contentHash(doc.Text)
		existing, ok, err := b.store.DocumentHash(ctx, doc.Key())
		if err != nil {
			log.Error().Err(err).Str("doc", doc.Key()).Msg("Failed to read document hash")
			report.Failed++
			continue
		}
		if ok && existing == hash {
			report.Skipped++
			continue
		}

		if err := b.indexDocument(ctx, doc, hash); err != nil {
			log.Error().Err(err).Str("doc", doc.Key()).Msg("Failed to index document")
			report.Failed++
			continue
		}
		report.Indexed++
	}

	if report.Indexed == 0 && report.Skipped == 0 {
		return report, fmt.Errorf("failed to index any of %d documents", report.Loaded)
	}

	report.Stats, err = b.store.Stats(ctx)
	if err != nil {
		return report, err
	}
	log.Info().
		Int("loaded", report.Loaded).
		Int("indexed", report.Indexed).
		Int("skipped", report.Skipped).
		Int("failed", report.Failed).
		Int64("chunks", report.Stats.TotalChunks).
		Msg("Index build finished")
	return report, nil
}

func (b *IndexBuilder) indexDocument(ctx context.Context, doc Document, hash string) error {
	chunks := b.splitter.Split(doc)
	kind := b.splitter.KindOf(doc)

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	var vectors [][]float32
	if len(texts) > 0 {
		var err error
		vectors, err = b.embedder.EmbedDocuments(ctx, texts)
		if err != nil {
			return err
		}
		if len(vectors) != len(texts) {
			return fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(texts))
		}
	}

	rows := make([]models.DocumentChunk, len(chunks))
	for i, c := range chunks {
		rows[i] = models.DocumentChunk{
			DocKey:     doc.Key(),
			Ordinal:    i,
			Content:    c.Text,
			SourceURL:  c.Metadata.URL,
			SourceType: c.Metadata.SourceType,
			SourceKind: c.Kind.String(),
			FilePath:   c.Metadata.FilePath,
			Owner:      c.Metadata.Owner,
			Repo:       c.Metadata.Repo,
			Embedding:  pgvector.NewVector(vectors[i]),
		}
	}

	return b.store.ReplaceDocument(ctx, models.IndexedDocument{
		DocKey:      doc.Key(),
		ContentHash: hash,
		SourceKind:  kind.String(),
		SourceType:  doc.Metadata.SourceType,
	}, rows)
}

// mergeByKey joins documents that share a key, in load order.
func mergeByKey(docs []Document) []Document {
	index := make(map[string]int, len(docs))
	merged := make([]Document, 0, len(docs))
	for _, doc := range docs {
		if i, ok := index[doc.Key()]; ok {
			merged[i].Text += "\n\n" + doc.Text
			continue
		}
		index[doc.Key()] = len(merged)
		merged = append(merged, doc)
	}
	return merged
}

func contentHash(text string) string {
	sum := blake3.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
