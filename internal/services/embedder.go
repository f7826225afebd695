package services

import (
	"context"
	"fmt"

	"github.com/google/generative-ai-go/genai"
)

// Embedder turns text into vectors for the index.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
}

type GenAIEmbedder struct {
	queryModel *genai.EmbeddingModel
	docModel   *genai.EmbeddingModel
	batchSize  int
	retry      RetryPolicy
}

func NewGenAIEmbedder(client *genai.Client, name string, batchSize int, retry RetryPolicy) *GenAIEmbedder {
	queryModel := client.EmbeddingModel(name)
	queryModel.TaskType = genai.TaskTypeRetrievalQuery
	docModel := client.EmbeddingModel(name)
	docModel.TaskType = genai.TaskTypeRetrievalDocument
	if batchSize <= 0 {
		batchSize = 100
	}
	return &GenAIEmbedder{
		queryModel: queryModel,
		docModel:   docModel,
		batchSize:  batchSize,
		retry:      retry,
	}
}

func (e *GenAIEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return withRetry(ctx, e.retry, "embed query", func() ([]float32, error) {
		res, err := e.queryModel.EmbedContent(ctx, genai.Text(text))
		if err != nil {
			return nil, err
		}
		if res.Embedding == nil {
			return nil, fmt.Errorf("empty embedding")
		}
		return res.Embedding.Values, nil
	})
}

// EmbedDocuments embeds texts in batches, preserving order.
func (e *GenAIEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := min(start+e.batchSize, len(texts))
		batch := texts[start:end]

		vectors, err := withRetry(ctx, e.retry, "embed documents", func() ([][]float32, error) {
			b := e.docModel.NewBatch()
			for _, t := range batch {
				b.AddContent(genai.Text(t))
			}
			res, err := e.docModel.BatchEmbedContents(ctx, b)
			if err != nil {
				return nil, err
			}
			if len(res.Embeddings) != len(batch) {
				return nil, fmt.Errorf("expected %d embeddings, got %d", len(batch), len(res.Embeddings))
			}
			vecs := make([][]float32, len(res.Embeddings))
			for i, emb := range res.Embeddings {
				vecs[i] = emb.Values
			}
			return vecs, nil
		})
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}
	return out, nil
}
