package services

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// unknownModel has no tokenizer mapping, so counts are whitespace words.
const unknownModel = "test-model"

type MockLanguageModel struct {
	mock.Mock
}

func (m *MockLanguageModel) Generate(ctx context.Context, prompt string) (string, error) {
	args := m.Called(ctx, prompt)
	return args.String(0), args.Error(1)
}

type wordCounter struct{}

func (wordCounter) CountTokens(text, _ string) int {
	return approximateTokens(text)
}

type MockVectorIndex struct {
	mock.Mock
}

func (m *MockVectorIndex) Search(ctx context.Context, query string, topK int) ([]SearchResult, error) {
	args := m.Called(ctx, query, topK)
	results, _ := args.Get(0).([]SearchResult)
	return results, args.Error(1)
}

type MockEmbedder struct {
	mock.Mock
}

func (m *MockEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	args := m.Called(ctx, text)
	vec, _ := args.Get(0).([]float32)
	return vec, args.Error(1)
}

func (m *MockEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	args := m.Called(ctx, texts)
	if fn, ok := args.Get(0).(func(context.Context, []string) [][]float32); ok {
		return fn(ctx, texts), args.Error(1)
	}
	vecs, _ := args.Get(0).([][]float32)
	return vecs, args.Error(1)
}
