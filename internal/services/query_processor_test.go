package services

import (
	"context"
	"strings"
	"testing"

	"bossdb_rag_go_backend/cmd/api/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.LLM.TokenizerModel = unknownModel
	cfg.Limits.MaxMessageTokens = 20
	cfg.Index.TopK = 2
	cfg.Memory.ContextTokens = 100
	return cfg
}

func TestQueryProcessor_Query(t *testing.T) {
	ctx := context.Background()
	counter := wordCounter{}

	t.Run("Answers from retrieved context and memory", func(t *testing.T) {
		index := new(MockVectorIndex)
		llm := new(MockLanguageModel)
		mem := NewWindowMemory(counter, unknownModel, 0)
		mem.RecordTurn(ctx, "What is BossDB?", "A cloud data archive.")

		index.On("Search", ctx, "How do I download a mesh?", 2).Return([]SearchResult{
			{Content: "Use intern to fetch meshes.", SourceURL: "https://github.com/jhuapl-boss/intern", Score: 0.91},
			{Content: strings.Repeat("x", 250), SourceURL: "https://bossdb.org", SourceType: SourceTypeWebpage, Score: 0.5},
		}, nil)
		llm.On("Generate", ctx, mock.MatchedBy(func(prompt string) bool {
			return strings.Contains(prompt, "Conversation so far:\nUser: What is BossDB?") &&
				strings.Contains(prompt, "[1] (https://github.com/jhuapl-boss/intern)\nUse intern to fetch meshes.") &&
				strings.HasSuffix(prompt, "Question: How do I download a mesh?")
		})).Return("Call array.mesh().", nil)

		qp := NewQueryProcessor(index, llm, counter, testConfig())
		result, err := qp.Query(ctx, mem, "How do I download a mesh?")
		require.NoError(t, err)

		assert.Equal(t, "Call array.mesh().", result.Response)
		assert.False(t, result.Refused)
		require.Len(t, result.Sources, 2)
		assert.Equal(t, 1, result.Sources[0].Number)
		assert.Equal(t, "Use intern to fetch meshes.", result.Sources[0].Snippet)
		assert.Equal(t, strings.Repeat("x", 200)+"...", result.Sources[1].Snippet)
		assert.Equal(t, MemoryState{Type: "window", MessageCount: 2}, result.MemoryState)
		index.AssertExpectations(t)
		llm.AssertExpectations(t)
	})

	t.Run("Too long question is refused without a model call", func(t *testing.T) {
		index := new(MockVectorIndex)
		llm := new(MockLanguageModel)
		qp := NewQueryProcessor(index, llm, counter, testConfig())

		result, err := qp.Query(ctx, NewWindowMemory(counter, unknownModel, 0), strings.Repeat("word ", 21))
		require.NoError(t, err)
		assert.True(t, result.Refused)
		assert.Equal(t, "I apologize, but your input is too long. Please provide a shorter query (maximum 20 tokens).", result.Response)
		index.AssertNotCalled(t, "Search", mock.Anything, mock.Anything, mock.Anything)
		llm.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
	})

	t.Run("Model failure is returned", func(t *testing.T) {
		index := new(MockVectorIndex)
		llm := new(MockLanguageModel)
		index.On("Search", ctx, mock.Anything, 2).Return([]SearchResult{}, nil)
		llm.On("Generate", ctx, mock.Anything).Return("", ErrUpstreamUnavailable)

		qp := NewQueryProcessor(index, llm, counter, testConfig())
		_, err := qp.Query(ctx, NewWindowMemory(counter, unknownModel, 0), "What is BossDB?")
		assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	})
}

func TestSystemPrompt(t *testing.T) {
	assert.True(t, strings.HasSuffix(SystemPrompt(config.MemoryModeSummary), "provided as summaries when relevant."))
	assert.True(t, strings.HasSuffix(SystemPrompt(config.MemoryModeWindow), "Most recent messages will be maintained for context."))
	assert.True(t, strings.HasPrefix(SystemPrompt(config.MemoryModeWindow), "You are an AI assistant specialized in providing information about BossDB"))
}

func TestFormatSources(t *testing.T) {
	assert.Equal(t, "", FormatSources(nil))
	got := FormatSources([]Source{{Number: 1, URL: "https://bossdb.org", Score: 0.876}})
	assert.Equal(t, "\n\n**Sources:**\n1. https://bossdb.org\n   Relevance score: 0.88\n", got)
}
