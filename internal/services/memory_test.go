package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"bossdb_rag_go_backend/cmd/api/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// nineWords returns a nine word sentence, so a turn renders to 20 tokens
// under whitespace counting ("User:" + 9 + "Assistant:" + 9).
func nineWords(tag string) string {
	words := make([]string, 9)
	for i := range words {
		words[i] = fmt.Sprintf("%s%d", tag, i)
	}
	return strings.Join(words, " ")
}

func TestWindowMemory_GetContext(t *testing.T) {
	ctx := context.Background()
	counter := NewTiktokenCounter()

	t.Run("Keeps the two newest 20-token turns within 50 tokens", func(t *testing.T) {
		mem := NewWindowMemory(counter, unknownModel, 0)
		mem.RecordTurn(ctx, nineWords("a"), nineWords("b"))
		mem.RecordTurn(ctx, nineWords("c"), nineWords("d"))
		mem.RecordTurn(ctx, nineWords("e"), nineWords("f"))

		got := mem.GetContext(50)

		assert.Equal(t, 40, counter.CountTokens(got, unknownModel))
		assert.NotContains(t, got, "a0")
		assert.Contains(t, got, "c0")
		assert.Contains(t, got, "e0")
		assert.Less(t, strings.Index(got, "c0"), strings.Index(got, "e0"))
	})

	t.Run("Never exceeds the budget", func(t *testing.T) {
		mem := NewWindowMemory(counter, "gpt-4", 0)
		for i := 0; i < 12; i++ {
			mem.RecordTurn(ctx, fmt.Sprintf("question number %d about channels", i), strings.Repeat("answer text ", i+1))
		}
		for _, budget := range []int{0, 1, 7, 19, 50, 120, 400} {
			got := mem.GetContext(budget)
			assert.LessOrEqual(t, counter.CountTokens(got, "gpt-4"), budget, "budget %d", budget)
		}
	})

	t.Run("Newest turn larger than budget yields empty context", func(t *testing.T) {
		mem := NewWindowMemory(counter, unknownModel, 0)
		mem.RecordTurn(ctx, nineWords("a"), nineWords("b"))
		assert.Equal(t, "", mem.GetContext(10))
	})

	t.Run("Storage cap drops oldest turns", func(t *testing.T) {
		mem := NewWindowMemory(counter, unknownModel, 2)
		mem.RecordTurn(ctx, "q1", "a1")
		mem.RecordTurn(ctx, "q2", "a2")
		mem.RecordTurn(ctx, "q3", "a3")

		got := mem.GetContext(1000)
		assert.NotContains(t, got, "q1")
		assert.Equal(t, MemoryState{Type: config.MemoryModeWindow, MessageCount: 4}, mem.State())
	})
}

func TestSummaryMemory(t *testing.T) {
	ctx := context.Background()
	opts := SummaryMemoryOptions{SummarizeAfterTurns: 2, SummaryMaxTokens: 50, MaxInputTokens: 4096}

	t.Run("Summarizes older turns and keeps the newest verbatim", func(t *testing.T) {
		summarizer := new(MockLanguageModel)
		summarizer.On("Generate", mock.Anything, mock.MatchedBy(func(p string) bool {
			return strings.Contains(p, "q1") && strings.Contains(p, "q2") && !strings.Contains(p, "q3")
		})).Return("user asked q1 and q2", nil).Once()

		mem := NewSummaryMemory(summarizer, wordCounter{}, unknownModel, opts)
		mem.RecordTurn(ctx, "q1", "a1")
		mem.RecordTurn(ctx, "q2", "a2")
		mem.RecordTurn(ctx, "q3", "a3")

		assert.Equal(t, "user asked q1 and q2", mem.Summary())
		assert.Equal(t, []Turn{{User: "q3", Assistant: "a3"}}, mem.PendingTurns())
		assert.Equal(t, MemoryState{Type: config.MemoryModeSummary, MessageCount: 3, HasSummary: true}, mem.State())

		got := mem.GetContext(100)
		assert.Contains(t, got, "user asked q1 and q2")
		assert.Contains(t, got, "User: q3\nAssistant: a3")
		summarizer.AssertExpectations(t)
	})

	t.Run("Failure keeps summary and every pending turn", func(t *testing.T) {
		summarizer := new(MockLanguageModel)
		summarizer.On("Generate", mock.Anything, mock.Anything).Return("", errors.New("throttled"))

		mem := NewSummaryMemory(summarizer, wordCounter{}, unknownModel, opts)
		mem.RecordTurn(ctx, "q1", "a1")
		mem.RecordTurn(ctx, "q2", "a2")
		mem.RecordTurn(ctx, "q3", "a3")

		assert.Empty(t, mem.Summary())
		assert.Len(t, mem.PendingTurns(), 3)
		assert.Contains(t, mem.GetContext(100), "User: q3\nAssistant: a3")

		// The next trigger retries with everything still pending.
		summarizer.ExpectedCalls = nil
		summarizer.On("Generate", mock.Anything, mock.MatchedBy(func(p string) bool {
			return strings.Contains(p, "q1") && strings.Contains(p, "q3") && !strings.Contains(p, "q4")
		})).Return("recap", nil).Once()
		mem.RecordTurn(ctx, "q4", "a4")

		assert.Equal(t, "recap", mem.Summary())
		assert.Equal(t, []Turn{{User: "q4", Assistant: "a4"}}, mem.PendingTurns())
	})

	t.Run("Failure after an earlier summary keeps the previous summary", func(t *testing.T) {
		summarizer := new(MockLanguageModel)
		summarizer.On("Generate", mock.Anything, mock.Anything).Return("first recap", nil).Once()
		summarizer.On("Generate", mock.Anything, mock.Anything).Return("", errors.New("timeout"))

		mem := NewSummaryMemory(summarizer, wordCounter{}, unknownModel, opts)
		for i := 1; i <= 6; i++ {
			mem.RecordTurn(ctx, fmt.Sprintf("q%d", i), fmt.Sprintf("a%d", i))
		}

		assert.Equal(t, "first recap", mem.Summary())
		pending := mem.PendingTurns()
		require.NotEmpty(t, pending)
		assert.Equal(t, Turn{User: "q6", Assistant: "a6"}, pending[len(pending)-1])
	})

	t.Run("Summarizer input is bounded", func(t *testing.T) {
		summarizer := new(MockLanguageModel)
		summarizer.On("Generate", mock.Anything, mock.MatchedBy(func(p string) bool {
			return approximateTokens(p) <= 80
		})).Return("short", nil)

		mem := NewSummaryMemory(summarizer, wordCounter{}, unknownModel, SummaryMemoryOptions{
			SummarizeAfterTurns: 1,
			MaxInputTokens:      80,
		})
		mem.RecordTurn(ctx, strings.Repeat("long ", 200), "a1")
		mem.RecordTurn(ctx, "q2", "a2")

		summarizer.AssertExpectations(t)
		assert.Equal(t, "short", mem.Summary())
	})

	t.Run("Context respects the budget", func(t *testing.T) {
		summarizer := new(MockLanguageModel)
		summarizer.On("Generate", mock.Anything, mock.Anything).Return(strings.Repeat("recap ", 30), nil)

		mem := NewSummaryMemory(summarizer, wordCounter{}, unknownModel, opts)
		for i := 0; i < 5; i++ {
			mem.RecordTurn(ctx, nineWords("q"), nineWords("a"))
		}
		for _, budget := range []int{0, 5, 20, 25, 60, 200} {
			got := mem.GetContext(budget)
			assert.LessOrEqual(t, approximateTokens(got), budget, "budget %d", budget)
		}
		// The newest turn wins over the summary when only one fits.
		assert.Equal(t, 20, approximateTokens(mem.GetContext(25)))
	})
}

func TestNewMemoryFactory(t *testing.T) {
	counter := NewTiktokenCounter()

	t.Run("Window mode", func(t *testing.T) {
		factory, err := NewMemoryFactory(config.MemoryConfig{Mode: config.MemoryModeWindow}, counter, unknownModel, nil)
		require.NoError(t, err)
		assert.IsType(t, &WindowMemory{}, factory())
		assert.NotSame(t, factory(), factory())
	})

	t.Run("Summary mode needs a summarizer", func(t *testing.T) {
		_, err := NewMemoryFactory(config.MemoryConfig{Mode: config.MemoryModeSummary}, counter, unknownModel, nil)
		assert.Error(t, err)

		factory, err := NewMemoryFactory(config.MemoryConfig{Mode: config.MemoryModeSummary}, counter, unknownModel, new(MockLanguageModel))
		require.NoError(t, err)
		assert.IsType(t, &SummaryMemory{}, factory())
	})
}
