package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTiktokenCounter_CountTokens(t *testing.T) {
	counter := NewTiktokenCounter()

	t.Run("Known model uses its tokenizer", func(t *testing.T) {
		assert.Equal(t, 2, counter.CountTokens("hello world", "gpt-4"))
		assert.Equal(t, 2, counter.CountTokens("hello world", "gemini-1.5-pro"))
	})

	t.Run("Unknown model falls back to whitespace count", func(t *testing.T) {
		assert.Equal(t, 4, counter.CountTokens("one two  three\nfour", "mystery-model"))
	})

	t.Run("Empty text is zero", func(t *testing.T) {
		assert.Equal(t, 0, counter.CountTokens("", "gpt-4"))
		assert.Equal(t, 0, counter.CountTokens("", "mystery-model"))
	})

	t.Run("Counting is deterministic", func(t *testing.T) {
		text := "BossDB hosts petascale neuroimaging volumes."
		first := counter.CountTokens(text, "gpt-4o")
		for i := 0; i < 5; i++ {
			assert.Equal(t, first, counter.CountTokens(text, "gpt-4o"))
		}
	})

	t.Run("Special token text does not panic", func(t *testing.T) {
		assert.NotPanics(t, func() {
			counter.CountTokens("<|endoftext|> trailing", "gpt-4")
		})
	})
}

func TestEncodingName(t *testing.T) {
	assert.Equal(t, "o200k_base", encodingName("gpt-4o-mini"))
	assert.Equal(t, "cl100k_base", encodingName("GPT-4-turbo"))
	assert.Equal(t, "cl100k_base", encodingName("anthropic.claude-3-haiku-20240307-v1:0"))
	assert.Equal(t, "", encodingName("llama3"))
}
