package services

import (
	"context"
	"fmt"
	"strings"

	"bossdb_rag_go_backend/cmd/api/config"
)

// Turn is one user question and the assistant's answer.
type Turn struct {
	User      string
	Assistant string
}

func (t Turn) String() string {
	return "User: " + t.User + "\nAssistant: " + t.Assistant
}

type MemoryState struct {
	Type         string `json:"type"`
	MessageCount int    `json:"message_count"`
	HasSummary   bool   `json:"has_summary"`
}

// ConversationMemory holds the prior conversation of one live session.
type ConversationMemory interface {
	// RecordTurn appends a completed turn. It may compress older history;
	// a failed compression is retried on a later turn and never loses turns.
	RecordTurn(ctx context.Context, userText, assistantText string)
	// GetContext returns prior conversation whose token count never exceeds maxTokens.
	GetContext(maxTokens int) string
	State() MemoryState
}

// MemoryFactory builds a fresh memory for a new session.
type MemoryFactory func() ConversationMemory

// NewMemoryFactory picks the memory strategy for the whole deployment.
func NewMemoryFactory(cfg config.MemoryConfig, counter TokenCounter, tokenizerModel string, summarizer LanguageModel) (MemoryFactory, error) {
	switch cfg.Mode {
	case config.MemoryModeWindow:
		return func() ConversationMemory {
			return NewWindowMemory(counter, tokenizerModel, cfg.WindowMaxTurns)
		}, nil
	case config.MemoryModeSummary:
		if summarizer == nil {
			return nil, fmt.Errorf("summary memory requires a summarizer model")
		}
		return func() ConversationMemory {
			return NewSummaryMemory(summarizer, counter, tokenizerModel, SummaryMemoryOptions{
				SummarizeAfterTurns: cfg.SummarizeAfterTurns,
				SummaryMaxTokens:    cfg.SummaryMaxTokens,
				MaxInputTokens:      cfg.SummarizerMaxInput,
			})
		}, nil
	default:
		return nil, fmt.Errorf("unknown memory mode %q", cfg.Mode)
	}
}

func joinTurns(turns []Turn) string {
	parts := make([]string, len(turns))
	for i, t := range turns {
		parts[i] = t.String()
	}
	return strings.Join(parts, "\n\n")
}

// truncateToTokens keeps the longest word prefix of text that fits maxTokens.
func truncateToTokens(counter TokenCounter, model, text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	if counter.CountTokens(text, model) <= maxTokens {
		return text
	}
	words := strings.Fields(text)
	lo, hi := 0, len(words)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if counter.CountTokens(strings.Join(words[:mid], " "), model) <= maxTokens {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return strings.Join(words[:lo], " ")
}
